// Package controlplane exposes a gorilla/mux HTTP API over the runtime's
// match tables and action profiles: entry CRUD, default-entry
// management, counter/ageing operations, and table introspection. Every
// mutating call is mirrored to the configured audit.Trail; the add,
// modify and delete entry calls are also wrapped in an OpenTelemetry
// span.
package controlplane

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/matchtable/switchcore/internal/apperr"
	"github.com/matchtable/switchcore/internal/audit"
	"github.com/matchtable/switchcore/internal/metrics"
	"github.com/matchtable/switchcore/internal/tracing"
	"github.com/matchtable/switchcore/pkg/actionprofile"
	"github.com/matchtable/switchcore/pkg/matchtable"
	"github.com/matchtable/switchcore/pkg/pipeline"
)

// Registry is the set of named resources the API operates on, built by
// internal/runtime at startup.
type Registry struct {
	Direct     map[string]*matchtable.DirectMatchTable
	Indirect   map[string]*matchtable.IndirectMatchTable
	IndirectWS map[string]*matchtable.IndirectWSMatchTable
	Profiles   map[string]*actionprofile.Profile
	Actions    matchtable.ActionCatalog
	Catalog    pipeline.Catalog
}

// Tables returns every registered table keyed by name, satisfying
// checkpoint.Source so the periodic checkpoint manager can snapshot
// every variant uniformly.
func (r *Registry) Tables() map[string]matchtable.Table {
	out := make(map[string]matchtable.Table, len(r.Direct)+len(r.Indirect)+len(r.IndirectWS))
	for name, t := range r.Direct {
		out[name] = t
	}
	for name, t := range r.Indirect {
		out[name] = t
	}
	for name, t := range r.IndirectWS {
		out[name] = t
	}
	return out
}

// Server serves the control-plane API.
type Server struct {
	router   *mux.Router
	registry *Registry
	logger   *logrus.Logger
	trail    *audit.Trail
	tracer   *tracing.Manager
}

// NewServer builds a Server with all routes registered.
func NewServer(registry *Registry, logger *logrus.Logger, trail *audit.Trail, tracer *tracing.Manager) *Server {
	s := &Server{router: mux.NewRouter(), registry: registry, logger: logger, trail: trail, tracer: tracer}
	s.routes()
	return s
}

// Handler returns the http.Handler to mount.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/tables", s.listTables).Methods(http.MethodGet)
	s.router.HandleFunc("/tables/{table}/entries", s.listEntries).Methods(http.MethodGet)
	s.router.HandleFunc("/tables/{table}/entries", s.addEntry).Methods(http.MethodPost)
	s.router.HandleFunc("/tables/{table}/entries/{handle}", s.modifyEntry).Methods(http.MethodPut)
	s.router.HandleFunc("/tables/{table}/entries/{handle}", s.deleteEntry).Methods(http.MethodDelete)
	s.router.HandleFunc("/tables/{table}/default", s.setDefaultEntry).Methods(http.MethodPut)
	s.router.HandleFunc("/tables/{table}/entries/{handle}/counters", s.queryCounters).Methods(http.MethodGet)
	s.router.HandleFunc("/tables/{table}/entries/{handle}/counters", s.writeCounters).Methods(http.MethodPut)
	s.router.HandleFunc("/tables/{table}/entries/{handle}/ttl", s.setEntryTTL).Methods(http.MethodPut)
	s.router.HandleFunc("/tables/{table}/counters/reset", s.resetCounters).Methods(http.MethodPost)
	s.router.HandleFunc("/tables/{table}/reset", s.resetState).Methods(http.MethodPost)
	s.router.HandleFunc("/tables/{table}/sweep", s.sweepEntries).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type tableSummary struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Entries int    `json:"entries"`
}

func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	var out []tableSummary
	for name, t := range s.registry.Direct {
		out = append(out, tableSummary{Name: name, Kind: "direct", Entries: t.NumEntries()})
	}
	for name, t := range s.registry.Indirect {
		out = append(out, tableSummary{Name: name, Kind: "indirect", Entries: t.NumEntries()})
	}
	for name, t := range s.registry.IndirectWS {
		out = append(out, tableSummary{Name: name, Kind: "indirect_ws", Entries: t.NumEntries()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resolveTable(name string) (matchtable.Table, bool) {
	if t, ok := s.registry.Direct[name]; ok {
		return t, true
	}
	if t, ok := s.registry.Indirect[name]; ok {
		return t, true
	}
	if t, ok := s.registry.IndirectWS[name]; ok {
		return t, true
	}
	return nil, false
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["table"]
	t, ok := s.resolveTable(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no such table")
		return
	}
	var out []string
	for _, h := range t.Handles() {
		out = append(out, t.DumpEntry(h))
	}
	writeJSON(w, http.StatusOK, out)
}

// entryParam mirrors matchtable.MatchKeyParam in a JSON-friendly, hex
// encoded shape.
type entryParam struct {
	Kind      string `json:"kind"`
	Value     string `json:"value,omitempty"`
	PrefixLen int    `json:"prefix_len,omitempty"`
	Mask      string `json:"mask,omitempty"`
	Lo        string `json:"lo,omitempty"`
	Hi        string `json:"hi,omitempty"`
}

func decodeHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

func (p entryParam) toParam() (matchtable.MatchKeyParam, error) {
	switch p.Kind {
	case "exact":
		return matchtable.MatchKeyParam{Kind: matchtable.FieldExact, Value: decodeHex(p.Value)}, nil
	case "lpm":
		return matchtable.MatchKeyParam{Kind: matchtable.FieldLPM, Value: decodeHex(p.Value), PrefixLen: p.PrefixLen}, nil
	case "ternary":
		return matchtable.MatchKeyParam{Kind: matchtable.FieldTernary, Value: decodeHex(p.Value), Mask: decodeHex(p.Mask)}, nil
	case "range":
		return matchtable.MatchKeyParam{Kind: matchtable.FieldRange, Lo: decodeHex(p.Lo), Hi: decodeHex(p.Hi)}, nil
	default:
		return matchtable.MatchKeyParam{}, errUnknownKind
	}
}

var errUnknownKind = &kindError{}

type kindError struct{}

func (*kindError) Error() string { return "controlplane: unknown match-key param kind" }

type addEntryRequest struct {
	Params     []entryParam `json:"params"`
	Priority   int          `json:"priority"`
	TimeoutMS  uint32       `json:"timeout_ms"`
	ActionName string       `json:"action_name"`
	ActionData string       `json:"action_data"`
	NextNode   string       `json:"next_node"`
}

func (s *Server) buildKey(req addEntryRequest) (matchtable.MatchKey, error) {
	params := make([]matchtable.MatchKeyParam, len(req.Params))
	for i, p := range req.Params {
		mp, err := p.toParam()
		if err != nil {
			return matchtable.MatchKey{}, err
		}
		params[i] = mp
	}
	return matchtable.MatchKey{Params: params, Priority: req.Priority}, nil
}

func (s *Server) addEntry(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["table"]
	var req addEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := s.buildKey(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, span := s.tracer.StartControlPlaneOp(r.Context(), "add_entry", name)
	defer span.End()

	if dt, ok := s.registry.Direct[name]; ok {
		fn, ok := s.registry.Actions.ActionByName(req.ActionName)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown action "+req.ActionName)
			return
		}
		var node pipeline.ControlFlowNode
		if req.NextNode != "" {
			node, _ = s.registry.Catalog.ControlNode(req.NextNode)
		}
		h, ec := dt.AddEntry(key, matchtable.ActionEntry{ActionFn: fn, ActionData: matchtable.ActionData(decodeHex(req.ActionData)), NextNode: node}, req.TimeoutMS)
		s.finishMutation("add_entry", name, ec)
		if !ec.OK() {
			writeError(w, http.StatusConflict, ec.String())
			return
		}
		metrics.EntriesInstalled.WithLabelValues(name).Set(float64(dt.NumEntries()))
		writeJSON(w, http.StatusCreated, map[string]string{"handle": strconv.FormatUint(uint64(h), 16)})
		return
	}
	writeError(w, http.StatusNotFound, "no such direct table (indirect entries are added via member/group handle, not this endpoint)")
}

func (s *Server) modifyEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["table"]
	hv, err := strconv.ParseUint(vars["handle"], 16, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad handle")
		return
	}
	h := matchtable.EntryHandle(uint32(hv))

	var req addEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dt, ok := s.registry.Direct[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no such direct table")
		return
	}
	fn, ok := s.registry.Actions.ActionByName(req.ActionName)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown action "+req.ActionName)
		return
	}
	var node pipeline.ControlFlowNode
	if req.NextNode != "" {
		node, _ = s.registry.Catalog.ControlNode(req.NextNode)
	}

	_, span := s.tracer.StartControlPlaneOp(r.Context(), "modify_entry", name)
	defer span.End()

	ec := dt.ModifyEntry(h, matchtable.ActionEntry{ActionFn: fn, ActionData: matchtable.ActionData(decodeHex(req.ActionData)), NextNode: node})
	s.finishMutation("modify_entry", name, ec)
	if !ec.OK() {
		writeError(w, http.StatusConflict, ec.String())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, handleStr := vars["table"], vars["handle"]
	hv, err := strconv.ParseUint(handleStr, 16, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad handle")
		return
	}
	h := matchtable.EntryHandle(uint32(hv))

	_, span := s.tracer.StartControlPlaneOp(r.Context(), "delete_entry", name)
	defer span.End()

	t, ok := s.resolveTable(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no such table")
		return
	}
	ec := t.DeleteEntry(h)
	s.finishMutation("delete_entry", name, ec)
	if !ec.OK() {
		writeError(w, http.StatusNotFound, ec.String())
		return
	}
	metrics.EntriesInstalled.WithLabelValues(name).Set(float64(t.NumEntries()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) setDefaultEntry(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["table"]
	var req addEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dt, ok := s.registry.Direct[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no such direct table")
		return
	}
	fn, ok := s.registry.Actions.ActionByName(req.ActionName)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown action "+req.ActionName)
		return
	}
	var node pipeline.ControlFlowNode
	if req.NextNode != "" {
		node, _ = s.registry.Catalog.ControlNode(req.NextNode)
	}
	ec := dt.SetDefaultEntry(matchtable.ActionEntry{ActionFn: fn, ActionData: matchtable.ActionData(decodeHex(req.ActionData)), NextNode: node})
	s.finishMutation("set_default_entry", name, ec)
	if !ec.OK() {
		writeError(w, http.StatusConflict, ec.String())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// entryOps is the per-entry facade every table variant exposes through
// its embedded abstract table.
type entryOps interface {
	QueryCounters(h matchtable.EntryHandle) (int64, int64, matchtable.ErrCode)
	WriteCounters(h matchtable.EntryHandle, bytes, packets int64) matchtable.ErrCode
	SetEntryTTL(h matchtable.EntryHandle, timeoutMS uint32) matchtable.ErrCode
}

func (s *Server) resolveEntryOps(w http.ResponseWriter, r *http.Request) (entryOps, matchtable.EntryHandle, bool) {
	vars := mux.Vars(r)
	t, ok := s.resolveTable(vars["table"])
	if !ok {
		writeError(w, http.StatusNotFound, "no such table")
		return nil, 0, false
	}
	ops, ok := t.(entryOps)
	if !ok {
		writeError(w, http.StatusNotFound, "table does not support per-entry operations")
		return nil, 0, false
	}
	hv, err := strconv.ParseUint(vars["handle"], 16, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad handle")
		return nil, 0, false
	}
	return ops, matchtable.EntryHandle(uint32(hv)), true
}

func (s *Server) queryCounters(w http.ResponseWriter, r *http.Request) {
	ops, h, ok := s.resolveEntryOps(w, r)
	if !ok {
		return
	}
	bytes, packets, ec := ops.QueryCounters(h)
	if !ec.OK() {
		writeError(w, http.StatusConflict, ec.String())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"bytes": bytes, "packets": packets})
}

type writeCountersRequest struct {
	Bytes   int64 `json:"bytes"`
	Packets int64 `json:"packets"`
}

func (s *Server) writeCounters(w http.ResponseWriter, r *http.Request) {
	ops, h, ok := s.resolveEntryOps(w, r)
	if !ok {
		return
	}
	var req writeCountersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ec := ops.WriteCounters(h, req.Bytes, req.Packets)
	s.finishMutation("write_counters", mux.Vars(r)["table"], ec)
	if !ec.OK() {
		writeError(w, http.StatusConflict, ec.String())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setTTLRequest struct {
	TimeoutMS uint32 `json:"timeout_ms"`
}

func (s *Server) setEntryTTL(w http.ResponseWriter, r *http.Request) {
	ops, h, ok := s.resolveEntryOps(w, r)
	if !ok {
		return
	}
	var req setTTLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ec := ops.SetEntryTTL(h, req.TimeoutMS)
	s.finishMutation("set_entry_ttl", mux.Vars(r)["table"], ec)
	if !ec.OK() {
		writeError(w, http.StatusConflict, ec.String())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) resetCounters(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["table"]
	t, ok := s.resolveTable(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no such table")
		return
	}
	ec := t.ResetCounters()
	s.finishMutation("reset_counters", name, ec)
	if !ec.OK() {
		writeError(w, http.StatusConflict, ec.String())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) resetState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["table"]
	t, ok := s.resolveTable(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no such table")
		return
	}
	t.ResetState()
	s.finishMutation("reset_state", name, matchtable.Success)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sweepEntries runs the two-phase ageing policy: the advisory, read-only
// sweep names candidate handles, then this handler deletes each one
// under the table's write lock. Expiry is not re-checked, so a candidate
// refreshed by a hit after the sweep is still deleted; a handle that a
// concurrent delete has already removed fails with InvalidHandle, which
// is not an error here, just a lost race, and is not counted.
func (s *Server) sweepEntries(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["table"]
	t, ok := s.resolveTable(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no such table")
		return
	}
	candidates := t.SweepEntries()
	expired := 0
	for _, h := range candidates {
		if ec := t.DeleteEntry(h); ec.OK() {
			expired++
			metrics.EntriesAgedOutTotal.WithLabelValues(name).Inc()
		}
	}
	s.finishMutation("sweep_entries", name, matchtable.Success)
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

func (s *Server) finishMutation(op, table string, ec matchtable.ErrCode) {
	result := "success"
	if !ec.OK() {
		result = ec.String()
	}
	metrics.RecordControlPlaneOp(op, result)
	s.trail.Publish(audit.Record{
		Table:     table,
		Operation: op,
		Detail:    map[string]interface{}{"result": result},
	})
	if !ec.OK() {
		e := apperr.New(apperr.CodeControlPlaneBad, "controlplane", op, "control-plane operation failed").
			WithMetadata("table", table).
			WithMetadata("result", result)
		s.logger.WithFields(logrus.Fields(e.Fields())).Warn(e.Message)
	}
}
