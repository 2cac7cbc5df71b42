// Package runtime wires the match-table runtime's components into a
// single running process: table construction from config, the shared
// action profiles, the control-plane HTTP API, the metrics server, the
// OTLP tracer, the Kafka audit trail, the periodic checkpoint manager,
// and the background ageing-sweep loop. cmd/matchtabled stays a thin
// flag-parsing shell; this package owns the lifecycle.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchtable/switchcore/internal/audit"
	"github.com/matchtable/switchcore/internal/checkpoint"
	"github.com/matchtable/switchcore/internal/config"
	"github.com/matchtable/switchcore/internal/controlplane"
	"github.com/matchtable/switchcore/internal/demoaction"
	"github.com/matchtable/switchcore/internal/metrics"
	"github.com/matchtable/switchcore/internal/tracing"
	"github.com/matchtable/switchcore/pkg/actionprofile"
	"github.com/matchtable/switchcore/pkg/matchtable"
	"github.com/matchtable/switchcore/pkg/pipeline"
)

// Runtime owns every long-lived component built from a loaded Config.
type Runtime struct {
	cfg *config.Config
	log *logrus.Logger

	registry *controlplane.Registry
	catalog  pipeline.Catalog

	cpServer      *controlplane.Server
	cpHTTPServer  *http.Server
	metricsServer *metrics.Server
	tracer        *tracing.Manager
	trail         *audit.Trail
	checkpoints   *checkpoint.Manager

	sweepStop chan struct{}
	sweepDone chan struct{}

	reloadStop chan struct{}
}

// New loads configFile and builds every table, profile, and ambient
// service it names, but starts nothing yet; call Run for that.
func New(configFile string) (*Runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	r := &Runtime{cfg: cfg, log: logger}
	if err := r.buildComponents(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) buildComponents() error {
	var err error

	r.tracer, err = tracing.New(tracing.Config{
		Enabled:      r.cfg.Tracing.Enabled,
		ServiceName:  r.cfg.Tracing.ServiceName,
		OTLPEndpoint: r.cfg.Tracing.OTLPEndpoint,
		SampleRatio:  r.cfg.Tracing.SampleRatio,
	}, r.log)
	if err != nil {
		return fmt.Errorf("runtime: tracing: %w", err)
	}

	if r.cfg.Audit.Enabled {
		r.trail, err = audit.NewTrail(r.cfg.Audit.Brokers, r.cfg.Audit.Topic, r.log)
		if err != nil {
			return fmt.Errorf("runtime: audit: %w", err)
		}
	}

	catalog := pipeline.NewCatalog()
	registerDefaultNodes(catalog, r.cfg.Tables)
	r.catalog = catalog

	registry, err := buildRegistry(r.cfg.Tables, r.catalog)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	r.registry = registry

	r.cpServer = controlplane.NewServer(r.registry, r.log, r.trail, r.tracer)
	r.cpHTTPServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", r.cfg.Server.Host, r.cfg.Server.Port),
		Handler: r.cpServer.Handler(),
	}

	r.metricsServer = metrics.NewServer(r.cfg.MetricsAddr, r.log)

	if r.cfg.Checkpoint.Enabled {
		r.checkpoints, err = checkpoint.NewManager(r.cfg.Checkpoint.Dir, r.cfg.Checkpoint.Interval, r.registry, r.log)
		if err != nil {
			return fmt.Errorf("runtime: checkpoint: %w", err)
		}
		r.restoreCheckpoints()
	}

	return nil
}

// restoreCheckpoints replays the most recent snapshot of every table
// that has one, so a restart comes back with its entry set instead of an
// empty pipeline. A missing snapshot is normal (first boot, or a table
// added since the last run); a corrupt or mismatched one is logged and
// the table is reset to empty rather than left half-restored.
func (r *Runtime) restoreCheckpoints() {
	dir := r.cfg.Checkpoint.Dir

	read := func(name string) ([]byte, bool) {
		data, err := checkpoint.Read(dir, name)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.log.WithError(err).WithField("table", name).Warn("checkpoint: restore read failed")
			}
			return nil, false
		}
		return data, true
	}

	for name, t := range r.registry.Direct {
		data, ok := read(name)
		if !ok {
			continue
		}
		if err := t.Restore(bytes.NewReader(data), r.registry.Actions); err != nil {
			r.log.WithError(err).WithField("table", name).Warn("checkpoint: restore failed, starting empty")
			t.ResetState()
			continue
		}
		r.log.WithFields(logrus.Fields{"table": name, "entries": t.NumEntries()}).Info("checkpoint: restored")
	}
	for name, t := range r.registry.Indirect {
		data, ok := read(name)
		if !ok {
			continue
		}
		if err := t.Restore(bytes.NewReader(data)); err != nil {
			r.log.WithError(err).WithField("table", name).Warn("checkpoint: restore failed, starting empty")
			t.ResetState()
			continue
		}
		r.log.WithFields(logrus.Fields{"table": name, "entries": t.NumEntries()}).Info("checkpoint: restored")
	}
	for name, t := range r.registry.IndirectWS {
		data, ok := read(name)
		if !ok {
			continue
		}
		if err := t.Restore(bytes.NewReader(data)); err != nil {
			r.log.WithError(err).WithField("table", name).Warn("checkpoint: restore failed, starting empty")
			t.ResetState()
			continue
		}
		r.log.WithFields(logrus.Fields{"table": name, "entries": t.NumEntries()}).Info("checkpoint: restored")
	}
}

// catalogBuilder is the subset of pipeline.NewCatalog()'s concrete type
// this package needs: resolution plus registration. Spelled as an
// interface here since the concrete type NewCatalog returns is
// unexported.
type catalogBuilder interface {
	pipeline.Catalog
	Register(node pipeline.ControlFlowNode)
}

// registerDefaultNodes registers every distinct miss_node name from cfg
// as a plain named pipeline node, so Create's table construction always
// resolves to something instead of nil (an operator wiring a real
// pipeline.Catalog implementation would register the real nodes here
// instead).
func registerDefaultNodes(catalog catalogBuilder, tables []config.TableConfig) {
	seen := map[string]bool{}
	for _, t := range tables {
		if t.MissNode == "" || seen[t.MissNode] {
			continue
		}
		seen[t.MissNode] = true
		catalog.Register(pipeline.Node(t.MissNode))
	}
}

func buildRegistry(tables []config.TableConfig, catalog pipeline.Catalog) (*controlplane.Registry, error) {
	registry := &controlplane.Registry{
		Direct:     make(map[string]*matchtable.DirectMatchTable),
		Indirect:   make(map[string]*matchtable.IndirectMatchTable),
		IndirectWS: make(map[string]*matchtable.IndirectWSMatchTable),
		Profiles:   make(map[string]*actionprofile.Profile),
		Actions:    demoaction.Catalog{},
		Catalog:    catalog,
	}

	for _, tc := range tables {
		kind, err := fieldKindFromString(tc.MatchType)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", tc.Name, err)
		}

		var missNode pipeline.ControlFlowNode
		if tc.MissNode != "" {
			missNode, _ = catalog.ControlNode(tc.MissNode)
		}

		switch tc.TableType {
		case "direct":
			t := matchtable.Create(matchtable.Spec{
				TableType: matchtable.TableDirect,
				FieldKind: kind,
				Name:      tc.Name,
				Size:      tc.Size,
				Catalog:   catalog,
				MissNode:  missNode,
			}).(*matchtable.DirectMatchTable)
			applyToggles(t, tc)
			registry.Direct[tc.Name] = t

		case "indirect":
			profile := profileFor(registry, tc.Name)
			t := matchtable.Create(matchtable.Spec{
				TableType: matchtable.TableIndirect,
				FieldKind: kind,
				Name:      tc.Name,
				Size:      tc.Size,
				Catalog:   catalog,
				MissNode:  missNode,
				Profile:   profile,
			}).(*matchtable.IndirectMatchTable)
			applyToggles(t, tc)
			registry.Indirect[tc.Name] = t

		case "indirect_ws":
			profile := profileFor(registry, tc.Name)
			t := matchtable.Create(matchtable.Spec{
				TableType: matchtable.TableIndirectWS,
				FieldKind: kind,
				Name:      tc.Name,
				Size:      tc.Size,
				Catalog:   catalog,
				MissNode:  missNode,
				Profile:   profile,
			}).(*matchtable.IndirectWSMatchTable)
			applyToggles(t, tc)
			registry.IndirectWS[tc.Name] = t

		default:
			return nil, fmt.Errorf("table %q: unknown table_type %q", tc.Name, tc.TableType)
		}
	}

	return registry, nil
}

// togglable is the subset of MatchTableAbstract's control surface every
// concrete table variant exposes, used to apply a TableConfig's
// counters/meters/ageing toggles uniformly.
type togglable interface {
	EnableCounters()
	DisableCounters()
	EnableMeters()
	DisableMeters()
	EnableAgeing()
	DisableAgeing()
	SetTelemetry(fn func(hit bool))
}

func applyToggles(t togglable, tc config.TableConfig) {
	name := tc.Name
	t.SetTelemetry(func(hit bool) {
		if hit {
			metrics.RecordApply(name, "hit")
		} else {
			metrics.RecordApply(name, "miss")
		}
	})
	if tc.CountersOn {
		t.EnableCounters()
	} else {
		t.DisableCounters()
	}
	if tc.MetersOn {
		t.EnableMeters()
	} else {
		t.DisableMeters()
	}
	if tc.AgeingMS > 0 {
		t.EnableAgeing()
	} else {
		t.DisableAgeing()
	}
}

func fieldKindFromString(s string) (matchtable.FieldKind, error) {
	switch s {
	case "exact":
		return matchtable.FieldExact, nil
	case "lpm":
		return matchtable.FieldLPM, nil
	case "ternary":
		return matchtable.FieldTernary, nil
	case "range":
		return matchtable.FieldRange, nil
	default:
		return 0, fmt.Errorf("unknown match_type %q", s)
	}
}

// Run starts every background service (control-plane API, metrics,
// checkpoints, ageing sweep) and blocks until ctx is cancelled, then
// shuts everything down in reverse order.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.metricsServer.Start(); err != nil {
		return fmt.Errorf("runtime: metrics server: %w", err)
	}

	r.log.WithField("addr", r.cpHTTPServer.Addr).Info("starting control-plane API")
	go func() {
		if err := r.cpHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.WithError(err).Error("control-plane server error")
		}
	}()

	if r.checkpoints != nil {
		go r.checkpoints.Run()
	}

	if r.cfg.StaticEntries.Path != "" {
		r.reloadStaticEntries(r.cfg.StaticEntries.Path)
		r.reloadStop = make(chan struct{})
		if err := config.WatchStaticEntries(r.cfg.StaticEntries.Path, r.reloadStop, func() {
			r.reloadStaticEntries(r.cfg.StaticEntries.Path)
		}); err != nil {
			r.log.WithError(err).Warn("static entries: watch failed, hot-reload disabled")
		}
	}

	r.startAgeingSweep()

	<-ctx.Done()
	return r.shutdown()
}

func (r *Runtime) shutdown() error {
	r.log.Info("shutting down")
	r.stopAgeingSweep()
	if r.reloadStop != nil {
		close(r.reloadStop)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.cpHTTPServer.Shutdown(shutdownCtx); err != nil {
		r.log.WithError(err).Warn("control-plane server shutdown error")
	}
	if err := r.metricsServer.Stop(); err != nil {
		r.log.WithError(err).Warn("metrics server shutdown error")
	}
	if r.checkpoints != nil {
		r.checkpoints.Stop()
	}
	if err := r.tracer.Shutdown(shutdownCtx); err != nil {
		r.log.WithError(err).Warn("tracer shutdown error")
	}
	if err := r.trail.Close(); err != nil {
		r.log.WithError(err).Warn("audit trail shutdown error")
	}
	return nil
}

// startAgeingSweep runs the same two-phase sweep-then-delete policy as
// the control-plane's manual /sweep endpoint, but on a timer, across
// every installed table. The table-level sweep is advisory and
// read-only; this loop is the controller that decides to delete.
func (r *Runtime) startAgeingSweep() {
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})
	interval := time.Duration(r.cfg.AgeingSweepMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepOnce()
			case <-r.sweepStop:
				return
			}
		}
	}()
}

func (r *Runtime) stopAgeingSweep() {
	close(r.sweepStop)
	<-r.sweepDone
}

func (r *Runtime) sweepOnce() {
	for name, t := range r.registry.Tables() {
		candidates := t.SweepEntries()
		for _, h := range candidates {
			if ec := t.DeleteEntry(h); ec.OK() {
				metrics.EntriesAgedOutTotal.WithLabelValues(name).Inc()
			}
		}
		metrics.EntriesInstalled.WithLabelValues(name).Set(float64(t.NumEntries()))
	}
}

func profileFor(registry *controlplane.Registry, table string) *actionprofile.Profile {
	if p, ok := registry.Profiles[table]; ok {
		return p
	}
	p := actionprofile.New(table)
	registry.Profiles[table] = p
	return p
}
