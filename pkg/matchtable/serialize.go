package matchtable

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/matchtable/switchcore/pkg/pipeline"
)

// ActionCatalog resolves a persisted action name back to a live ActionFn,
// the action-side counterpart of pipeline.Catalog. Deserialize needs one
// to rebuild ActionEntry values; it is supplied by the caller (normally
// the same object that built the pipeline.Catalog) rather than owned by
// this package, since action functions are defined entirely outside it.
type ActionCatalog interface {
	ActionByName(name string) (ActionFn, bool)
}

const nullNodeName = pipeline.NullNodeName

func nodeName(n pipeline.ControlFlowNode) string {
	if n == nil {
		return nullNodeName
	}
	return n.Name()
}

func resolveNode(catalog pipeline.Catalog, name string) (pipeline.ControlFlowNode, error) {
	if name == nullNodeName {
		return nil, nil
	}
	n, ok := catalog.ControlNode(name)
	if !ok {
		return nil, fmt.Errorf("matchtable: unknown control-flow node %q", name)
	}
	return n, nil
}

// serializeParam renders one MatchKeyParam as "<kind> <hex(value)>
// <extra...>", kind-dependent extras following the Value field:
//
//	exact:   <hex value>
//	lpm:     <hex value> <prefixLen>
//	ternary: <hex value> <hex mask>
//	range:   <hex lo> <hex hi>
func serializeParam(w *strings.Builder, p MatchKeyParam) {
	fmt.Fprintf(w, "%s", p.Kind)
	switch p.Kind {
	case FieldExact:
		fmt.Fprintf(w, " %s", hex.EncodeToString(p.Value))
	case FieldLPM:
		fmt.Fprintf(w, " %s %d", hex.EncodeToString(p.Value), p.PrefixLen)
	case FieldTernary:
		fmt.Fprintf(w, " %s %s", hex.EncodeToString(p.Value), hex.EncodeToString(p.Mask))
	case FieldRange:
		fmt.Fprintf(w, " %s %s", hex.EncodeToString(p.Lo), hex.EncodeToString(p.Hi))
	}
	w.WriteByte('\n')
}

func parseFieldKind(s string) (FieldKind, error) {
	switch s {
	case "exact":
		return FieldExact, nil
	case "lpm":
		return FieldLPM, nil
	case "ternary":
		return FieldTernary, nil
	case "range":
		return FieldRange, nil
	default:
		return 0, fmt.Errorf("matchtable: unknown field kind %q", s)
	}
}

func deserializeParam(line string) (MatchKeyParam, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return MatchKeyParam{}, fmt.Errorf("matchtable: empty param line")
	}
	kind, err := parseFieldKind(fields[0])
	if err != nil {
		return MatchKeyParam{}, err
	}
	p := MatchKeyParam{Kind: kind}
	switch kind {
	case FieldExact:
		if len(fields) != 2 {
			return p, fmt.Errorf("matchtable: malformed exact param %q", line)
		}
		p.Value, err = hex.DecodeString(fields[1])
	case FieldLPM:
		if len(fields) != 3 {
			return p, fmt.Errorf("matchtable: malformed lpm param %q", line)
		}
		p.Value, err = hex.DecodeString(fields[1])
		if err == nil {
			p.PrefixLen, err = strconv.Atoi(fields[2])
		}
	case FieldTernary:
		if len(fields) != 3 {
			return p, fmt.Errorf("matchtable: malformed ternary param %q", line)
		}
		p.Value, err = hex.DecodeString(fields[1])
		if err == nil {
			p.Mask, err = hex.DecodeString(fields[2])
		}
	case FieldRange:
		if len(fields) != 3 {
			return p, fmt.Errorf("matchtable: malformed range param %q", line)
		}
		p.Lo, err = hex.DecodeString(fields[1])
		if err == nil {
			p.Hi, err = hex.DecodeString(fields[2])
		}
	}
	return p, err
}

// Serialize renders t's name, miss node, default entry (if any), and
// every installed entry as a line-oriented text format: the table name,
// then the miss node name (or the __NULL__ sentinel), then the default
// entry, then the entries. Each entry line-group is: handle, priority,
// ttl_ms, param count, one line per param, then the action line
// ("<fn name> <hex data> <next node name|__NULL__>").
func (t *DirectMatchTable) Serialize(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n", t.name, nodeName(t.missNode))

	if t.hasDefault {
		fmt.Fprintf(&b, "default 1\n")
		writeActionEntryLine(&b, t.defaultEntry)
	} else {
		fmt.Fprintf(&b, "default 0\n")
	}

	handles := t.unit.Handles()
	fmt.Fprintf(&b, "entries %d\n", len(handles))
	for _, h := range handles {
		key, _ := t.unit.GetKey(h)
		val, meta, _ := t.unit.GetValue(h)
		fmt.Fprintf(&b, "entry %08x %d %d %d\n", uint32(h), key.Priority, meta.TimeoutMS, len(key.Params))
		for _, p := range key.Params {
			serializeParam(&b, p)
		}
		writeActionEntryLine(&b, val)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// emptyDataToken stands in for zero-length action data on the wire, so
// the line always splits into exactly three fields.
const emptyDataToken = "-"

func writeActionEntryLine(b *strings.Builder, a ActionEntry) {
	data := emptyDataToken
	if len(a.ActionData) > 0 {
		data = hex.EncodeToString(a.ActionData)
	}
	fmt.Fprintf(b, "%s %s %s\n", a.ActionFn.Name(), data, nodeName(a.NextNode))
}

func parseActionEntryLine(line string, actions ActionCatalog, catalog pipeline.Catalog) (ActionEntry, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return ActionEntry{}, fmt.Errorf("matchtable: malformed action line %q", line)
	}
	fn, ok := actions.ActionByName(fields[0])
	if !ok {
		return ActionEntry{}, fmt.Errorf("matchtable: unknown action %q", fields[0])
	}
	var data []byte
	if fields[1] != emptyDataToken {
		var err error
		data, err = hex.DecodeString(fields[1])
		if err != nil {
			return ActionEntry{}, err
		}
	}
	node, err := resolveNode(catalog, fields[2])
	if err != nil {
		return ActionEntry{}, err
	}
	return ActionEntry{ActionFn: fn, ActionData: ActionData(data), NextNode: node}, nil
}

func writeIndexLine(b *strings.Builder, idx IndirectIndex) {
	if idx.IsGroup() {
		fmt.Fprintf(b, "group %d\n", idx.Grp)
		return
	}
	fmt.Fprintf(b, "member %d\n", idx.Mbr)
}

func parseIndexLine(line string) (IndirectIndex, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return IndirectIndex{}, fmt.Errorf("matchtable: malformed index line %q", line)
	}
	h, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return IndirectIndex{}, err
	}
	switch fields[0] {
	case "member":
		return MakeMemberIndex(h), nil
	case "group":
		return MakeGroupIndex(h), nil
	default:
		return IndirectIndex{}, fmt.Errorf("matchtable: unknown index tag %q", fields[0])
	}
}

// Serialize renders t in the same text format as
// DirectMatchTable.Serialize, with each entry's value line naming a
// profile member/group handle (its tag plus the handle) instead of a
// full action entry.
func (t *IndirectMatchTable) Serialize(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n", t.name, nodeName(t.missNode))

	if t.hasDefault {
		fmt.Fprintf(&b, "default 1\n")
		writeIndexLine(&b, t.defaultIndex)
	} else {
		fmt.Fprintf(&b, "default 0\n")
	}

	handles := t.unit.Handles()
	fmt.Fprintf(&b, "entries %d\n", len(handles))
	for _, h := range handles {
		key, _ := t.unit.GetKey(h)
		val, meta, _ := t.unit.GetValue(h)
		fmt.Fprintf(&b, "entry %08x %d %d %d\n", uint32(h), key.Priority, meta.TimeoutMS, len(key.Params))
		for _, p := range key.Params {
			serializeParam(&b, p)
		}
		writeIndexLine(&b, val)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// newLineReader wraps r in a scanner sized for large snapshots and
// returns a line-at-a-time reader.
func newLineReader(r io.Reader) func() (string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return func() (string, error) {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		return sc.Text(), nil
	}
}

// deserializeIndirectBody reads the shared body (name, miss node,
// default, entries) common to IndirectMatchTable and IndirectWSMatchTable,
// replaying each add through addEntry so a WS table's empty-group check
// still runs. A non-empty wantName asserts the stream was serialized
// from a table of that name before anything is replayed.
func deserializeIndirectBody(r io.Reader, catalog pipeline.Catalog, wantName string, addEntry func(MatchKey, IndirectIndex, uint32) (EntryHandle, ErrCode), setDefault func(IndirectIndex) ErrCode) (name string, missNode pipeline.ControlFlowNode, err error) {
	readLine := newLineReader(r)

	name, err = readLine()
	if err != nil {
		return "", nil, err
	}
	if wantName != "" && name != wantName {
		return "", nil, fmt.Errorf("matchtable: snapshot is for table %q, not %q", name, wantName)
	}
	missName, err := readLine()
	if err != nil {
		return "", nil, err
	}
	missNode, err = resolveNode(catalog, missName)
	if err != nil {
		return "", nil, err
	}

	defaultLine, err := readLine()
	if err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(defaultLine) == "default 1" {
		idxLine, err := readLine()
		if err != nil {
			return "", nil, err
		}
		idx, err := parseIndexLine(idxLine)
		if err != nil {
			return "", nil, err
		}
		if ec := setDefault(idx); !ec.OK() {
			return "", nil, fmt.Errorf("matchtable: restoring default index into %q: %s", name, ec)
		}
	}

	entriesLine, err := readLine()
	if err != nil {
		return "", nil, err
	}
	var n int
	if _, err := fmt.Sscanf(entriesLine, "entries %d", &n); err != nil {
		return "", nil, fmt.Errorf("matchtable: malformed entries header %q", entriesLine)
	}

	for i := 0; i < n; i++ {
		header, err := readLine()
		if err != nil {
			return "", nil, err
		}
		var handle uint32
		var priority, timeoutMS, numParams int
		if _, err := fmt.Sscanf(header, "entry %x %d %d %d", &handle, &priority, &timeoutMS, &numParams); err != nil {
			return "", nil, fmt.Errorf("matchtable: malformed entry header %q", header)
		}
		params := make([]MatchKeyParam, numParams)
		for j := 0; j < numParams; j++ {
			line, err := readLine()
			if err != nil {
				return "", nil, err
			}
			p, err := deserializeParam(line)
			if err != nil {
				return "", nil, err
			}
			params[j] = p
		}
		idxLine, err := readLine()
		if err != nil {
			return "", nil, err
		}
		idx, err := parseIndexLine(idxLine)
		if err != nil {
			return "", nil, err
		}
		if _, ec := addEntry(MatchKey{Params: params, Priority: priority}, idx, uint32(timeoutMS)); !ec.OK() {
			return "", nil, fmt.Errorf("matchtable: replaying entry %d into %q: %s", i, name, ec)
		}
	}

	return name, missNode, nil
}

// DeserializeIndirectTable rebuilds an IndirectMatchTable previously
// written by Serialize. profile must already contain every member/group
// handle the stream references; profiles are shared, external state and
// are restored separately.
func DeserializeIndirectTable(r io.Reader, kind FieldKind, size uint32, catalog pipeline.Catalog, profile ActionProfile) (*IndirectMatchTable, error) {
	t := newIndirectTable(kind, size, "", catalog, nil, profile)
	name, missNode, err := deserializeIndirectBody(r, catalog, "", t.AddEntry, t.SetDefaultIndex)
	if err != nil {
		return nil, err
	}
	t.name = name
	t.missNode = missNode
	return t, nil
}

// Restore replays a snapshot previously written by Serialize into t,
// which must already be constructed with the same name, match kind, and
// size the snapshot was taken from; a name mismatch is an error, and
// nothing is replayed past it.
func (t *IndirectMatchTable) Restore(r io.Reader) error {
	_, missNode, err := deserializeIndirectBody(r, t.catalog, t.name, t.AddEntry, t.SetDefaultIndex)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.missNode = missNode
	t.mu.Unlock()
	return nil
}

// Restore mirrors IndirectMatchTable.Restore, replaying through the
// selection table's own mutators so the empty-group checks run.
func (t *IndirectWSMatchTable) Restore(r io.Reader) error {
	_, missNode, err := deserializeIndirectBody(r, t.catalog, t.name, t.AddEntry, t.SetDefaultIndex)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.missNode = missNode
	t.mu.Unlock()
	return nil
}

// DeserializeIndirectWSTable mirrors DeserializeIndirectTable for the
// indirect-with-selection variant, so the EMPTY_GRP check still runs on
// replay.
func DeserializeIndirectWSTable(r io.Reader, kind FieldKind, size uint32, catalog pipeline.Catalog, profile ActionProfile) (*IndirectWSMatchTable, error) {
	t := newIndirectWSTable(kind, size, "", catalog, nil, profile)
	name, missNode, err := deserializeIndirectBody(r, catalog, "", t.AddEntry, t.SetDefaultIndex)
	if err != nil {
		return nil, err
	}
	t.name = name
	t.missNode = missNode
	return t, nil
}

// restoreDirectBody replays the default entry and entry list into t.
func restoreDirectBody(readLine func() (string, error), t *DirectMatchTable, actions ActionCatalog, catalog pipeline.Catalog) error {
	defaultLine, err := readLine()
	if err != nil {
		return err
	}
	if strings.TrimSpace(defaultLine) == "default 1" {
		actLine, err := readLine()
		if err != nil {
			return err
		}
		action, err := parseActionEntryLine(actLine, actions, catalog)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.defaultEntry = action
		t.hasDefault = true
		t.mu.Unlock()
	}

	entriesLine, err := readLine()
	if err != nil {
		return err
	}
	var n int
	if _, err := fmt.Sscanf(entriesLine, "entries %d", &n); err != nil {
		return fmt.Errorf("matchtable: malformed entries header %q", entriesLine)
	}

	for i := 0; i < n; i++ {
		header, err := readLine()
		if err != nil {
			return err
		}
		var handle uint32
		var priority, timeoutMS, numParams int
		if _, err := fmt.Sscanf(header, "entry %x %d %d %d", &handle, &priority, &timeoutMS, &numParams); err != nil {
			return fmt.Errorf("matchtable: malformed entry header %q", header)
		}
		params := make([]MatchKeyParam, numParams)
		for j := 0; j < numParams; j++ {
			line, err := readLine()
			if err != nil {
				return err
			}
			p, err := deserializeParam(line)
			if err != nil {
				return err
			}
			params[j] = p
		}
		actLine, err := readLine()
		if err != nil {
			return err
		}
		action, err := parseActionEntryLine(actLine, actions, catalog)
		if err != nil {
			return err
		}
		if _, ec := t.AddEntry(MatchKey{Params: params, Priority: priority}, action, uint32(timeoutMS)); !ec.OK() {
			return fmt.Errorf("matchtable: replaying entry %d into %q: %s", i, t.name, ec)
		}
	}

	return nil
}

// DeserializeDirectTable rebuilds a DirectMatchTable previously written
// by Serialize. kind and size are not persisted in the wire format (the
// caller recovers them from the same switch configuration that built the
// table in the first place), so they must match the values the table was
// constructed with.
func DeserializeDirectTable(r io.Reader, kind FieldKind, size uint32, catalog pipeline.Catalog, actions ActionCatalog) (*DirectMatchTable, error) {
	readLine := newLineReader(r)

	name, err := readLine()
	if err != nil {
		return nil, err
	}
	missName, err := readLine()
	if err != nil {
		return nil, err
	}
	missNode, err := resolveNode(catalog, missName)
	if err != nil {
		return nil, err
	}

	t := newDirectTable(kind, size, name, catalog, missNode)
	if err := restoreDirectBody(readLine, t, actions, catalog); err != nil {
		return nil, err
	}
	return t, nil
}

// Restore replays a snapshot previously written by Serialize into t,
// which must already be constructed with the same name, match kind, and
// size the snapshot was taken from; a name mismatch is an error, and
// nothing is replayed past it.
func (t *DirectMatchTable) Restore(r io.Reader, actions ActionCatalog) error {
	readLine := newLineReader(r)

	name, err := readLine()
	if err != nil {
		return err
	}
	if name != t.name {
		return fmt.Errorf("matchtable: snapshot is for table %q, not %q", name, t.name)
	}
	missName, err := readLine()
	if err != nil {
		return err
	}
	missNode, err := resolveNode(t.catalog, missName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.missNode = missNode
	t.mu.Unlock()

	return restoreDirectBody(readLine, t, actions, t.catalog)
}
