package matchtable

import (
	"github.com/matchtable/switchcore/pkg/pipeline"
)

// DirectMatchTable is a match table whose value is a full ActionEntry
// (action function, bound data, next node), installed directly by the
// control plane. It is the concrete type Create returns for TableDirect,
// whatever the match kind.
type DirectMatchTable struct {
	MatchTableAbstract
	unit *MatchUnit[ActionEntry]

	defaultEntry   ActionEntry
	hasDefault     bool
	defaultIsConst bool // a const default entry can never be changed once set

	// constDefaultFn, when non-nil, pins the default entry's action
	// function: the default's data may still change, its action may not.
	constDefaultFn ActionFn
}

func newDirectTable(kind FieldKind, size uint32, name string, catalog pipeline.Catalog, missNode pipeline.ControlFlowNode) *DirectMatchTable {
	t := &DirectMatchTable{
		MatchTableAbstract: newAbstractTable(name, catalog, missNode),
		unit:               NewMatchUnit[ActionEntry](kind, size),
	}
	t.metaSource = t.unit
	return t
}

// AddEntry installs a new match entry bound to the given action.
func (t *DirectMatchTable) AddEntry(key MatchKey, action ActionEntry, timeoutMS uint32) (EntryHandle, ErrCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	action.NextNode = t.resolveNextNode(action.ActionFn.ID(), action.NextNode)
	return t.unit.AddEntry(key, action, timeoutMS)
}

// ModifyEntry rebinds an installed entry's action.
func (t *DirectMatchTable) ModifyEntry(h EntryHandle, action ActionEntry) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	action.NextNode = t.resolveNextNode(action.ActionFn.ID(), action.NextNode)
	return t.unit.ModifyEntry(h, action)
}

// DeleteEntry removes an installed entry.
func (t *DirectMatchTable) DeleteEntry(h EntryHandle) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unit.DeleteEntry(h)
}

// SetDefaultEntry installs or replaces the table's default (miss) action.
// Rejected with DefaultEntryIsConst once SetConstDefaultEntry has run,
// and with DefaultActionIsConst when a pinned default action differs.
func (t *DirectMatchTable) SetDefaultEntry(action ActionEntry) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.defaultIsConst {
		return DefaultEntryIsConst
	}
	if t.constDefaultFn != nil && action.ActionFn.ID() != t.constDefaultFn.ID() {
		return DefaultActionIsConst
	}
	action.NextNode = t.resolveNextNode(action.ActionFn.ID(), action.NextNode)
	t.defaultEntry = action
	t.hasDefault = true
	if !t.missFrozen {
		t.missNode = action.NextNode
	}
	return Success
}

// SetConstDefaultActionFn pins the default entry's action function: any
// later SetDefaultEntry naming a different action fails with
// DefaultActionIsConst. First writer wins; a second call is itself
// rejected the same way.
func (t *DirectMatchTable) SetConstDefaultActionFn(fn ActionFn) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.constDefaultFn != nil {
		return DefaultActionIsConst
	}
	t.constDefaultFn = fn
	return Success
}

// SetConstDefaultEntry installs a default entry and permanently freezes
// it: subsequent SetDefaultEntry calls fail with DefaultEntryIsConst.
func (t *DirectMatchTable) SetConstDefaultEntry(action ActionEntry) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.defaultIsConst {
		return DefaultEntryIsConst
	}
	action.NextNode = t.resolveNextNode(action.ActionFn.ID(), action.NextNode)
	t.defaultEntry = action
	t.hasDefault = true
	t.defaultIsConst = true
	if !t.missFrozen {
		t.missNode = action.NextNode
	}
	return Success
}

// GetDefaultEntry returns the currently installed default entry, if any.
func (t *DirectMatchTable) GetDefaultEntry() (ActionEntry, ErrCode) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.hasDefault {
		return ActionEntry{}, NoDefaultEntry
	}
	return t.defaultEntry, Success
}

// GetEntryFromKey resolves the handle bound to an installed key, without
// the matching semantics used by Apply (it is an exact lookup of an
// already-installed key).
func (t *DirectMatchTable) GetEntryFromKey(key MatchKey) (EntryHandle, ErrCode) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.unit.RetrieveHandle(key)
	if !ok {
		return 0, InvalidHandle
	}
	return h, Success
}

// GetEntry returns the key and value for a handle (DumpEntry's
// structured counterpart); counters are read with QueryCounters.
func (t *DirectMatchTable) GetEntry(h EntryHandle) (MatchKey, ActionEntry, ErrCode) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, errK := t.unit.GetKey(h)
	if !errK.OK() {
		return MatchKey{}, ActionEntry{}, errK
	}
	val, _, errV := t.unit.GetValue(h)
	if !errV.OK() {
		return MatchKey{}, ActionEntry{}, errV
	}
	return key, val, Success
}

// SetEntryTTL rewrites an entry's ageing timeout.
func (t *DirectMatchTable) SetEntryTTL(h EntryHandle, timeoutMS uint32) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ageingEnabled {
		return AgeingDisabled
	}
	return t.unit.SetEntryTTL(h, timeoutMS, nowMillis())
}

// SweepEntries returns the handles of every entry past its TTL, without
// deleting them: the sweep is advisory, and the caller issues any
// DeleteEntry calls itself.
func (t *DirectMatchTable) SweepEntries() []EntryHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.ageingEnabled {
		return nil
	}
	return t.unit.SweepEntries(nowMillis())
}

// ResetCounters zeroes every entry's counter.
func (t *DirectMatchTable) ResetCounters() ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.countersEnabled {
		return CountersDisabled
	}
	t.unit.ResetCounters()
	return Success
}

// ResetState clears every installed entry and the default entry.
func (t *DirectMatchTable) ResetState() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unit.ResetState()
	t.hasDefault = false
	t.defaultEntry = ActionEntry{}
}

// NumEntries returns the number of installed (non-default) entries.
func (t *DirectMatchTable) NumEntries() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unit.NumEntries()
}

// Handles returns every installed entry's handle.
func (t *DirectMatchTable) Handles() []EntryHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unit.Handles()
}

// DumpEntry renders a handle for control-plane inspection.
func (t *DirectMatchTable) DumpEntry(h EntryHandle) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unit.DumpEntry(h)
}

// DirectEntry is one row of GetEntries' snapshot.
type DirectEntry struct {
	Handle    EntryHandle
	Key       MatchKey
	Action    ActionEntry
	Bytes     int64
	Packets   int64
	TimeoutMS uint32
}

// GetEntries materializes every installed entry under a single read
// lock, so the snapshot is internally consistent.
func (t *DirectMatchTable) GetEntries() []DirectEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handles := t.unit.Handles()
	out := make([]DirectEntry, 0, len(handles))
	for _, h := range handles {
		key, _ := t.unit.GetKey(h)
		val, meta, _ := t.unit.GetValue(h)
		b, p := meta.Counter.Query()
		out = append(out, DirectEntry{Handle: h, Key: key, Action: val, Bytes: b, Packets: p, TimeoutMS: meta.TimeoutMS})
	}
	return out
}

// Apply runs apply_action for this table: lookup, meter, counters, and
// the resolved action's Execute, all under a single read-lock critical
// section (see MatchTableAbstract's doc comment for why). On a miss it
// runs the default entry if one is installed, else the table's miss
// node is used as the action's next node with a no-op action. The
// returned ControlFlowNode is the entry's NextNode on a hit, or the
// table's miss node on a miss.
func (t *DirectMatchTable) Apply(pkt pipeline.Packet, key MatchKey) pipeline.ControlFlowNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, action, meta, ok := t.unit.Lookup(key)
	if t.telemetry != nil {
		t.telemetry(ok)
	}
	if !ok {
		pkt.SetEntryIndex(InvalidEntryIndex)
		if t.hasDefault {
			action = t.defaultEntry
		} else {
			action = ActionEntry{ActionFn: noopActionFn{}}
		}
		action.ActionFn.Execute(pkt, action.ActionData)
		// A miss always routes to next_node_miss, which tracks the
		// default entry's node unless SetNextNodeMiss froze it.
		return t.missNode
	}

	pkt.SetEntryIndex(h.Index())
	t.runMeterAndCount(pkt, h.Index(), meta)
	action.ActionFn.Execute(pkt, action.ActionData)
	return action.NextNode
}
