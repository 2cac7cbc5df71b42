package matchtable

import (
	"math"

	"github.com/matchtable/switchcore/pkg/pipeline"
)

// IndirectMatchTable is a match table whose value is an
// IndirectIndex into a shared ActionProfile rather than a full
// ActionEntry. Member lifecycle (add/delete/modify) belongs to the
// profile; the table only binds keys to member handles and maintains
// their reference counts.
type IndirectMatchTable struct {
	MatchTableAbstract
	unit    *MatchUnit[IndirectIndex]
	profile ActionProfile

	defaultIndex   IndirectIndex
	hasDefault     bool
	defaultIsConst bool
}

func newIndirectTable(kind FieldKind, size uint32, name string, catalog pipeline.Catalog, missNode pipeline.ControlFlowNode, profile ActionProfile) *IndirectMatchTable {
	t := &IndirectMatchTable{
		MatchTableAbstract: newAbstractTable(name, catalog, missNode),
		unit:               NewMatchUnit[IndirectIndex](kind, size),
		profile:            profile,
	}
	t.metaSource = t.unit
	return t
}

// validateIndex rejects member/group handles the profile doesn't
// recognize, distinguishing InvalidMbrHandle from InvalidGrpHandle.
func (t *IndirectMatchTable) validateIndex(idx IndirectIndex) ErrCode {
	if idx.IsMember() {
		if !t.profile.IsValidMbr(idx.Mbr) {
			return InvalidMbrHandle
		}
		return Success
	}
	if !t.profile.IsValidGrp(idx.Grp) {
		return InvalidGrpHandle
	}
	return Success
}

// AddEntry installs key -> idx, bumping idx's reference count. The
// ref-count bump happens while this table holds its own write lock; the
// profile's own lock guards the counter against other tables sharing it.
func (t *IndirectMatchTable) AddEntry(key MatchKey, idx IndirectIndex, timeoutMS uint32) (EntryHandle, ErrCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addEntryLocked(key, idx, timeoutMS)
}

func (t *IndirectMatchTable) addEntryLocked(key MatchKey, idx IndirectIndex, timeoutMS uint32) (EntryHandle, ErrCode) {
	if ec := t.validateIndex(idx); !ec.OK() {
		return 0, ec
	}
	h, ec := t.unit.AddEntry(key, idx, timeoutMS)
	if !ec.OK() {
		return 0, ec
	}
	t.profile.RefCountIncrease(idx)
	return h, Success
}

// ModifyEntry rebinds an installed entry to a new index. The sequence is
// decrement the old index, validate the new one, increment it, then
// mutate the match unit, reverting the increment if the unit rejects:
// the old reference is released as soon as the entry is known, even if
// the new index turns out to be invalid.
func (t *IndirectMatchTable) ModifyEntry(h EntryHandle, idx IndirectIndex) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modifyEntryLocked(h, idx)
}

func (t *IndirectMatchTable) modifyEntryLocked(h EntryHandle, idx IndirectIndex) ErrCode {
	old, _, ec := t.unit.GetValue(h)
	if !ec.OK() {
		return ec
	}
	t.profile.RefCountDecrease(old)
	if ec := t.validateIndex(idx); !ec.OK() {
		return ec
	}
	t.profile.RefCountIncrease(idx)
	if ec := t.unit.ModifyEntry(h, idx); !ec.OK() {
		t.profile.RefCountDecrease(idx)
		return ec
	}
	return Success
}

// DeleteEntry removes an installed entry and releases its reference.
func (t *IndirectMatchTable) DeleteEntry(h EntryHandle) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, _, ec := t.unit.GetValue(h)
	if !ec.OK() {
		return ec
	}
	if ec := t.unit.DeleteEntry(h); !ec.OK() {
		return ec
	}
	t.profile.RefCountDecrease(old)
	return Success
}

// SetDefaultIndex installs the miss-path index, subject to the same
// const-once-frozen discipline as a direct table's default entry.
func (t *IndirectMatchTable) SetDefaultIndex(idx IndirectIndex) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setDefaultIndexLocked(idx)
}

func (t *IndirectMatchTable) setDefaultIndexLocked(idx IndirectIndex) ErrCode {
	if t.defaultIsConst {
		return DefaultEntryIsConst
	}
	if ec := t.validateIndex(idx); !ec.OK() {
		return ec
	}
	if t.hasDefault {
		t.profile.RefCountDecrease(t.defaultIndex)
	}
	t.profile.RefCountIncrease(idx)
	t.defaultIndex = idx
	t.hasDefault = true
	return Success
}

// SetConstDefaultIndex installs and permanently freezes the default
// index.
func (t *IndirectMatchTable) SetConstDefaultIndex(idx IndirectIndex) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ec := t.setDefaultIndexLocked(idx); !ec.OK() {
		return ec
	}
	t.defaultIsConst = true
	return Success
}

// GetEntryFromKey mirrors DirectMatchTable's.
func (t *IndirectMatchTable) GetEntryFromKey(key MatchKey) (EntryHandle, ErrCode) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.unit.RetrieveHandle(key)
	if !ok {
		return 0, InvalidHandle
	}
	return h, Success
}

// NumEntries, Handles, ResetCounters, ResetState, SweepEntries,
// SetEntryTTL mirror DirectMatchTable's, operating on the IndirectIndex
// unit instead.

func (t *IndirectMatchTable) NumEntries() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unit.NumEntries()
}

func (t *IndirectMatchTable) Handles() []EntryHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unit.Handles()
}

func (t *IndirectMatchTable) ResetCounters() ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.countersEnabled {
		return CountersDisabled
	}
	t.unit.ResetCounters()
	return Success
}

func (t *IndirectMatchTable) SetEntryTTL(h EntryHandle, timeoutMS uint32) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ageingEnabled {
		return AgeingDisabled
	}
	return t.unit.SetEntryTTL(h, timeoutMS, nowMillis())
}

// SweepEntries returns expired handles without deleting them (see
// DirectMatchTable.SweepEntries).
func (t *IndirectMatchTable) SweepEntries() []EntryHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.ageingEnabled {
		return nil
	}
	return t.unit.SweepEntries(nowMillis())
}

func (t *IndirectMatchTable) ResetState() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unit.ResetState()
	t.hasDefault = false
	t.defaultIndex = IndirectIndex{}
}

// IndirectEntry is one row of GetEntries' snapshot. Exactly one of Mbr
// and Grp names a live profile handle; the unused one is reported as its
// type's max value sentinel.
type IndirectEntry struct {
	Handle    EntryHandle
	Key       MatchKey
	Mbr       uint64
	Grp       uint64
	Bytes     int64
	Packets   int64
	TimeoutMS uint32
}

// GetEntries materializes every installed entry under a single read
// lock.
func (t *IndirectMatchTable) GetEntries() []IndirectEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handles := t.unit.Handles()
	out := make([]IndirectEntry, 0, len(handles))
	for _, h := range handles {
		key, _ := t.unit.GetKey(h)
		idx, meta, _ := t.unit.GetValue(h)
		b, p := meta.Counter.Query()
		e := IndirectEntry{Handle: h, Key: key, Mbr: math.MaxUint64, Grp: math.MaxUint64, Bytes: b, Packets: p, TimeoutMS: meta.TimeoutMS}
		if idx.IsMember() {
			e.Mbr = idx.Mbr
		} else {
			e.Grp = idx.Grp
		}
		out = append(out, e)
	}
	return out
}

// GetDefaultEntry returns the currently installed default index, if any.
func (t *IndirectMatchTable) GetDefaultEntry() (IndirectIndex, ErrCode) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.hasDefault {
		return IndirectIndex{}, NoDefaultEntry
	}
	return t.defaultIndex, Success
}

// DumpEntry renders a handle plus the profile member/group it resolves
// to, for control-plane inspection.
func (t *IndirectMatchTable) DumpEntry(h EntryHandle) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	base := t.unit.DumpEntry(h)
	idx, _, ec := t.unit.GetValue(h)
	if !ec.OK() {
		return base
	}
	return base + " -> " + t.profile.DumpEntry(idx)
}

// Apply runs the indirect apply_action: lookup resolves an IndirectIndex,
// which is then handed to the shared profile to resolve the actual
// ActionEntry to execute. On a miss, the default index is used if one is
// installed, else the package's shared no-op action runs and the table's
// configured miss node is returned. The returned ControlFlowNode follows the
// same hit/miss precedence as DirectMatchTable.Apply.
func (t *IndirectMatchTable) Apply(pkt pipeline.Packet, key MatchKey) pipeline.ControlFlowNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, idx, meta, ok := t.unit.Lookup(key)
	if t.telemetry != nil {
		t.telemetry(ok)
	}
	if !ok {
		pkt.SetEntryIndex(InvalidEntryIndex)
		if !t.hasDefault {
			noopActionFn{}.Execute(pkt, nil)
			return t.missNode
		}
		idx = t.defaultIndex
	} else {
		pkt.SetEntryIndex(h.Index())
		t.runMeterAndCount(pkt, h.Index(), meta)
	}

	action, err := t.profile.Lookup(pkt, idx)
	if err != nil {
		action = ActionEntry{ActionFn: noopActionFn{}}
	} else {
		// The next node is rebound on every hit: two tables sharing a
		// profile each impose their own next-node graph.
		action.NextNode = t.resolveNextNode(action.ActionFn.ID(), t.missNode)
	}
	action.ActionFn.Execute(pkt, action.ActionData)
	if !ok {
		return t.missNode
	}
	return action.NextNode
}
