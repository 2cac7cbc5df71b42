package matchtable

import (
	"github.com/matchtable/switchcore/pkg/pipeline"
)

// IndirectWSMatchTable is an indirect table whose default path (and
// whose entries, since an IndirectIndex may itself name a group) may
// select among several members of a group. It differs from
// IndirectMatchTable only in the extra checks it runs before letting a
// group handle reach the match unit: a newly created, still-empty group
// must be rejected with EmptyGrp rather than installed and left to fail
// unpredictably at lookup time.
type IndirectWSMatchTable struct {
	*IndirectMatchTable
}

func newIndirectWSTable(kind FieldKind, size uint32, name string, catalog pipeline.Catalog, missNode pipeline.ControlFlowNode, profile ActionProfile) *IndirectWSMatchTable {
	return &IndirectWSMatchTable{IndirectMatchTable: newIndirectTable(kind, size, name, catalog, missNode, profile)}
}

// groupChecks rejects a group index that is unknown to the profile or
// whose selection set is currently empty: a table with selection must
// refuse to bind a key (or the default path) to a group with zero
// members. Member indices pass through untouched and are validated by
// the underlying indirect-table sequence.
func (t *IndirectWSMatchTable) groupChecks(idx IndirectIndex) ErrCode {
	if !idx.IsGroup() {
		return Success
	}
	if !t.profile.IsValidGrp(idx.Grp) {
		return InvalidGrpHandle
	}
	if t.profile.GroupIsEmpty(idx.Grp) {
		return EmptyGrp
	}
	return Success
}

// AddEntry installs key -> idx, additionally refusing empty groups. The
// write lock is held across the check and the mutation, so a concurrent
// group change cannot invalidate the check before the entry lands.
func (t *IndirectWSMatchTable) AddEntry(key MatchKey, idx IndirectIndex, timeoutMS uint32) (EntryHandle, ErrCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ec := t.groupChecks(idx); !ec.OK() {
		return 0, ec
	}
	return t.addEntryLocked(key, idx, timeoutMS)
}

// ModifyEntry rebinds an installed entry, refusing empty groups under
// the same single write-lock critical section.
func (t *IndirectWSMatchTable) ModifyEntry(h EntryHandle, idx IndirectIndex) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ec := t.groupChecks(idx); !ec.OK() {
		return ec
	}
	return t.modifyEntryLocked(h, idx)
}

// SetDefaultIndex installs the miss-path index, refusing empty groups.
func (t *IndirectWSMatchTable) SetDefaultIndex(idx IndirectIndex) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ec := t.groupChecks(idx); !ec.OK() {
		return ec
	}
	return t.setDefaultIndexLocked(idx)
}

// SetConstDefaultIndex installs and freezes the default index, refusing
// empty groups.
func (t *IndirectWSMatchTable) SetConstDefaultIndex(idx IndirectIndex) ErrCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ec := t.groupChecks(idx); !ec.OK() {
		return ec
	}
	if ec := t.setDefaultIndexLocked(idx); !ec.OK() {
		return ec
	}
	t.defaultIsConst = true
	return Success
}
