package matchtable

import "github.com/matchtable/switchcore/pkg/pipeline"

// ActionProfile is the contract for the shared member/group pool an
// indirect table points into. Profiles live outside this package, so the
// contract is the only thing matchtable knows about them;
// pkg/actionprofile provides the concrete implementation and depends on
// this package for the shared types (ActionFn, ActionEntry,
// IndirectIndex), not the other way around.
type ActionProfile interface {
	IsValidMbr(mbr uint64) bool
	IsValidGrp(grp uint64) bool
	GroupIsEmpty(grp uint64) bool
	RefCountIncrease(idx IndirectIndex)
	RefCountDecrease(idx IndirectIndex)
	Lookup(pkt pipeline.Packet, idx IndirectIndex) (ActionEntry, error)
	DumpEntry(idx IndirectIndex) string
}
