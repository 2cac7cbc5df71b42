package matchtable

import (
	"sync/atomic"

	"github.com/matchtable/switchcore/pkg/pipeline"
)

// ActionFn is the opaque action function contract: the action-function
// executor and action-data representation live outside this module. An
// ActionFn is identified by ID (used to resolve the next node via the
// table's action->node map) and is invoked with the bound ActionData.
type ActionFn interface {
	ID() int
	Name() string
	Execute(pkt pipeline.Packet, data ActionData)
}

// ActionData is the opaque, possibly-shared argument bundle passed to an
// ActionFn. It is deliberately a thin alias over []byte: the runtime
// never interprets it, only stores and hands it back.
type ActionData []byte

// ActionEntry is the value type of a direct match table: an action
// function, its bound data, and the control-flow node to run next on a
// hit. NextNode is resolved at insertion time from the action's ID via
// the table's action->node map, or overridden globally by next_node_hit.
type ActionEntry struct {
	ActionFn   ActionFn
	ActionData ActionData
	NextNode   pipeline.ControlFlowNode
}

// noopActionFn is the shared do-nothing action run on a miss with no
// default installed; the table supplies its own miss node as the next
// node.
type noopActionFn struct{}

func (noopActionFn) ID() int                             { return -1 }
func (noopActionFn) Name() string                        { return "__empty__" }
func (noopActionFn) Execute(pipeline.Packet, ActionData) {}

// IndexKind distinguishes the two members of an IndirectIndex union.
type IndexKind int

const (
	IndexMember IndexKind = iota
	IndexGroup
)

// IndirectIndex is the value type of an indirect match table: a tagged
// union over a member handle or a group handle into a shared
// ActionProfile.
type IndirectIndex struct {
	Kind IndexKind
	Mbr  uint64
	Grp  uint64
}

func MakeMemberIndex(mbr uint64) IndirectIndex { return IndirectIndex{Kind: IndexMember, Mbr: mbr} }
func MakeGroupIndex(grp uint64) IndirectIndex  { return IndirectIndex{Kind: IndexGroup, Grp: grp} }

func (idx IndirectIndex) IsMember() bool { return idx.Kind == IndexMember }
func (idx IndirectIndex) IsGroup() bool  { return idx.Kind == IndexGroup }

// Counter tracks per-entry byte/packet counts. Both fields are mutated
// with atomics so that a data-plane hit (under the table's read lock)
// and a control-plane WriteCounters call (which also only takes the
// table's read lock) never form a data race. Write stores bytes and
// packets one after the other, so a hit landing between the two stores
// is kept in bytes and overwritten in packets.
type Counter struct {
	bytes   int64
	packets int64
}

// Add records one hit of the given byte length.
func (c *Counter) Add(nbytes int) {
	atomic.AddInt64(&c.bytes, int64(nbytes))
	atomic.AddInt64(&c.packets, 1)
}

// Query returns the current (bytes, packets) snapshot.
func (c *Counter) Query() (bytes, packets int64) {
	return atomic.LoadInt64(&c.bytes), atomic.LoadInt64(&c.packets)
}

// Write overwrites the counter (control-plane write_counters).
func (c *Counter) Write(bytes, packets int64) {
	atomic.StoreInt64(&c.bytes, bytes)
	atomic.StoreInt64(&c.packets, packets)
}

// Reset zeroes the counter (reset_counters).
func (c *Counter) Reset() { c.Write(0, 0) }

// EntryMeta is the per-entry metadata the match unit owns alongside the
// entry's value: its counter, its ageing TTL, and the timestamp of its
// last hit. TimeoutMS == 0 disables ageing for the entry.
// The entry's direct meter, when the table has one installed, lives in
// the table's meter array at the entry's handle index (the low 24 bits
// of the handle exist precisely so direct externs can do this).
type EntryMeta struct {
	Counter   Counter
	TimeoutMS uint32
	LastHitMS int64 // atomic-accessed; use meta.touch()/meta.lastHit()
}

func (m *EntryMeta) touch(nowMS int64) {
	atomic.StoreInt64(&m.LastHitMS, nowMS)
}

func (m *EntryMeta) lastHit() int64 {
	return atomic.LoadInt64(&m.LastHitMS)
}
