// Package pipeline defines the collaborator contracts the match-table
// runtime depends on but does not implement: the packet/PHV
// representation and the control-flow graph. Both are named-handle,
// opaque collaborators; this package gives them the minimal interface
// the tables need to compile, lock correctly, and be testable.
package pipeline

import "time"

// ControlFlowNode is an opaque pipeline-graph node selected by a table
// after action execution. The only operation the core needs is its
// name, for serialization.
type ControlFlowNode interface {
	Name() string
}

// Catalog resolves ControlFlowNodes by name, the object-catalog lookup
// deserialization needs to rebind persisted node names.
type Catalog interface {
	ControlNode(name string) (ControlFlowNode, bool)
}

// PHV is the packet header vector: the packet's mutable header and
// metadata container. SetField is used by the direct-meter facade to
// write the meter color into the configured field.
type PHV interface {
	SetField(header string, offset int, value uint64)
	GetField(header string, offset int) uint64
}

// Packet is the per-packet context a table operates on. Real
// implementations carry the parsed headers; this interface exposes only
// what the match-table runtime touches.
type Packet interface {
	PHV() PHV
	PacketID() uint64
	CopyID() uint64
	Len() int
	SetEntryIndex(i uint32)
	Now() time.Time
}

// namedNode is the trivial ControlFlowNode used by tests and the demo
// binary: a node identified purely by name, with no further pipeline
// behavior attached.
type namedNode string

func (n namedNode) Name() string { return string(n) }

// Node constructs a ControlFlowNode with the given name. It exists so
// callers outside this package (tests, internal/runtime) don't need a
// concrete pipeline implementation just to build a next-node reference.
func Node(name string) ControlFlowNode { return namedNode(name) }

// NullNodeName is the serialization sentinel for "no next node configured".
const NullNodeName = "__NULL__"

// NewCatalog builds an empty Catalog, sufficient for tests and the demo
// binary, that resolves nodes registered with Register.
func NewCatalog() *mapCatalogMutable {
	return &mapCatalogMutable{nodes: map[string]ControlFlowNode{}}
}

type mapCatalogMutable struct {
	nodes map[string]ControlFlowNode
}

func (c *mapCatalogMutable) Register(node ControlFlowNode) {
	c.nodes[node.Name()] = node
}

func (c *mapCatalogMutable) ControlNode(name string) (ControlFlowNode, bool) {
	n, ok := c.nodes[name]
	return n, ok
}
