package matchtable

import (
	"fmt"

	"github.com/matchtable/switchcore/pkg/pipeline"
)

// TableType selects which concrete table variant Create builds.
type TableType int

const (
	TableDirect TableType = iota
	TableIndirect
	TableIndirectWS
)

func (t TableType) String() string {
	switch t {
	case TableDirect:
		return "direct"
	case TableIndirect:
		return "indirect"
	case TableIndirectWS:
		return "indirect_ws"
	default:
		return "unknown"
	}
}

// Table is the common control-plane surface every concrete table variant
// satisfies, used by the control-plane API and checkpoint code to treat
// tables uniformly without caring whether their value type is an
// ActionEntry or an IndirectIndex (those operations go through the
// concrete type, via a further type assertion or type switch).
type Table interface {
	Apply(pkt pipeline.Packet, key MatchKey) pipeline.ControlFlowNode
	NumEntries() int
	Handles() []EntryHandle
	DumpEntry(h EntryHandle) string
	ResetCounters() ErrCode
	ResetState()
	// SweepEntries returns the handles of every entry whose TTL has
	// expired as of now. It never deletes; callers that want the
	// entries gone call DeleteEntry themselves.
	SweepEntries() []EntryHandle
	DeleteEntry(h EntryHandle) ErrCode
}

// Spec describes the table Create should build.
type Spec struct {
	TableType TableType
	FieldKind FieldKind
	Name      string
	Size      uint32
	Catalog   pipeline.Catalog
	MissNode  pipeline.ControlFlowNode

	// Profile is required for TableIndirect and TableIndirectWS, ignored
	// for TableDirect.
	Profile ActionProfile
}

// Create is the single entry point that builds a concrete match table
// from a Spec. It panics on an unrecognized TableType or FieldKind: an
// unknown match type in a generated switch configuration is a
// programming error, not a recoverable condition.
func Create(s Spec) Table {
	switch s.TableType {
	case TableDirect:
		return newDirectTable(s.FieldKind, s.Size, s.Name, s.Catalog, s.MissNode)
	case TableIndirect:
		if s.Profile == nil {
			panic(fmt.Sprintf("matchtable: Create(%s): indirect table %q requires a Profile", s.TableType, s.Name))
		}
		return newIndirectTable(s.FieldKind, s.Size, s.Name, s.Catalog, s.MissNode, s.Profile)
	case TableIndirectWS:
		if s.Profile == nil {
			panic(fmt.Sprintf("matchtable: Create(%s): indirect-ws table %q requires a Profile", s.TableType, s.Name))
		}
		return newIndirectWSTable(s.FieldKind, s.Size, s.Name, s.Catalog, s.MissNode, s.Profile)
	default:
		panic(fmt.Sprintf("matchtable: Create: unknown table type %d for table %q", s.TableType, s.Name))
	}
}
