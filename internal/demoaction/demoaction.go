// Package demoaction provides a small, fixed set of ActionFn
// implementations so cmd/matchtabled has something concrete to bind
// table entries to. Action function execution is opaque to the tables,
// so this package stands in for whatever a real deployment's generated
// P4 actions would be: drop, forward out a port, and set a PHV field.
package demoaction

import (
	"encoding/binary"

	"github.com/matchtable/switchcore/pkg/matchtable"
	"github.com/matchtable/switchcore/pkg/pipeline"
)

type dropFn struct{}

func (dropFn) ID() int      { return 1 }
func (dropFn) Name() string { return "drop" }
func (dropFn) Execute(pkt pipeline.Packet, data matchtable.ActionData) {
	pkt.PHV().SetField("standard_metadata", 1, 1)
}

type forwardFn struct{}

func (forwardFn) ID() int      { return 2 }
func (forwardFn) Name() string { return "forward" }
func (forwardFn) Execute(pkt pipeline.Packet, data matchtable.ActionData) {
	if len(data) < 2 {
		return
	}
	port := binary.BigEndian.Uint16(data)
	pkt.PHV().SetField("standard_metadata", 2, uint64(port))
}

type setFieldFn struct{}

func (setFieldFn) ID() int      { return 3 }
func (setFieldFn) Name() string { return "set_field" }
func (setFieldFn) Execute(pkt pipeline.Packet, data matchtable.ActionData) {
	if len(data) < 8 {
		return
	}
	pkt.PHV().SetField("standard_metadata", 3, binary.BigEndian.Uint64(data))
}

// Catalog is the fixed drop/forward/set_field ActionCatalog, satisfying
// both matchtable.ActionCatalog (deserialize) and the control-plane
// API's lookup-by-name need.
type Catalog struct{}

var byName = map[string]matchtable.ActionFn{
	"drop":       dropFn{},
	"forward":    forwardFn{},
	"set_field":  setFieldFn{},
}

// ActionByName resolves one of the built-in actions.
func (Catalog) ActionByName(name string) (matchtable.ActionFn, bool) {
	fn, ok := byName[name]
	return fn, ok
}
