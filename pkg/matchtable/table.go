package matchtable

import (
	"sync"
	"time"

	"github.com/matchtable/switchcore/pkg/meter"
	"github.com/matchtable/switchcore/pkg/pipeline"
)

// MatchTableAbstract is the shared control surface every concrete table
// variant (direct, indirect, indirect-with-selection) embeds. It owns
// the table-wide RWMutex, the next-node graph, the direct-meter array,
// and ageing/counter toggles; concrete variants supply the value type
// and the hit/miss action resolution.
//
// In Apply, the read lock is acquired once and held across the entire
// operation (lookup, meter execution, counter update, and action
// execution) so that pointers into the match unit remain valid for the
// whole call. All control-plane mutators take the write lock.
type MatchTableAbstract struct {
	mu sync.RWMutex

	name string

	// nextNodes maps an action id to the ControlFlowNode to run after
	// that action executes. Indirect tables also use this, keyed by the
	// action id of whichever member a lookup resolves to.
	nextNodes map[int]pipeline.ControlFlowNode
	missNode  pipeline.ControlFlowNode

	// nextNodeHitOverride, when set, overrides every entry's resolved
	// next node on a hit (set_next_node_hit).
	nextNodeHitOverride pipeline.ControlFlowNode
	hitOverrideSet      bool

	// missFrozen is set once SetNextNodeMiss has been called explicitly;
	// from then on neither SetNextNodeMissDefault nor a default-entry
	// change may move the miss node.
	missFrozen bool

	countersEnabled bool
	metersEnabled   bool
	ageingEnabled   bool

	meters []meter.Meter

	// meterTargetHeader/meterTargetOffset name the PHV field the direct
	// meter's color is written to on a hit.
	meterTargetHeader string
	meterTargetOffset int

	// telemetry, when non-nil, is invoked with each Apply's hit verdict,
	// under the read lock. The runtime binds it to its Prometheus
	// counters; tests bind recorders.
	telemetry func(hit bool)

	// metaSource is the concrete variant's match unit, seen only through
	// its per-entry metadata accessor so the counter/meter/ageing facades
	// can live here instead of being duplicated per value type.
	metaSource entryMetaSource

	catalog pipeline.Catalog
}

// entryMetaSource is the slice of the match unit the abstract table's
// facades need: metadata by handle, value type erased.
type entryMetaSource interface {
	GetEntryMeta(h EntryHandle) (*EntryMeta, ErrCode)
}

func newAbstractTable(name string, catalog pipeline.Catalog, missNode pipeline.ControlFlowNode) MatchTableAbstract {
	return MatchTableAbstract{
		name:              name,
		nextNodes:         make(map[int]pipeline.ControlFlowNode),
		missNode:          missNode,
		countersEnabled:   true,
		metersEnabled:     true,
		ageingEnabled:     false,
		meterTargetHeader: "standard_metadata",
		meterTargetOffset: 0,
		catalog:           catalog,
	}
}

// SetNextNode binds the ControlFlowNode to run after actionID executes on
// a hit.
func (t *MatchTableAbstract) SetNextNode(actionID int, node pipeline.ControlFlowNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextNodes[actionID] = node
}

// SetNextNodeHit overrides the hit path's next node for every entry,
// regardless of its own action's binding.
func (t *MatchTableAbstract) SetNextNodeHit(node pipeline.ControlFlowNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextNodeHitOverride = node
	t.hitOverrideSet = true
}

// SetNextNodeMiss explicitly rebinds the node returned on a miss, and
// freezes it: once called, neither SetNextNodeMissDefault nor a
// default-entry change can move the miss node again.
func (t *MatchTableAbstract) SetNextNodeMiss(node pipeline.ControlFlowNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missNode = node
	t.missFrozen = true
}

// SetNextNodeMissDefault rebinds the fallback miss node used when no
// explicit SetNextNodeMiss has been installed. A no-op once the miss
// node has been frozen.
func (t *MatchTableAbstract) SetNextNodeMissDefault(node pipeline.ControlFlowNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.missFrozen {
		return
	}
	t.missNode = node
}

// SetTelemetry installs the hit/miss observer Apply invokes. It takes
// the table's write lock, so a swap waits for in-flight Apply calls to
// finish.
func (t *MatchTableAbstract) SetTelemetry(fn func(hit bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.telemetry = fn
}

// EnableCounters/DisableCounters toggle whether lookups update per-entry
// byte/packet counters.
func (t *MatchTableAbstract) EnableCounters()  { t.mu.Lock(); t.countersEnabled = true; t.mu.Unlock() }
func (t *MatchTableAbstract) DisableCounters() { t.mu.Lock(); t.countersEnabled = false; t.mu.Unlock() }

func (t *MatchTableAbstract) EnableMeters()  { t.mu.Lock(); t.metersEnabled = true; t.mu.Unlock() }
func (t *MatchTableAbstract) DisableMeters() { t.mu.Lock(); t.metersEnabled = false; t.mu.Unlock() }

func (t *MatchTableAbstract) EnableAgeing()  { t.mu.Lock(); t.ageingEnabled = true; t.mu.Unlock() }
func (t *MatchTableAbstract) DisableAgeing() { t.mu.Lock(); t.ageingEnabled = false; t.mu.Unlock() }

// SetDirectMeters installs the per-entry meter array, indexed by entry
// handle index, sized to the table.
func (t *MatchTableAbstract) SetDirectMeters(meters []meter.Meter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meters = meters
}

// SetMeterTargetField rebinds the PHV field the direct-meter color is
// written to.
func (t *MatchTableAbstract) SetMeterTargetField(header string, offset int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meterTargetHeader = header
	t.meterTargetOffset = offset
}

// QueryCounters returns the (bytes, packets) pair of an installed entry.
func (t *MatchTableAbstract) QueryCounters(h EntryHandle) (bytes, packets int64, ec ErrCode) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.countersEnabled {
		return 0, 0, CountersDisabled
	}
	meta, ec := t.metaSource.GetEntryMeta(h)
	if !ec.OK() {
		return 0, 0, ec
	}
	bytes, packets = meta.Counter.Query()
	return bytes, packets, Success
}

// WriteCounters overwrites an entry's counter. This takes the table's
// read lock, like QueryCounters: the counter fields themselves are
// atomic, so a concurrent data-plane hit can interleave with the write
// without a data race (see Counter for how such a hit is recorded), and
// the write never serializes against in-flight Apply calls.
func (t *MatchTableAbstract) WriteCounters(h EntryHandle, bytes, packets int64) ErrCode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.countersEnabled {
		return CountersDisabled
	}
	meta, ec := t.metaSource.GetEntryMeta(h)
	if !ec.OK() {
		return ec
	}
	meta.Counter.Write(bytes, packets)
	return Success
}

// GetMeter returns the direct meter bound to an installed entry. The
// meter array is indexed by the handle's entry index, the per-entry
// storage scheme the low handle bits exist for.
func (t *MatchTableAbstract) GetMeter(h EntryHandle) (meter.Meter, ErrCode) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.metersEnabled || t.meters == nil {
		return nil, MetersDisabled
	}
	if _, ec := t.metaSource.GetEntryMeta(h); !ec.OK() {
		return nil, ec
	}
	idx := int(h.Index())
	if idx >= len(t.meters) {
		return nil, MetersDisabled
	}
	return t.meters[idx], Success
}

// SetMeterRates reconfigures an entry's direct meter.
func (t *MatchTableAbstract) SetMeterRates(h EntryHandle, rates []meter.RateConfig) ErrCode {
	m, ec := t.GetMeter(h)
	if !ec.OK() {
		return ec
	}
	if m.SetRates(rates) != meter.MeterSuccess {
		return Err
	}
	return Success
}

// GetMeterRates reads back an entry's direct-meter configuration.
func (t *MatchTableAbstract) GetMeterRates(h EntryHandle) ([]meter.RateConfig, ErrCode) {
	m, ec := t.GetMeter(h)
	if !ec.OK() {
		return nil, ec
	}
	return m.GetRates(), Success
}

// resolveNextNode applies the hit-override-then-action-binding precedence
// used by both direct and indirect apply paths.
func (t *MatchTableAbstract) resolveNextNode(actionID int, fallback pipeline.ControlFlowNode) pipeline.ControlFlowNode {
	if t.hitOverrideSet {
		return t.nextNodeHitOverride
	}
	if node, ok := t.nextNodes[actionID]; ok {
		return node
	}
	return fallback
}

// runMeterAndCount executes the entry's direct meter (if any and if
// enabled), writes the resulting color into the table's configured
// meter-target PHV field, and updates the entry's counter (if enabled).
// Called with the read lock held; the meter runs before the counter, and
// both run before the action function.
func (t *MatchTableAbstract) runMeterAndCount(pkt pipeline.Packet, idx uint32, meta *EntryMeta) {
	if t.metersEnabled && int(idx) < len(t.meters) {
		color := t.meters[idx].Execute(pkt)
		pkt.PHV().SetField(t.meterTargetHeader, t.meterTargetOffset, uint64(color))
	}
	if t.countersEnabled {
		meta.Counter.Add(pkt.Len())
	}
	if t.ageingEnabled {
		meta.touch(nowMS(pkt))
	}
}

func nowMS(pkt pipeline.Packet) int64 {
	t := pkt.Now()
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

// nowMillis is the wall-clock equivalent of nowMS for control-plane
// callers that have no packet to read a timestamp from (SetEntryTTL,
// SweepEntries).
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
