package matchtable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchtable/switchcore/pkg/meter"
	"github.com/matchtable/switchcore/pkg/pipeline"
)

func newTestDirectTable(t *testing.T, kind FieldKind, size uint32) *DirectMatchTable {
	t.Helper()
	catalog := pipeline.NewCatalog()
	miss := pipeline.Node("miss")
	catalog.Register(miss)
	table := Create(Spec{
		TableType: TableDirect,
		FieldKind: kind,
		Name:      "t0",
		Size:      size,
		Catalog:   catalog,
		MissNode:  miss,
	}).(*DirectMatchTable)
	return table
}

func TestApplyHitExecutesActionAndCounts(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	a := &recordAction{id: 1, name: "a"}
	n1 := pipeline.Node("n1")

	h, ec := table.AddEntry(exactKey(0x0a), ActionEntry{ActionFn: a, ActionData: ActionData{1}, NextNode: n1}, 0)
	require.Equal(t, Success, ec)

	pkt := newTestPacket(64)
	next := table.Apply(pkt, exactKey(0x0a))

	assert.Equal(t, n1, next)
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, ActionData{1}, a.lastData)
	assert.Equal(t, h.Index(), pkt.entryIndex)

	bytes, packets, ec := table.QueryCounters(h)
	require.Equal(t, Success, ec)
	assert.Equal(t, int64(64), bytes)
	assert.Equal(t, int64(1), packets)
}

func TestApplyMissRunsDefault(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	d := &recordAction{id: 9, name: "d"}
	nd := pipeline.Node("nd")

	require.Equal(t, Success, table.SetDefaultEntry(ActionEntry{ActionFn: d, NextNode: nd}))

	pkt := newTestPacket(64)
	next := table.Apply(pkt, exactKey(0x0b))

	assert.Equal(t, nd, next)
	assert.Equal(t, 1, d.callCount())
	assert.Equal(t, InvalidEntryIndex, pkt.entryIndex)
}

func TestApplyMissNoDefaultReturnsMissNode(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	pkt := newTestPacket(64)
	next := table.Apply(pkt, exactKey(0x0b))
	require.NotNil(t, next)
	assert.Equal(t, "miss", next.Name())
	assert.Equal(t, InvalidEntryIndex, pkt.entryIndex)
}

func TestConstDefaultEntry(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	a := &recordAction{id: 1, name: "a"}
	b := &recordAction{id: 2, name: "b"}

	require.Equal(t, Success, table.SetConstDefaultEntry(ActionEntry{ActionFn: a}))
	assert.Equal(t, DefaultEntryIsConst, table.SetDefaultEntry(ActionEntry{ActionFn: b}))
	assert.Equal(t, DefaultEntryIsConst, table.SetConstDefaultEntry(ActionEntry{ActionFn: b}))

	entry, ec := table.GetDefaultEntry()
	require.Equal(t, Success, ec)
	assert.Equal(t, a, entry.ActionFn)
}

func TestConstDefaultActionFn(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	fn1 := &recordAction{id: 1, name: "fn1"}
	fn2 := &recordAction{id: 2, name: "fn2"}

	require.Equal(t, Success, table.SetConstDefaultActionFn(fn1))

	// The pinned action may still be re-installed with new data...
	assert.Equal(t, Success, table.SetDefaultEntry(ActionEntry{ActionFn: fn1, ActionData: ActionData{7}}))
	// ...but a different action is rejected, as is re-pinning.
	assert.Equal(t, DefaultActionIsConst, table.SetDefaultEntry(ActionEntry{ActionFn: fn2}))
	assert.Equal(t, DefaultActionIsConst, table.SetConstDefaultActionFn(fn2))
}

func TestGetDefaultEntryUnset(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	_, ec := table.GetDefaultEntry()
	assert.Equal(t, NoDefaultEntry, ec)
}

func TestNextNodeMissFreeze(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	d := &recordAction{id: 1, name: "d"}
	frozen := pipeline.Node("frozen")
	other := pipeline.Node("other")

	table.SetNextNodeMiss(frozen)
	table.SetNextNodeMissDefault(other)

	pkt := newTestPacket(10)
	assert.Equal(t, frozen, table.Apply(pkt, exactKey(1)))

	// A new default entry cannot move the miss node once it is frozen.
	require.Equal(t, Success, table.SetDefaultEntry(ActionEntry{ActionFn: d, NextNode: other}))
	assert.Equal(t, frozen, table.Apply(pkt, exactKey(1)))
}

func TestDefaultEntryMovesMissNode(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	d := &recordAction{id: 1, name: "d"}
	nd := pipeline.Node("nd")

	require.Equal(t, Success, table.SetDefaultEntry(ActionEntry{ActionFn: d, NextNode: nd}))
	pkt := newTestPacket(10)
	assert.Equal(t, nd, table.Apply(pkt, exactKey(1)))
}

func TestNextNodeHitOverride(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	a := &recordAction{id: 1, name: "a"}
	bound := pipeline.Node("bound")
	override := pipeline.Node("override")

	table.SetNextNodeHit(override)
	_, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: a, NextNode: bound}, 0)
	require.Equal(t, Success, ec)

	pkt := newTestPacket(10)
	assert.Equal(t, override, table.Apply(pkt, exactKey(1)))
}

func TestSetNextNodeBindsActionID(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	a := &recordAction{id: 7, name: "a"}
	bound := pipeline.Node("bound")

	table.SetNextNode(7, bound)
	// The entry's own NextNode is overridden by the action-id binding at
	// insertion time.
	_, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: a}, 0)
	require.Equal(t, Success, ec)

	pkt := newTestPacket(10)
	assert.Equal(t, bound, table.Apply(pkt, exactKey(1)))
}

func TestCountersDisabled(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	h, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: &recordAction{id: 1, name: "a"}}, 0)
	require.Equal(t, Success, ec)

	table.DisableCounters()
	_, _, ec = table.QueryCounters(h)
	assert.Equal(t, CountersDisabled, ec)
	assert.Equal(t, CountersDisabled, table.WriteCounters(h, 1, 1))
	assert.Equal(t, CountersDisabled, table.ResetCounters())
}

func TestWriteAndResetCounters(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	h, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: &recordAction{id: 1, name: "a"}}, 0)
	require.Equal(t, Success, ec)

	require.Equal(t, Success, table.WriteCounters(h, 1000, 5))
	bytes, packets, ec := table.QueryCounters(h)
	require.Equal(t, Success, ec)
	assert.Equal(t, int64(1000), bytes)
	assert.Equal(t, int64(5), packets)

	require.Equal(t, Success, table.ResetCounters())
	bytes, packets, _ = table.QueryCounters(h)
	assert.Zero(t, bytes)
	assert.Zero(t, packets)

	_, _, ec = table.QueryCounters(EntryHandle(0x05000001))
	assert.Equal(t, InvalidHandle, ec)
}

func TestMetersDisabledWithoutArray(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	h, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: &recordAction{id: 1, name: "a"}}, 0)
	require.Equal(t, Success, ec)

	_, ec = table.GetMeter(h)
	assert.Equal(t, MetersDisabled, ec)
	assert.Equal(t, MetersDisabled, table.SetMeterRates(h, nil))
	_, ec = table.GetMeterRates(h)
	assert.Equal(t, MetersDisabled, ec)
}

func TestDirectMeterColorsPacket(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	a := &recordAction{id: 1, name: "a"}

	meters := make([]meter.Meter, 16)
	for i := range meters {
		// One-byte committed bucket: the first 1-byte packet is green,
		// the second is red (no refill with a fixed packet clock).
		meters[i] = meter.NewTokenBucketMeter([]meter.RateConfig{{InfoRate: 0, BurstSize: 1}})
	}
	table.SetDirectMeters(meters)

	h, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: a}, 0)
	require.Equal(t, Success, ec)

	pkt := newTestPacket(1)
	table.Apply(pkt, exactKey(1))
	assert.Equal(t, uint64(meter.ColorGreen), pkt.phv.GetField("standard_metadata", 0))

	pkt2 := newTestPacket(1)
	table.Apply(pkt2, exactKey(1))
	assert.Equal(t, uint64(meter.ColorRed), pkt2.phv.GetField("standard_metadata", 0))

	// The color lands wherever the table's meter target points.
	table.SetMeterTargetField("ipv4", 3)
	pkt3 := newTestPacket(1)
	table.Apply(pkt3, exactKey(1))
	assert.Equal(t, uint64(meter.ColorRed), pkt3.phv.GetField("ipv4", 3))
	assert.Zero(t, pkt3.phv.GetField("standard_metadata", 0))

	m, ec := table.GetMeter(h)
	require.Equal(t, Success, ec)
	require.NotNil(t, m)

	require.Equal(t, Success, table.SetMeterRates(h, []meter.RateConfig{{InfoRate: 100, BurstSize: 10}}))
	rates, ec := table.GetMeterRates(h)
	require.Equal(t, Success, ec)
	require.Len(t, rates, 1)
	assert.Equal(t, int64(10), rates[0].BurstSize)
}

func TestAgeingDisabled(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	h, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: &recordAction{id: 1, name: "a"}}, 100)
	require.Equal(t, Success, ec)

	assert.Equal(t, AgeingDisabled, table.SetEntryTTL(h, 100))
	assert.Empty(t, table.SweepEntries())
}

func TestSweepThroughTable(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	table.EnableAgeing()

	// LastHit is zero until a hit or a TTL write touches it, so a 1ms
	// TTL entry is immediately expired relative to wall-clock now.
	h, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: &recordAction{id: 1, name: "a"}}, 1)
	require.Equal(t, Success, ec)

	expired := table.SweepEntries()
	require.Len(t, expired, 1)
	assert.Equal(t, h, expired[0])

	// Sweep is advisory: deletion is the caller's move.
	require.Equal(t, Success, table.DeleteEntry(h))
	assert.Empty(t, table.SweepEntries())
}

func TestGetEntriesSnapshot(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	a := &recordAction{id: 1, name: "a"}

	h1, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: a}, 0)
	require.Equal(t, Success, ec)
	_, ec = table.AddEntry(exactKey(2), ActionEntry{ActionFn: a}, 250)
	require.Equal(t, Success, ec)

	pkt := newTestPacket(10)
	table.Apply(pkt, exactKey(1))

	entries := table.GetEntries()
	require.Len(t, entries, 2)
	byHandle := map[EntryHandle]DirectEntry{}
	for _, e := range entries {
		byHandle[e.Handle] = e
	}
	assert.Equal(t, int64(10), byHandle[h1].Bytes)
	assert.Equal(t, int64(1), byHandle[h1].Packets)
	assert.Equal(t, a, byHandle[h1].Action.ActionFn)
}

func TestGetEntryFromKey(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	h, ec := table.AddEntry(exactKey(0x55), ActionEntry{ActionFn: &recordAction{id: 1, name: "a"}}, 0)
	require.Equal(t, Success, ec)

	got, ec := table.GetEntryFromKey(exactKey(0x55))
	require.Equal(t, Success, ec)
	assert.Equal(t, h, got)

	_, ec = table.GetEntryFromKey(exactKey(0x56))
	assert.Equal(t, InvalidHandle, ec)
}

func TestTelemetryHook(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 16)
	var mu sync.Mutex
	hits, misses := 0, 0
	table.SetTelemetry(func(hit bool) {
		mu.Lock()
		defer mu.Unlock()
		if hit {
			hits++
		} else {
			misses++
		}
	})

	_, ec := table.AddEntry(exactKey(1), ActionEntry{ActionFn: &recordAction{id: 1, name: "a"}}, 0)
	require.Equal(t, Success, ec)

	pkt := newTestPacket(10)
	table.Apply(pkt, exactKey(1))
	table.Apply(pkt, exactKey(2))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

// TestConcurrentApplyAndMutate exercises the read/write lock discipline:
// data-plane Apply calls race control-plane add/delete cycles. Run with
// -race; correctness here is "no panic, no deadlock, counters sane".
func TestConcurrentApplyAndMutate(t *testing.T) {
	table := newTestDirectTable(t, FieldExact, 64)
	a := &recordAction{id: 1, name: "a"}

	_, ec := table.AddEntry(exactKey(0xff), ActionEntry{ActionFn: a}, 0)
	require.Equal(t, Success, ec)

	const workers = 8
	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(workers * 2)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			pkt := newTestPacket(10)
			for i := 0; i < iterations; i++ {
				table.Apply(pkt, exactKey(0xff))
			}
		}()
		go func(seed byte) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				h, ec := table.AddEntry(exactKey(seed, byte(i)), ActionEntry{ActionFn: a}, 0)
				if ec == Success {
					table.DeleteEntry(h)
				}
			}
		}(byte(w))
	}
	wg.Wait()

	assert.Equal(t, 1, table.NumEntries())
}
