package matchtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLPMLongestPrefixWins(t *testing.T) {
	unit := NewMatchUnit[ActionEntry](FieldLPM, 16)
	a := &recordAction{id: 1, name: "a"}
	b := &recordAction{id: 2, name: "b"}

	// 10.0.0.0/8 -> a, 10.1.0.0/16 -> b
	_, ec := unit.AddEntry(lpmKey([]byte{10, 0, 0, 0}, 8), ActionEntry{ActionFn: a}, 0)
	require.Equal(t, Success, ec)
	_, ec = unit.AddEntry(lpmKey([]byte{10, 1, 0, 0}, 16), ActionEntry{ActionFn: b}, 0)
	require.Equal(t, Success, ec)

	_, val, _, ok := unit.Lookup(lpmProbe([]byte{10, 1, 2, 3}))
	require.True(t, ok)
	assert.Equal(t, b, val.ActionFn)

	_, val, _, ok = unit.Lookup(lpmProbe([]byte{10, 2, 0, 1}))
	require.True(t, ok)
	assert.Equal(t, a, val.ActionFn)

	_, _, _, ok = unit.Lookup(lpmProbe([]byte{11, 0, 0, 1}))
	assert.False(t, ok)
}

func TestLPMZeroLengthPrefixIsCatchAll(t *testing.T) {
	unit := NewMatchUnit[ActionEntry](FieldLPM, 16)
	def := &recordAction{id: 1, name: "default"}
	_, ec := unit.AddEntry(lpmKey([]byte{0, 0, 0, 0}, 0), ActionEntry{ActionFn: def}, 0)
	require.Equal(t, Success, ec)

	_, val, _, ok := unit.Lookup(lpmProbe([]byte{192, 168, 0, 1}))
	require.True(t, ok)
	assert.Equal(t, def, val.ActionFn)
}

func TestLPMDuplicatePrefixRejected(t *testing.T) {
	unit := NewMatchUnit[ActionEntry](FieldLPM, 16)
	_, ec := unit.AddEntry(lpmKey([]byte{10, 0, 0, 0}, 8), ActionEntry{}, 0)
	require.Equal(t, Success, ec)
	_, ec = unit.AddEntry(lpmKey([]byte{10, 0, 0, 0}, 8), ActionEntry{}, 0)
	assert.Equal(t, DuplicateEntry, ec)
}

func TestLPMDeleteFallsBackToShorterPrefix(t *testing.T) {
	unit := NewMatchUnit[ActionEntry](FieldLPM, 16)
	a := &recordAction{id: 1, name: "a"}
	b := &recordAction{id: 2, name: "b"}

	_, ec := unit.AddEntry(lpmKey([]byte{10, 0, 0, 0}, 8), ActionEntry{ActionFn: a}, 0)
	require.Equal(t, Success, ec)
	hb, ec := unit.AddEntry(lpmKey([]byte{10, 1, 0, 0}, 16), ActionEntry{ActionFn: b}, 0)
	require.Equal(t, Success, ec)

	require.Equal(t, Success, unit.DeleteEntry(hb))
	_, val, _, ok := unit.Lookup(lpmProbe([]byte{10, 1, 2, 3}))
	require.True(t, ok)
	assert.Equal(t, a, val.ActionFn)
}

func TestTernaryHighestPriorityWins(t *testing.T) {
	unit := NewMatchUnit[ActionEntry](FieldTernary, 16)
	a := &recordAction{id: 1, name: "a"}
	b := &recordAction{id: 2, name: "b"}

	_, ec := unit.AddEntry(ternaryKey([]byte{0x10, 0x00}, []byte{0xf0, 0x00}, 10), ActionEntry{ActionFn: a}, 0)
	require.Equal(t, Success, ec)
	_, ec = unit.AddEntry(ternaryKey([]byte{0x12, 0x00}, []byte{0xff, 0x00}, 20), ActionEntry{ActionFn: b}, 0)
	require.Equal(t, Success, ec)

	// 0x1234 matches both masks; the higher-priority entry wins.
	_, val, _, ok := unit.Lookup(ternaryProbe([]byte{0x12, 0x34}))
	require.True(t, ok)
	assert.Equal(t, b, val.ActionFn)

	// 0x1334 only matches the wider mask.
	_, val, _, ok = unit.Lookup(ternaryProbe([]byte{0x13, 0x34}))
	require.True(t, ok)
	assert.Equal(t, a, val.ActionFn)
}

func TestTernaryEqualPriorityInsertionOrderWins(t *testing.T) {
	unit := NewMatchUnit[ActionEntry](FieldTernary, 16)
	first := &recordAction{id: 1, name: "first"}
	second := &recordAction{id: 2, name: "second"}

	// Same priority, overlapping masks: the tie-break is deterministic
	// insertion order, earliest wins.
	_, ec := unit.AddEntry(ternaryKey([]byte{0x10}, []byte{0xf0}, 5), ActionEntry{ActionFn: first}, 0)
	require.Equal(t, Success, ec)
	_, ec = unit.AddEntry(ternaryKey([]byte{0x12}, []byte{0xff}, 5), ActionEntry{ActionFn: second}, 0)
	require.Equal(t, Success, ec)

	_, val, _, ok := unit.Lookup(ternaryProbe([]byte{0x12}))
	require.True(t, ok)
	assert.Equal(t, first, val.ActionFn)
}

func TestTernaryExactOverlapRejected(t *testing.T) {
	unit := NewMatchUnit[ActionEntry](FieldTernary, 16)
	_, ec := unit.AddEntry(ternaryKey([]byte{0x10}, []byte{0xf0}, 5), ActionEntry{}, 0)
	require.Equal(t, Success, ec)

	// Only an identical (key, mask, priority) triple collides; a
	// different priority or mask is a distinct entry.
	_, ec = unit.AddEntry(ternaryKey([]byte{0x10}, []byte{0xf0}, 5), ActionEntry{}, 0)
	assert.Equal(t, DuplicateEntry, ec)
	_, ec = unit.AddEntry(ternaryKey([]byte{0x10}, []byte{0xf0}, 7), ActionEntry{}, 0)
	assert.Equal(t, Success, ec)
	_, ec = unit.AddEntry(ternaryKey([]byte{0x10}, []byte{0xff}, 5), ActionEntry{}, 0)
	assert.Equal(t, Success, ec)
}

func TestRangeContainment(t *testing.T) {
	unit := NewMatchUnit[ActionEntry](FieldRange, 16)
	low := &recordAction{id: 1, name: "low"}
	high := &recordAction{id: 2, name: "high"}

	_, ec := unit.AddEntry(rangeKey([]byte{0x00}, []byte{0x7f}, 1), ActionEntry{ActionFn: low}, 0)
	require.Equal(t, Success, ec)
	_, ec = unit.AddEntry(rangeKey([]byte{0x40}, []byte{0xff}, 2), ActionEntry{ActionFn: high}, 0)
	require.Equal(t, Success, ec)

	// 0x20 only falls in the low range.
	_, val, _, ok := unit.Lookup(rangeProbe([]byte{0x20}))
	require.True(t, ok)
	assert.Equal(t, low, val.ActionFn)

	// 0x50 falls in both; the higher-priority range wins.
	_, val, _, ok = unit.Lookup(rangeProbe([]byte{0x50}))
	require.True(t, ok)
	assert.Equal(t, high, val.ActionFn)

	// Bounds are inclusive.
	_, val, _, ok = unit.Lookup(rangeProbe([]byte{0x7f}))
	require.True(t, ok)
	assert.Equal(t, high, val.ActionFn)

	_, _, _, ok = unit.Lookup(rangeProbe([]byte{0x00}))
	assert.True(t, ok)
}

func TestRangeExactOverlapRejected(t *testing.T) {
	unit := NewMatchUnit[ActionEntry](FieldRange, 16)
	_, ec := unit.AddEntry(rangeKey([]byte{0x00}, []byte{0x10}, 1), ActionEntry{}, 0)
	require.Equal(t, Success, ec)
	_, ec = unit.AddEntry(rangeKey([]byte{0x00}, []byte{0x10}, 1), ActionEntry{}, 0)
	assert.Equal(t, DuplicateEntry, ec)
	_, ec = unit.AddEntry(rangeKey([]byte{0x00}, []byte{0x10}, 3), ActionEntry{}, 0)
	assert.Equal(t, Success, ec)
	_, ec = unit.AddEntry(rangeKey([]byte{0x00}, []byte{0x11}, 1), ActionEntry{}, 0)
	assert.Equal(t, Success, ec)
}
