package matchtable

// IndexBits is the width of the entry-index portion of an EntryHandle.
// It is part of the external contract: externs that need per-entry
// storage index directly into it, so it must not change.
const IndexBits = 24

const indexMask = uint32(1)<<IndexBits - 1

// EntryHandle is a 32-bit opaque identifier: the low IndexBits bits are
// an entry index usable by direct externs (direct counters/meters), the
// high bits are a generation counter used to detect stale handles after
// an index has been freed and re-issued.
type EntryHandle uint32

// InvalidEntryIndex is stamped onto a packet's entry-index field on a
// miss, so externs reading the field can tell "no entry" from index 0.
const InvalidEntryIndex uint32 = indexMask

func newHandle(index uint32, generation uint8) EntryHandle {
	return EntryHandle(uint32(generation)<<IndexBits | (index & indexMask))
}

// Index returns the low IndexBits bits: the entry-index usable by direct
// externs.
func (h EntryHandle) Index() uint32 { return uint32(h) & indexMask }

// Generation returns the high bits: bumped every time this index is
// freed and re-issued, so a stale handle captured before a delete can be
// distinguished from the entry that now occupies the same index.
func (h EntryHandle) Generation() uint8 { return uint8(uint32(h) >> IndexBits) }

// handleAllocator hands out entry indices in [0, size) with a generation
// counter per index: a handle is valid iff the unit currently owns an
// entry at that handle's generation, and a freed index is only re-issued
// with its generation incremented.
type handleAllocator struct {
	size        uint32
	free        []uint32 // stack of free indices, most-recently-freed on top
	generation  []uint8  // current generation per index
	nextUnused  uint32   // indices >= nextUnused have never been allocated
	liveCount   int
}

func newHandleAllocator(size uint32) *handleAllocator {
	return &handleAllocator{
		size:       size,
		generation: make([]uint8, size),
	}
}

// alloc returns a fresh handle, or ok=false if the table is full.
func (a *handleAllocator) alloc() (EntryHandle, bool) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else if a.nextUnused < a.size {
		idx = a.nextUnused
		a.nextUnused++
	} else {
		return 0, false
	}
	a.liveCount++
	return newHandle(idx, a.generation[idx]), true
}

// release frees idx and bumps its generation so a stale handle captured
// before this call can never validate again.
func (a *handleAllocator) release(idx uint32) {
	a.generation[idx]++
	a.free = append(a.free, idx)
	a.liveCount--
}

// valid reports whether h's index is in range and its generation equals
// the index's current generation. Whether the index is currently
// allocated is not checked here; the match unit tracks that separately.
func (a *handleAllocator) valid(h EntryHandle) bool {
	idx := h.Index()
	if idx >= a.size {
		return false
	}
	return a.generation[idx] == h.Generation()
}

func (a *handleAllocator) numEntries() int { return a.liveCount }

func (a *handleAllocator) reset() {
	a.free = nil
	a.generation = make([]uint8, a.size)
	a.nextUnused = 0
	a.liveCount = 0
}
