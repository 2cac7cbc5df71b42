package matchtable

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// lookupEntry is what a lookupStructure stores per installed key: the key
// itself (for re-matching on collision/overlap) plus the owning index
// into the match unit's entry table, and the insertion sequence used to
// break priority ties deterministically.
type lookupEntry struct {
	key      MatchKey
	index    uint32
	sequence uint64
}

// lookupStructure is the pluggable index a match unit delegates matching
// to. It owns no entry values, only the key -> index mapping.
type lookupStructure interface {
	insert(key MatchKey, index uint32, seq uint64) bool
	remove(key MatchKey, index uint32)
	find(probe MatchKey) (uint32, bool)
	// findConflict reports the index of an already-installed entry that
	// would collide with key (exact duplicate for Exact/LPM, identical
	// key+mask/bounds and priority for Ternary/Range), used by add_entry's duplicate
	// check.
	findConflict(key MatchKey) (uint32, bool)
	clear()
	count() int
}

// newLookupStructure picks the concrete structure for a FieldKind.
// Match units are homogeneous: every installed key shares the same
// per-field Kind vector, so one structure serves the whole unit.
func newLookupStructure(kind FieldKind) lookupStructure {
	switch kind {
	case FieldExact:
		return newExactLookup()
	case FieldLPM:
		return newLPMLookup()
	case FieldTernary, FieldRange:
		return newLinearLookup(kind)
	default:
		panic("matchtable: unknown field kind in newLookupStructure")
	}
}

// ---- exact: xxhash-bucketed hash table -----------------------------------

// exactLookup hashes the concatenated field bytes with xxhash and keeps a
// bucket of full entries per hash, resolving collisions by byte compare.
type exactLookup struct {
	buckets map[uint64][]*lookupEntry
}

func newExactLookup() *exactLookup {
	return &exactLookup{buckets: make(map[uint64][]*lookupEntry)}
}

func hashParams(params []MatchKeyParam) uint64 {
	h := xxhash.New()
	for _, p := range params {
		h.Write(p.Value)
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func (l *exactLookup) insert(key MatchKey, index uint32, seq uint64) bool {
	if _, ok := l.findConflict(key); ok {
		return false
	}
	h := hashParams(key.Params)
	l.buckets[h] = append(l.buckets[h], &lookupEntry{key: key, index: index, sequence: seq})
	return true
}

func (l *exactLookup) remove(key MatchKey, index uint32) {
	h := hashParams(key.Params)
	bucket := l.buckets[h]
	for i, e := range bucket {
		if e.index == index {
			l.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (l *exactLookup) find(probe MatchKey) (uint32, bool) {
	h := hashParams(probe.Params)
	for _, e := range l.buckets[h] {
		if exactEqual(e.key.Params, probe.Params) {
			return e.index, true
		}
	}
	return 0, false
}

func (l *exactLookup) findConflict(key MatchKey) (uint32, bool) {
	return l.find(key)
}

func (l *exactLookup) clear() { l.buckets = make(map[uint64][]*lookupEntry) }

func (l *exactLookup) count() int {
	n := 0
	for _, b := range l.buckets {
		n += len(b)
	}
	return n
}

// ---- LPM: binary trie -----------------------------------------------------

// lpmTrieNode is one node of a bitwise binary trie keyed on the
// concatenation of a key's LPM field bytes, in the shape of
// github.com/gaissmai/bart's ART design (consulted for grounding, not
// imported: bart's API is built around net/netip prefixes, which does not
// fit an opaque multi-field MatchKeyParam). Non-LPM qualifier fields are
// stored alongside the entry and re-checked on every candidate match.
type lpmTrieNode struct {
	children [2]*lpmTrieNode
	entries  []*lookupEntry // entries whose LPM prefix ends exactly at this node's depth
}

type lpmLookup struct {
	root *lpmTrieNode
	n    int
}

func newLPMLookup() *lpmLookup {
	return &lpmLookup{root: &lpmTrieNode{}}
}

func bitAt(b []byte, bit int) int {
	byteIdx := bit / 8
	if byteIdx >= len(b) {
		return 0
	}
	return int((b[byteIdx] >> (7 - uint(bit%8))) & 1)
}

// lpmField returns the single FieldLPM param of key; match units built
// with FieldLPM have exactly one such field by construction. Qualifying
// exact fields may sit alongside it, re-checked per candidate but not
// part of the trie path.
func lpmField(params []MatchKeyParam) (MatchKeyParam, int) {
	for i, p := range params {
		if p.Kind == FieldLPM {
			return p, i
		}
	}
	return MatchKeyParam{}, -1
}

func (l *lpmLookup) insert(key MatchKey, index uint32, seq uint64) bool {
	if _, ok := l.findConflict(key); ok {
		return false
	}
	field, _ := lpmField(key.Params)
	node := l.root
	for bit := 0; bit < field.PrefixLen; bit++ {
		b := bitAt(field.Value, bit)
		if node.children[b] == nil {
			node.children[b] = &lpmTrieNode{}
		}
		node = node.children[b]
	}
	node.entries = append(node.entries, &lookupEntry{key: key, index: index, sequence: seq})
	l.n++
	return true
}

func (l *lpmLookup) remove(key MatchKey, index uint32) {
	field, _ := lpmField(key.Params)
	node := l.root
	for bit := 0; bit < field.PrefixLen; bit++ {
		b := bitAt(field.Value, bit)
		if node.children[b] == nil {
			return
		}
		node = node.children[b]
	}
	for i, e := range node.entries {
		if e.index == index {
			node.entries = append(node.entries[:i], node.entries[i+1:]...)
			l.n--
			return
		}
	}
}

// find walks the trie along the probe's bits, remembering the deepest
// (therefore longest-prefix) node with at least one fully qualifying
// entry: longest prefix wins, with ties broken by the non-LPM qualifier
// check and then by lowest insertion sequence.
func (l *lpmLookup) find(probe MatchKey) (uint32, bool) {
	field, fieldIdx := lpmField(probe.Params)
	if fieldIdx < 0 {
		return 0, false
	}
	node := l.root
	var best *lookupEntry
	bestLen := -1
	checkNode := func(n *lpmTrieNode, depth int) {
		for _, e := range n.entries {
			if !lpmMatches(e.key.Params, probe.Params) {
				continue
			}
			total := lpmTotalPrefixLen(e.key.Params)
			if total > bestLen || (total == bestLen && best != nil && e.sequence < best.sequence) {
				best = e
				bestLen = total
			}
		}
	}
	checkNode(node, 0)
	maxBits := len(field.Value) * 8
	for bit := 0; bit < maxBits; bit++ {
		b := bitAt(field.Value, bit)
		if node.children[b] == nil {
			break
		}
		node = node.children[b]
		checkNode(node, bit+1)
	}
	if best == nil {
		return 0, false
	}
	return best.index, true
}

func (l *lpmLookup) findConflict(key MatchKey) (uint32, bool) {
	field, _ := lpmField(key.Params)
	node := l.root
	for bit := 0; bit < field.PrefixLen; bit++ {
		b := bitAt(field.Value, bit)
		if node.children[b] == nil {
			return 0, false
		}
		node = node.children[b]
	}
	for _, e := range node.entries {
		if exactEqual(e.key.Params, key.Params) {
			return e.index, true
		}
	}
	return 0, false
}

func (l *lpmLookup) clear() {
	l.root = &lpmTrieNode{}
	l.n = 0
}

func (l *lpmLookup) count() int { return l.n }

// ---- ternary/range: linear sweep, sorted by priority ----------------------

// linearLookup serves Ternary and Range match units: a linear scan over
// the installed entries, kept sorted by (priority desc, sequence asc) so
// find() can return the first match.
type linearLookup struct {
	kind    FieldKind
	entries []*lookupEntry
}

func newLinearLookup(kind FieldKind) *linearLookup {
	return &linearLookup{kind: kind}
}

func (l *linearLookup) less(a, b *lookupEntry) bool {
	if a.key.Priority != b.key.Priority {
		return a.key.Priority > b.key.Priority
	}
	return a.sequence < b.sequence
}

func (l *linearLookup) insert(key MatchKey, index uint32, seq uint64) bool {
	if _, ok := l.findConflict(key); ok {
		return false
	}
	e := &lookupEntry{key: key, index: index, sequence: seq}
	i := sort.Search(len(l.entries), func(i int) bool { return l.less(e, l.entries[i]) })
	l.entries = append(l.entries, nil)
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	return true
}

func (l *linearLookup) remove(key MatchKey, index uint32) {
	for i, e := range l.entries {
		if e.index == index {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *linearLookup) find(probe MatchKey) (uint32, bool) {
	matches := ternaryMatches
	if l.kind == FieldRange {
		matches = rangeMatches
	}
	for _, e := range l.entries {
		if matches(e.key.Params, probe.Params) {
			return e.index, true
		}
	}
	return 0, false
}

// findConflict flags only exact (key, mask/bounds, priority) collisions:
// overlapping-but-distinct entries are fine and disambiguated by
// priority at lookup time.
func (l *linearLookup) findConflict(key MatchKey) (uint32, bool) {
	overlap := ternaryExactOverlap
	if l.kind == FieldRange {
		overlap = rangeExactOverlap
	}
	for _, e := range l.entries {
		if e.key.Priority == key.Priority && overlap(e.key.Params, key.Params) {
			return e.index, true
		}
	}
	return 0, false
}

func (l *linearLookup) clear() { l.entries = nil }

func (l *linearLookup) count() int { return len(l.entries) }
