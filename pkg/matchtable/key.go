package matchtable

import "bytes"

// FieldKind is the per-field match semantics a MatchKeyParam carries. A
// given table's match unit is built for exactly one FieldKind (the
// "match_type" passed to Create); every field of every key installed in
// or looked up against that table shares it.
type FieldKind int

const (
	FieldExact FieldKind = iota
	FieldLPM
	FieldTernary
	FieldRange
)

func (k FieldKind) String() string {
	switch k {
	case FieldExact:
		return "exact"
	case FieldLPM:
		return "lpm"
	case FieldTernary:
		return "ternary"
	case FieldRange:
		return "range"
	default:
		return "unknown"
	}
}

// MatchKeyParam is one field of a MatchKey, in the form a match-key
// builder would hand to the match unit: a value plus whatever extra
// shape its FieldKind needs (prefix length, mask, or range bounds).
type MatchKeyParam struct {
	Kind FieldKind

	// Value is used by Exact (compared for equality), LPM (the prefix
	// value, compared over PrefixLen bits), and Range (the probe value
	// looked up; ignored on an installed entry, which uses Lo/Hi instead).
	Value []byte

	// PrefixLen is the number of significant bits in Value, used by LPM.
	PrefixLen int

	// Mask is used by Ternary: an installed entry matches a probe when
	// (probe.Value[i] & Mask[i]) == (Value[i] & Mask[i]) for every byte.
	Mask []byte

	// Lo, Hi bound a Range field on an installed entry (inclusive).
	Lo []byte
	Hi []byte
}

// MatchKey is the ordered field vector extracted from packet state by an
// external match-key builder. Priority disambiguates overlapping Ternary
// or Range entries; it is ignored by Exact and LPM.
type MatchKey struct {
	Params   []MatchKeyParam
	Priority int
}

// sameShape reports whether two keys could plausibly belong to the same
// match unit: same field count and same per-field kind. The match units
// use this to reject malformed installs with BadMatchKey rather than
// panicking on a slice index.
func sameShape(a, b []MatchKeyParam) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind {
			return false
		}
	}
	return true
}

// exactEqual reports whether every field of probe equals, byte for byte,
// the corresponding field of installed. Used by the exact match unit.
func exactEqual(installed, probe []MatchKeyParam) bool {
	if !sameShape(installed, probe) {
		return false
	}
	for i := range installed {
		if !bytes.Equal(installed[i].Value, probe[i].Value) {
			return false
		}
	}
	return true
}

// lpmCommonPrefixBits returns the number of leading bits installed.Value
// and probe.Value have in common, capped at installed.PrefixLen. A
// return value equal to installed.PrefixLen means probe matches the
// installed prefix.
func lpmCommonPrefixBits(installed, probe MatchKeyParam) int {
	maxBits := installed.PrefixLen
	if maxBits > len(probe.Value)*8 {
		maxBits = len(probe.Value) * 8
	}
	common := 0
	for bit := 0; bit < maxBits; bit++ {
		byteIdx := bit / 8
		bitIdx := 7 - uint(bit%8)
		if byteIdx >= len(installed.Value) {
			break
		}
		a := (installed.Value[byteIdx] >> bitIdx) & 1
		b := (probe.Value[byteIdx] >> bitIdx) & 1
		if a != b {
			break
		}
		common++
	}
	return common
}

// lpmMatches reports whether probe falls within the prefix described by
// installed, field by field. Non-LPM fields in a mostly-LPM key (a
// common P4 pattern: one LPM field plus several exact qualifiers) are
// required to match exactly.
func lpmMatches(installed, probe []MatchKeyParam) bool {
	if !sameShape(installed, probe) {
		return false
	}
	for i := range installed {
		switch installed[i].Kind {
		case FieldLPM:
			if lpmCommonPrefixBits(installed[i], probe[i]) < installed[i].PrefixLen {
				return false
			}
		default:
			if !bytes.Equal(installed[i].Value, probe[i].Value) {
				return false
			}
		}
	}
	return true
}

// lpmTotalPrefixLen sums the PrefixLen of every LPM field in a key; it is
// the ranking value used to pick the longest match among overlapping
// prefixes. Priority plays no part in LPM ranking.
func lpmTotalPrefixLen(params []MatchKeyParam) int {
	total := 0
	for _, p := range params {
		if p.Kind == FieldLPM {
			total += p.PrefixLen
		}
	}
	return total
}

// ternaryMatches reports whether probe matches installed under its mask,
// field by field (non-ternary fields, if any, must match exactly).
func ternaryMatches(installed, probe []MatchKeyParam) bool {
	if !sameShape(installed, probe) {
		return false
	}
	for i := range installed {
		switch installed[i].Kind {
		case FieldTernary:
			mask := installed[i].Mask
			iv, pv := installed[i].Value, probe[i].Value
			if len(mask) != len(iv) || len(pv) != len(iv) {
				return false
			}
			for b := range mask {
				if (iv[b] & mask[b]) != (pv[b] & mask[b]) {
					return false
				}
			}
		default:
			if !bytes.Equal(installed[i].Value, probe[i].Value) {
				return false
			}
		}
	}
	return true
}

// ternaryExactOverlap reports whether two installed ternary entries have
// identical (key, mask); the caller additionally compares priority
// before treating the pair as a conflict.
func ternaryExactOverlap(a, b []MatchKeyParam) bool {
	if !sameShape(a, b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
		if !bytes.Equal(a[i].Mask, b[i].Mask) {
			return false
		}
	}
	return true
}

// cmpBytes performs an unsigned, big-endian comparison of two equal-length
// byte slices, returning -1, 0, or 1.
func cmpBytes(a, b []byte) int {
	return bytes.Compare(a, b)
}

// rangeMatches reports whether probe falls within the [Lo, Hi] bounds of
// every Range field of installed (non-range fields must match exactly).
func rangeMatches(installed, probe []MatchKeyParam) bool {
	if !sameShape(installed, probe) {
		return false
	}
	for i := range installed {
		switch installed[i].Kind {
		case FieldRange:
			v := probe[i].Value
			if cmpBytes(v, installed[i].Lo) < 0 || cmpBytes(v, installed[i].Hi) > 0 {
				return false
			}
		default:
			if !bytes.Equal(installed[i].Value, probe[i].Value) {
				return false
			}
		}
	}
	return true
}

// rangeExactOverlap mirrors ternaryExactOverlap for range entries: two
// installed entries collide only if every bound is identical.
func rangeExactOverlap(a, b []MatchKeyParam) bool {
	if !sameShape(a, b) {
		return false
	}
	for i := range a {
		switch a[i].Kind {
		case FieldRange:
			if !bytes.Equal(a[i].Lo, b[i].Lo) || !bytes.Equal(a[i].Hi, b[i].Hi) {
				return false
			}
		default:
			if !bytes.Equal(a[i].Value, b[i].Value) {
				return false
			}
		}
	}
	return true
}
