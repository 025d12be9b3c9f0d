package attrs

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// RangeEntry maps a byte range of a call body to a byte range of the
// expansion output.
type RangeEntry struct {
	SrcStart int `json:"src_start"`
	SrcEnd   int `json:"src_end"`
	OutStart int `json:"out_start"`
	OutEnd   int `json:"out_end"`
}

// RangeMap is sorted by OutStart.
type RangeMap struct {
	Entries []RangeEntry `json:"entries"`
}

// Normalize sorts entries by output offset.
func (m RangeMap) Normalize() RangeMap {
	out := RangeMap{Entries: append([]RangeEntry(nil), m.Entries...)}
	sort.Slice(out.Entries, func(i, j int) bool {
		return out.Entries[i].OutStart < out.Entries[j].OutStart
	})
	return out
}

// ToSource maps an output offset back into the call body.
func (m RangeMap) ToSource(out int) (int, bool) {
	for _, e := range m.Entries {
		if out >= e.OutStart && out < e.OutEnd {
			return e.SrcStart + (out - e.OutStart), true
		}
	}
	return 0, false
}

// ToOutput maps a call body offset into the output.
func (m RangeMap) ToOutput(src int) (int, bool) {
	for _, e := range m.Entries {
		if src >= e.SrcStart && src < e.SrcEnd {
			return e.OutStart + (src - e.SrcStart), true
		}
	}
	return 0, false
}

// DeriveRangeMap maps every verbatim occurrence of body in output back to
// the body.
func DeriveRangeMap(body, output string) RangeMap {
	var m RangeMap
	if body == "" {
		return m
	}
	for off := 0; ; {
		i := strings.Index(output[off:], body)
		if i < 0 {
			break
		}
		start := off + i
		m.Entries = append(m.Entries, RangeEntry{
			SrcStart: 0, SrcEnd: len(body),
			OutStart: start, OutEnd: start + len(body),
		})
		off = start + len(body)
	}
	return m
}

// MixHash combines the hashes an output was computed from.
func MixHash(defHash, callHash, outputHash string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(defHash+"\x00"+callHash+"\x00"+outputHash)))
}
