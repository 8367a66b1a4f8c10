// Package ttl implements the read-time expiry predicate described in spec
// §4.12: an optional per-table attribute whose value, interpreted as a
// Unix-epoch timestamp, suppresses an item from reads once it is in the
// past. Writes are never affected, and nothing is physically removed here —
// that happens only when compaction rewrites the record away.
package ttl

import (
	"github.com/keystonedb/keystone/internal/value"
)

// Filter evaluates whether an item has expired as of a fixed wall-clock
// sample. A zero-value Filter (no attribute configured) never expires
// anything.
type Filter struct {
	attribute string
	nowUnix   int64
}

// New returns a filter that treats attribute's value as the expiry time and
// nowUnix as "now" — callers take the wall-clock sample once per read
// (get/query/scan) and reuse it across every item examined during that
// read.
func New(attribute string, nowUnix int64) Filter {
	return Filter{attribute: attribute, nowUnix: nowUnix}
}

// Disabled returns a filter that never expires anything, for tables with no
// configured TTL attribute.
func Disabled() Filter {
	return Filter{}
}

// Expired reports whether item should be suppressed as if absent.
func (f Filter) Expired(item value.Item) bool {
	if f.attribute == "" || item == nil {
		return false
	}
	v, ok := item[f.attribute]
	if !ok {
		return false
	}

	var epochSeconds int64
	switch v.Kind {
	case value.KindTimestamp:
		epochSeconds = v.Ts / 1000
	case value.KindNumber:
		n, ok := parseEpochSeconds(v.Str)
		if !ok {
			return false
		}
		epochSeconds = n
	default:
		return false
	}

	return epochSeconds <= f.nowUnix
}

func parseEpochSeconds(decimal string) (int64, bool) {
	var n int64
	var sawDigit bool
	neg := false
	for i, r := range decimal {
		switch {
		case i == 0 && r == '-':
			neg = true
		case r >= '0' && r <= '9':
			n = n*10 + int64(r-'0')
			sawDigit = true
		case r == '.':
			// Truncate any fractional seconds; expiry is second-granularity.
			goto done
		default:
			return 0, false
		}
	}
done:
	if !sawDigit {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}
