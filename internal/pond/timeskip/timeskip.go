// Package timeskip implements the sparse index accelerating time-based
// lower-bound search over a record list: one sampled entry every
// SkipCount records, tolerant of producer clock skew by recording each
// bucket's minimum observed timestamp rather than trusting strict
// monotonicity.
package timeskip

import (
	"sort"

	"pond/internal/pond/record"
)

// SkipCount is the sampling interval: one index entry per this many
// appended records.
const SkipCount = 4096

type entry struct {
	rec  *record.Record
	id   uint64
	time int64 // microseconds since epoch
}

// Index is a deque of sampled entries, strictly increasing in id.
type Index struct {
	entries []entry
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

// UpdateOnAppend records r in the index if it has a timestamp: either by
// starting a new bucket (when the last bucket is at least SkipCount ids
// behind r), or by lowering the current bucket's minimum timestamp if r's
// timestamp is older than what the bucket already recorded (absorbing
// out-of-order arrivals from clock-skewed producers).
func (x *Index) UpdateOnAppend(r *record.Record) {
	if !r.Summary.HasTimestamp {
		return
	}
	t := r.Summary.Timestamp.UnixMicro()
	if len(x.entries) == 0 || r.ID >= x.entries[len(x.entries)-1].id+SkipCount {
		x.entries = append(x.entries, entry{rec: r, id: r.ID, time: t})
		return
	}
	last := &x.entries[len(x.entries)-1]
	if t < last.time {
		last.time = t
		last.rec = r
	}
}

// FixDeleted drops entries whose id is older than firstLiveID, which must
// be called before any lookup on a list that may have been evicted from
// since the index was last consulted.
func (x *Index) FixDeleted(firstLiveID uint64) {
	i := 0
	for i < len(x.entries) && x.entries[i].id < firstLiveID {
		i++
	}
	if i > 0 {
		x.entries = x.entries[i:]
	}
}

// LowerBound returns the first record at or before the bucket whose
// minimum timestamp is >= t, stepping one bucket earlier to compensate
// for within-bucket clock skew; the caller is responsible for a final
// linear skip-forward. Returns nil if the index is empty (caller should
// fall back to starting at the list head).
func (x *Index) LowerBound(t int64) *record.Record {
	if len(x.entries) == 0 {
		return nil
	}
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].time >= t
	})
	if i > 0 {
		i--
	}
	return x.entries[i].rec
}

// LastUntil returns a record at or after the bucket most likely to contain
// the last record with timestamp <= until, the symmetric counterpart to
// LowerBound used by Selection.SeekLast. The caller performs a final linear
// skip-backward to land exactly on the matching record. Returns nil if the
// index is empty.
func (x *Index) LastUntil(until int64) *record.Record {
	if len(x.entries) == 0 {
		return nil
	}
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].time > until
	})
	if i >= len(x.entries) {
		i = len(x.entries) - 1
	}
	return x.entries[i].rec
}

// Len reports the number of sampled entries (exposed for tests only).
func (x *Index) Len() int { return len(x.entries) }
