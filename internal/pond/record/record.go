// Package record defines the immutable unit stored in the arena. Every
// record belongs to two orderings at once — the chronological all-list and
// its site's list — so it carries a stable handle into each container/list
// rather than paying a lookup on every traversal step.
package record

import (
	"container/list"

	"pond/internal/pond/logwire"
)

// Record is immutable after construction; only the Arena destroys it
// (oldest-first eviction) or Database.Clear.
type Record struct {
	ID uint64

	// Raw is the serialized datagram, a view into the arena's backing
	// mapping. It is valid only while the record is live: readers hold
	// the database read lock, and copy the bytes before releasing it if
	// they must outlive the lock (a later append may reuse the region
	// once this record is evicted).
	Raw []byte

	Summary logwire.Summary

	// AllElem is this record's node in the chronological all-list.
	AllElem *list.Element

	// SiteElem is this record's node in its PerSite list, nil when
	// Summary.HasSite is false.
	SiteElem *list.Element

	// frameSize is the byte-ring footprint (header + raw, plus any wrap
	// padding charged to this record), remembered so the Arena can
	// account for it again on eviction without re-deriving it.
	frameSize int
}

// FrameSize reports the arena byte-ring footprint of this record.
func (r *Record) FrameSize() int { return r.frameSize }

// SetFrameSize is used only by package arena while constructing a Record.
func (r *Record) SetFrameSize(n int) { r.frameSize = n }

// IsOlderThan reports whether the record's timestamp is strictly earlier
// than cutoffMicros. A record with no timestamp is never "older" by this
// strict check.
func (r *Record) IsOlderThan(cutoffMicros int64) bool {
	if !r.Summary.HasTimestamp {
		return false
	}
	return r.Summary.Timestamp.UnixMicro() < cutoffMicros
}

// IsOlderThanOrUnknown additionally treats a missing timestamp as eligible
// for eviction by DeleteOlderThan, which is what that operation needs: a
// record lacking a timestamp cannot be meaningfully retained past a cutoff.
func (r *Record) IsOlderThanOrUnknown(cutoffMicros int64) bool {
	if !r.Summary.HasTimestamp {
		return true
	}
	return r.Summary.Timestamp.UnixMicro() < cutoffMicros
}
