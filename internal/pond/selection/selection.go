// Package selection implements the filter-aware, eviction-tolerant cursor
// over a chosen record list. Eviction detection is done by id comparison
// against the list head (ids are strictly increasing, so a cursor whose
// record id fell below the head has been evicted), and filter-skip is
// folded directly into every cursor step.
package selection

import (
	"time"

	"pond/internal/pond/core"
	"pond/internal/pond/record"
)

// UntilOffset is the grace window absorbing producer clock jitter around a
// filter's Until bound.
const UntilOffset = 10 * time.Second

// Selection holds a cursor (a record reference plus the owning list), the
// Filter, and an optional PerSite lease.
type Selection struct {
	list    core.RecordList
	filter  *core.Filter
	lease   *core.PerSite
	cur     *record.Record
	started bool

	// lastID is the id of the newest record the cursor has consumed or
	// deliberately skipped past. TryMatchAppend refuses records at or
	// below it, so a fanout that races the cursor's own traversal of the
	// same append cannot deliver a record twice, and a FOLLOW selection
	// never re-delivers anything that existed at COMMIT time.
	lastID uint64
}

// New constructs an unstarted Selection over list with filter. lease may be
// nil for an AllRecords selection; for a PerSite selection the caller must
// have already called lease.AddLease().
func New(list core.RecordList, filter *core.Filter, lease *core.PerSite) *Selection {
	return &Selection{list: list, filter: filter, lease: lease}
}

// Release drops this Selection's PerSite lease, if any. Callers must call
// this exactly once when done with the Selection (Connection does so on
// CANCEL, on completing a request, and on close).
func (s *Selection) Release() {
	if s.lease != nil {
		s.lease.RemoveLease()
		s.lease = nil
	}
}

// Filter returns the filter driving this selection.
func (s *Selection) Filter() *core.Filter { return s.filter }

// Current returns the record the cursor currently points at, or nil.
func (s *Selection) Current() *record.Record { return s.cur }

// IsDefined reports whether the cursor currently points at a matching
// record; false covers both "unstarted" and "exhausted".
func (s *Selection) IsDefined() bool { return s.cur != nil }

func (s *Selection) matches(r *record.Record) bool {
	return core.MatchRaw(s.filter, r.Summary, r.Raw)
}

// Rewind anchors the cursor at the filter's Since bound (via the list's
// TimeSkipIndex) or at the list head if unset, then skips forward past
// mismatches.
func (s *Selection) Rewind() {
	s.started = true
	if s.filter.Timestamp.HasSince {
		if r := s.list.SkipIndex().LowerBound(s.filter.Timestamp.Since.UnixMicro()); r != nil {
			s.cur = r
			s.skipMismatchesForward()
			return
		}
	}
	s.cur = s.list.First()
	s.skipMismatchesForward()
}

// SeekLast anchors the cursor at the filter's Until bound (via LastUntil)
// or the list tail if unset, then skips backward past mismatches, for the
// LAST request command.
func (s *Selection) SeekLast() {
	s.started = true
	if s.filter.Timestamp.HasUntil {
		if r := s.list.SkipIndex().LastUntil(s.filter.Timestamp.Until.UnixMicro()); r != nil {
			s.cur = r
			s.skipMismatchesBackward()
			return
		}
	}
	s.cur = s.list.Last()
	s.skipMismatchesBackward()
}

// StartPastEnd anchors the cursor past the current tail, for FOLLOW: no
// existing record is sent, and the Selection waits for TryMatchAppend to
// find the first matching record appended from here on.
func (s *Selection) StartPastEnd() {
	s.started = true
	s.cur = nil
	if tail := s.list.Last(); tail != nil {
		s.lastID = tail.ID
	}
}

// Advance steps the cursor one record forward, then skips mismatches.
func (s *Selection) Advance() {
	if s.cur == nil {
		return
	}
	if s.cur.ID > s.lastID {
		s.lastID = s.cur.ID
	}
	s.cur = s.list.Next(s.cur)
	s.skipMismatchesForward()
}

// skipMismatchesForward steps forward past filter mismatches, treating a
// record clearly beyond the Until bound as the end of the iteration:
// timestamps are only near-monotone, so records inside the grace window
// are still evaluated individually (a clock-skewed producer may land an
// in-range record after an out-of-range one), but once a record exceeds
// Until by more than UntilOffset nothing later can match and the cursor
// exhausts instead of scanning to the list tail.
func (s *Selection) skipMismatchesForward() {
	for s.cur != nil {
		if !s.withinGrace(s.cur) {
			s.cur = nil
			return
		}
		if s.matches(s.cur) {
			return
		}
		s.cur = s.list.Next(s.cur)
	}
}

// skipMismatchesBackward steps backward while the record is either a
// filter mismatch or newer than Until by more than UntilOffset — the
// grace window that tolerates a LastUntil hint landing slightly past the
// true boundary under clock skew.
func (s *Selection) skipMismatchesBackward() {
	for s.cur != nil {
		if s.withinGrace(s.cur) && s.matches(s.cur) {
			return
		}
		s.cur = s.list.Prev(s.cur)
	}
}

func (s *Selection) withinGrace(r *record.Record) bool {
	if !s.filter.Timestamp.HasUntil || !r.Summary.HasTimestamp {
		return true
	}
	return !r.Summary.Timestamp.After(s.filter.Timestamp.Until.Add(UntilOffset))
}

// FixDeleted detects whether the record the cursor points at has been
// evicted, by comparing it against the list's current head, and rewinds if
// so. Returns true if a rewind happened.
func (s *Selection) FixDeleted() bool {
	if s.cur == nil {
		return false
	}
	head := s.list.First()
	if head == nil || s.cur.ID < head.ID {
		s.Rewind()
		return true
	}
	return false
}

// TryMatchAppend is called by a Connection's own AppendListener callback
// when a new record lands on this selection's list. If the cursor is
// currently exhausted and record satisfies the filter, it re-anchors the
// cursor to record and returns true, signalling the connection to schedule
// a write and unregister until the next time the list is exhausted; if the
// cursor already holds something pending, or record does not match,
// nothing changes and false is returned.
func (s *Selection) TryMatchAppend(r *record.Record) bool {
	if s.cur != nil || !s.started || r.ID <= s.lastID {
		return false
	}
	if s.matches(r) {
		s.cur = r
		return true
	}
	return false
}

// List returns the underlying record list, so a Connection can register
// itself as that list's AppendListener for follow/continue query modes.
func (s *Selection) List() core.RecordList { return s.list }
