package core

import (
	"pond/internal/pond/arena"
	"pond/internal/pond/record"
	"pond/internal/pond/timeskip"
)

// AllRecords is the chronological primary list: it owns the Arena and
// embeds a TimeSkipIndex and an AppendListenerSet.
type AllRecords struct {
	Arena     *arena.Arena
	Skip      *timeskip.Index
	Listeners AppendListenerSet
}

// NewAllRecords wraps an already-constructed Arena.
func NewAllRecords(a *arena.Arena) *AllRecords {
	return &AllRecords{Arena: a, Skip: timeskip.New()}
}

// PushBack appends raw, evicting from the head as needed, and updates the
// skip index. Returns the evicted records (oldest first) so Database can
// detach them from PerSite lists. Listener fanout is Database's job, after
// it has released its structural lock (see AppendListenerSet).
func (a *AllRecords) PushBack(raw []byte) (rec *record.Record, evicted []*record.Record, err error) {
	rec, evicted, err = a.Arena.EmplaceBack(raw)
	if err != nil {
		return nil, evicted, err
	}
	a.afterAppend(rec, evicted)
	return rec, evicted, nil
}

// CheckPushBack is PushBack's precheck variant, used for rate limiting.
func (a *AllRecords) CheckPushBack(raw []byte, precheck arena.Precheck) (rec *record.Record, evicted []*record.Record, err error) {
	rec, evicted, err = a.Arena.CheckEmplaceBack(raw, precheck)
	if err != nil {
		if len(evicted) > 0 {
			if front := a.Arena.First(); front != nil {
				a.Skip.FixDeleted(front.ID)
			} else {
				a.Skip.FixDeleted(^uint64(0))
			}
		}
		return nil, evicted, err
	}
	a.afterAppend(rec, evicted)
	return rec, evicted, nil
}

func (a *AllRecords) afterAppend(rec *record.Record, evicted []*record.Record) {
	if len(evicted) > 0 {
		if front := a.Arena.First(); front != nil {
			a.Skip.FixDeleted(front.ID)
		}
	}
	a.Skip.UpdateOnAppend(rec)
}

// PopFront evicts the oldest record unconditionally (used by DeleteOlderThan
// and Clear's record-by-record variant). Returns nil, false if empty.
func (a *AllRecords) PopFront() (*record.Record, bool) {
	rec, ok := a.Arena.PopFront()
	if ok {
		if front := a.Arena.First(); front != nil {
			a.Skip.FixDeleted(front.ID)
		} else {
			a.Skip.FixDeleted(^uint64(0))
		}
	}
	return rec, ok
}

// DeleteOlderThan pops records from the head while they are older than (or
// lack) a timestamp compared to cutoffMicros. Returns the evicted records
// for PerSite cleanup.
func (a *AllRecords) DeleteOlderThan(cutoffMicros int64) []*record.Record {
	var evicted []*record.Record
	for {
		front := a.Arena.First()
		if front == nil || !front.IsOlderThanOrUnknown(cutoffMicros) {
			break
		}
		rec, ok := a.PopFront()
		if !ok {
			break
		}
		evicted = append(evicted, rec)
	}
	return evicted
}

// Clear drops every record.
func (a *AllRecords) Clear() {
	a.Arena.Clear()
	a.Skip = timeskip.New()
}

func (a *AllRecords) First() *record.Record                 { return a.Arena.First() }
func (a *AllRecords) Last() *record.Record                  { return a.Arena.Last() }
func (a *AllRecords) Next(r *record.Record) *record.Record  { return a.Arena.Next(r) }
func (a *AllRecords) Prev(r *record.Record) *record.Record  { return a.Arena.Prev(r) }
func (a *AllRecords) Len() int                              { return a.Arena.Len() }
func (a *AllRecords) SkipIndex() *timeskip.Index            { return a.Skip }
func (a *AllRecords) AddListener(l AppendListener)          { a.Listeners.Add(l) }
func (a *AllRecords) RemoveListener(l AppendListener)       { a.Listeners.Remove(l) }
