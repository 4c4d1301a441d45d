package core

import (
	"pond/internal/pond/record"
	"pond/internal/pond/timeskip"
)

// RecordList is the common shape AllRecords and PerSite both present to a
// Selection: chronological traversal, a TimeSkipIndex, and an append-
// listener registration point. Selection is written against this interface
// so the same cursor logic serves both orderings.
type RecordList interface {
	First() *record.Record
	Last() *record.Record
	Next(r *record.Record) *record.Record
	Prev(r *record.Record) *record.Record
	SkipIndex() *timeskip.Index
	AddListener(l AppendListener)
	RemoveListener(l AppendListener)
}

var (
	_ RecordList = (*AllRecords)(nil)
	_ RecordList = (*PerSite)(nil)
)
