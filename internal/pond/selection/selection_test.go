package selection

import (
	"testing"
	"time"

	"pond/internal/pond/core"
	"pond/internal/pond/logwire"
)

func newTestDatabase(t *testing.T) (*core.Database, *core.ManualClock) {
	t.Helper()
	clock := core.NewManualClock(time.Unix(1700000000, 0))
	db, err := core.NewDatabase(1<<20, core.DefaultRateLimitRate, clock)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	return db, clock
}

func encode(site string, ts time.Time, typ logwire.LogType) []byte {
	return logwire.Encode(&logwire.Full{
		Summary: logwire.Summary{
			Timestamp:    ts,
			HasTimestamp: true,
			Site:         site,
			HasSite:      site != "",
			Type:         typ,
		},
		HTTPURI:       "/x",
		HTTPStatus:    200,
		HasHTTPStatus: true,
		HTTPMethod:    logwire.MethodGET,
		HasHTTPMethod: true,
	})
}

func TestRewindAndAdvanceOverAllRecords(t *testing.T) {
	db, _ := newTestDatabase(t)
	for i := 0; i < 5; i++ {
		if _, err := db.Emplace(encode("alice", time.Unix(1700000000+int64(i), 0), logwire.TypeHTTPAccess)); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}

	f := &core.Filter{}
	sel := New(db.All(), f, nil)
	sel.Rewind()

	var ids []uint64
	for sel.IsDefined() {
		ids = append(ids, sel.Current().ID)
		sel.Advance()
	}
	if len(ids) != 5 {
		t.Fatalf("visited %d records, want 5", len(ids))
	}
}

func TestFilterNarrowsToSingleSite(t *testing.T) {
	db, _ := newTestDatabase(t)
	for i := 0; i < 3; i++ {
		if _, err := db.Emplace(encode("alice", time.Unix(1700000000+int64(i), 0), logwire.TypeHTTPAccess)); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := db.Emplace(encode("bob", time.Unix(1700000010+int64(i), 0), logwire.TypeHTTPAccess)); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}

	f := &core.Filter{Sites: map[string]struct{}{"alice": {}}}
	list, lease := db.SelectList(f)
	defer func() {
		if lease != nil {
			lease.RemoveLease()
		}
	}()

	if lease == nil {
		t.Fatalf("expected a PerSite lease for a single-site filter")
	}
	if _, ok := f.HasOneSite(); ok {
		t.Fatalf("Database.SelectList should have cleared the redundant site predicate")
	}

	sel := New(list, f, lease)
	sel.Rewind()

	count := 0
	for sel.IsDefined() {
		if sel.Current().Summary.Site != "alice" {
			t.Fatalf("got record for site %q, want alice-only list", sel.Current().Summary.Site)
		}
		count++
		sel.Advance()
	}
	if count != 3 {
		t.Fatalf("visited %d alice records, want 3", count)
	}
}

func TestFollowResumesAfterEviction(t *testing.T) {
	db, _ := newTestDatabase(t)
	rec, err := db.Emplace(encode("alice", time.Unix(1700000000, 0), logwire.TypeHTTPAccess))
	if err != nil {
		t.Fatalf("Emplace: %v", err)
	}

	f := &core.Filter{}
	sel := New(db.All(), f, nil)
	sel.StartPastEnd()
	if sel.IsDefined() {
		t.Fatalf("StartPastEnd should leave the cursor undefined")
	}

	// Simulate the arena evicting the only record the cursor could ever
	// have pointed at (id below the new head), then a fresh append.
	db.Clear()
	next, err := db.Emplace(encode("alice", time.Unix(1700000050, 0), logwire.TypeHTTPAccess))
	if err != nil {
		t.Fatalf("Emplace: %v", err)
	}
	if next.ID == rec.ID {
		t.Fatalf("test setup: expected a fresh id after Clear")
	}

	if !sel.TryMatchAppend(next) {
		t.Fatalf("TryMatchAppend should re-anchor on the first matching append")
	}
	if !sel.IsDefined() || sel.Current().ID != next.ID {
		t.Fatalf("expected cursor to point at the new record after TryMatchAppend")
	}
}

func TestFixDeletedRewindsPastEvictedCursor(t *testing.T) {
	db, _ := newTestDatabase(t)
	first, err := db.Emplace(encode("alice", time.Unix(1700000000, 0), logwire.TypeHTTPAccess))
	if err != nil {
		t.Fatalf("Emplace: %v", err)
	}

	f := &core.Filter{}
	sel := New(db.All(), f, nil)
	sel.Rewind()
	if sel.Current().ID != first.ID {
		t.Fatalf("expected cursor at first record")
	}

	db.DeleteOlderThan(time.Unix(1700000001, 0).UnixMicro())
	second, err := db.Emplace(encode("alice", time.Unix(1700000002, 0), logwire.TypeHTTPAccess))
	if err != nil {
		t.Fatalf("Emplace: %v", err)
	}

	rewound := sel.FixDeleted()
	if !rewound {
		t.Fatalf("FixDeleted should detect the stale cursor and rewind")
	}
	if !sel.IsDefined() || sel.Current().ID != second.ID {
		t.Fatalf("expected cursor to land on the surviving record after FixDeleted")
	}
}

// TestForwardIterationStopsPastUntilGraceWindow: with an Until bound set,
// forward iteration keeps evaluating records inside the 10-second grace
// window (a skewed producer may still land an in-range record there) but
// exhausts as soon as a record exceeds Until by more than the grace,
// instead of scanning to the list tail.
func TestForwardIterationStopsPastUntilGraceWindow(t *testing.T) {
	db, _ := newTestDatabase(t)
	until := time.Unix(1700000100, 0)
	stamps := []time.Time{
		until.Add(-5 * time.Second),          // in range
		until.Add(5 * time.Second),           // inside grace: skipped, not terminal
		until.Add(-1 * time.Second),          // skewed producer, still in range
		until.Add(UntilOffset + time.Second), // clearly past: terminates
		until.Add(-2 * time.Second),          // in range, but never reached
	}
	for _, ts := range stamps {
		if _, err := db.Emplace(encode("alice", ts, logwire.TypeHTTPAccess)); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}

	f := &core.Filter{Timestamp: core.TimestampRange{Until: until, HasUntil: true}}
	sel := New(db.All(), f, nil)
	sel.Rewind()

	var got []int64
	for sel.IsDefined() {
		got = append(got, sel.Current().Summary.Timestamp.Unix())
		sel.Advance()
	}
	want := []int64{until.Unix() - 5, until.Unix() - 1}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("forward iteration yielded %v, want %v", got, want)
	}
}
