package core

import (
	"testing"
	"time"

	"pond/internal/pond/logwire"
)

func encodeAccess(site string, ts time.Time) []byte {
	return logwire.Encode(&logwire.Full{
		Summary: logwire.Summary{
			Timestamp:    ts,
			HasTimestamp: true,
			Site:         site,
			HasSite:      site != "",
			Type:         logwire.TypeHTTPAccess,
		},
		HTTPURI:       "/x",
		HTTPStatus:    200,
		HasHTTPStatus: true,
		HTTPMethod:    logwire.MethodGET,
		HasHTTPMethod: true,
	})
}

func encodeError(site string, ts time.Time) []byte {
	return logwire.Encode(&logwire.Full{
		Summary: logwire.Summary{
			Timestamp:    ts,
			HasTimestamp: true,
			Site:         site,
			HasSite:      true,
			Type:         logwire.TypeHTTPError,
		},
		HTTPURI:       "/fail",
		HTTPStatus:    500,
		HasHTTPStatus: true,
		HTTPMethod:    logwire.MethodGET,
		HasHTTPMethod: true,
	})
}

func newTestDatabase(t *testing.T, capacity int, rate float64) (*Database, *ManualClock) {
	t.Helper()
	clock := NewManualClock(time.Unix(1700000000, 0))
	db, err := NewDatabase(capacity, rate, clock)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	return db, clock
}

func TestEmplaceAndEviction(t *testing.T) {
	// Arena capacity floors at arena.MinCapacity (64 KiB), so push enough
	// small records past that floor to force head eviction.
	db, _ := newTestDatabase(t, 1, DefaultRateLimitRate)

	const n = 4096
	var ids []uint64
	for i := 0; i < n; i++ {
		rec, err := db.Emplace(encodeAccess("alice", time.Unix(1700000001+int64(i), 0)))
		if err != nil {
			t.Fatalf("Emplace %d: %v", i, err)
		}
		ids = append(ids, rec.ID)
	}

	stats := db.GetStats()
	if stats.NRecords >= n {
		t.Fatalf("NRecords = %d, want fewer than %d (eviction should have happened)", stats.NRecords, n)
	}
	if stats.MemoryUsage > stats.MemoryCapacity {
		t.Fatalf("MemoryUsage %d exceeds MemoryCapacity %d", stats.MemoryUsage, stats.MemoryCapacity)
	}

	first := db.All().First()
	if first == nil || first.ID == ids[0] {
		t.Fatalf("expected head to have advanced past the first append, got %v", first)
	}
	last := db.All().Last()
	if last == nil || last.ID != ids[n-1] {
		t.Fatalf("expected tail to be the last append (%d)", ids[n-1])
	}
}

func TestPerSiteTracksSameRecordsAsAllRecords(t *testing.T) {
	db, _ := newTestDatabase(t, 1<<20, DefaultRateLimitRate)

	for i := 0; i < 5; i++ {
		if _, err := db.Emplace(encodeAccess("alice", time.Unix(1700000001+int64(i), 0))); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := db.Emplace(encodeAccess("bob", time.Unix(1700000010+int64(i), 0))); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}

	if got := db.All().Len(); got != 8 {
		t.Fatalf("All().Len() = %d, want 8", got)
	}
	alice, ok := db.PerSiteList("alice")
	if !ok {
		t.Fatalf("expected alice PerSite to exist")
	}
	if got := alice.Len(); got != 5 {
		t.Fatalf("alice.Len() = %d, want 5", got)
	}
	bob, ok := db.PerSiteList("bob")
	if !ok {
		t.Fatalf("expected bob PerSite to exist")
	}
	if got := bob.Len(); got != 3 {
		t.Fatalf("bob.Len() = %d, want 3", got)
	}
}

// TestCheckEmplaceRateLimitsHTTPError: a per-site rate limit of 10/sec
// seeds a burst of 10 tokens at construction, so the 11th HTTP_ERROR
// record in the same instant is discarded without being committed to the
// arena.
func TestCheckEmplaceRateLimitsHTTPError(t *testing.T) {
	db, clock := newTestDatabase(t, 1<<20, 10)
	_ = clock

	var admitted, discarded int
	for i := 0; i < 15; i++ {
		rec, err := db.CheckEmplace(encodeError("alice", time.Unix(1700000001, 0)))
		if err != nil {
			t.Fatalf("CheckEmplace: %v", err)
		}
		if rec != nil {
			admitted++
		} else {
			discarded++
		}
	}
	if admitted != 10 {
		t.Fatalf("admitted = %d, want 10", admitted)
	}
	if discarded != 5 {
		t.Fatalf("discarded = %d, want 5", discarded)
	}
	if got := db.GetStats().NDiscarded; got != 5 {
		t.Fatalf("NDiscarded = %d, want 5", got)
	}
}

func TestCheckEmplaceIgnoresRateLimitForAccessRecords(t *testing.T) {
	db, _ := newTestDatabase(t, 1<<20, 1)
	for i := 0; i < 20; i++ {
		rec, err := db.CheckEmplace(encodeAccess("alice", time.Unix(1700000001+int64(i), 0)))
		if err != nil {
			t.Fatalf("CheckEmplace: %v", err)
		}
		if rec == nil {
			t.Fatalf("HTTP_ACCESS record %d was rate-limited, should never be", i)
		}
	}
}

func TestDeleteOlderThanDetachesFromPerSite(t *testing.T) {
	db, _ := newTestDatabase(t, 1<<20, DefaultRateLimitRate)
	for i := 0; i < 5; i++ {
		if _, err := db.Emplace(encodeAccess("alice", time.Unix(1700000000+int64(i), 0))); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}

	db.DeleteOlderThan(time.Unix(1700000003, 0).UnixMicro())

	if got := db.All().Len(); got != 2 {
		t.Fatalf("All().Len() = %d, want 2 after retention sweep", got)
	}
	alice, ok := db.PerSiteList("alice")
	if !ok {
		t.Fatalf("expected alice PerSite to still exist")
	}
	if got := alice.Len(); got != 2 {
		t.Fatalf("alice.Len() = %d, want 2 after retention sweep", got)
	}
}

func TestCompressRemovesExpendableEmptySites(t *testing.T) {
	db, _ := newTestDatabase(t, 1<<20, DefaultRateLimitRate)
	rec, err := db.Emplace(encodeAccess("alice", time.Unix(1700000000, 0)))
	if err != nil {
		t.Fatalf("Emplace: %v", err)
	}
	db.DeleteOlderThan(rec.Summary.Timestamp.Add(time.Second).UnixMicro())

	db.Compress()

	if _, ok := db.PerSiteList("alice"); ok {
		t.Fatalf("expected alice PerSite to be removed by Compress once empty and leaseless")
	}
}

func TestClearEmptiesEverything(t *testing.T) {
	db, _ := newTestDatabase(t, 1<<20, DefaultRateLimitRate)
	for i := 0; i < 5; i++ {
		if _, err := db.Emplace(encodeAccess("alice", time.Unix(1700000000+int64(i), 0))); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}

	db.Clear()

	if got := db.All().Len(); got != 0 {
		t.Fatalf("All().Len() = %d, want 0 after Clear", got)
	}
	if _, ok := db.PerSiteList("alice"); ok {
		t.Fatalf("expected alice PerSite to be gone after Clear")
	}
}
