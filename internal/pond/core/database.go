// Package core implements the Database facade: it owns the Arena (via
// AllRecords) and the PerSite collection, and exposes append, eviction,
// and selection-construction operations.
package core

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"pond/internal/pond/arena"
	"pond/internal/pond/logwire"
	"pond/internal/pond/record"
)

// shardCount is the number of lock-striped PerSite shards. Sites are
// routed to a shard by rendezvous hashing over xxhash, which keeps the
// assignment stable if the shard count ever changes.
const shardCount = 32

type psShard struct {
	mu    sync.Mutex
	sites map[string]*PerSite
}

// Stats mirrors the wire protocol's STATS payload.
type Stats struct {
	MemoryCapacity uint64
	MemoryUsage    uint64
	NRecords       uint64
	NReceived      uint64
	NMalformed     uint64
	NDiscarded     uint64
}

// Database owns the Arena (through AllRecords) and the PerSite collection.
//
// mu is held for writing during any structural mutation (emplace, eviction,
// retention, clear) and for reading while a Selection traverses a list (see
// View), which is what makes borrowed record pointers safe against
// concurrent eviction. Listener fanout always runs after mu is released:
// a listener callback takes its Connection's lock, and that Connection may
// itself be inside a Database call, so firing under mu would invert the
// two lock orders.
type Database struct {
	mu sync.RWMutex

	all *AllRecords

	shards      [shardCount]*psShard
	rv          *rendezvous.Rendezvous
	siteOrderMu sync.Mutex
	siteOrder   *orderedSites

	clock Clock

	// PerSiteRateLimit, when >= 0, is the messages/sec rate applied to
	// HTTP_ERROR records bearing a site; -1 disables it.
	PerSiteRateLimit float64

	nReceived  uint64
	nMalformed uint64
	nDiscarded uint64
}

// NewDatabase constructs a Database over a fresh Arena of capacityBytes,
// with per-site rate limiting at rate (messages/sec, or DefaultRateLimitRate
// to disable).
func NewDatabase(capacityBytes int, rate float64, clock Clock) (*Database, error) {
	a, err := arena.New(capacityBytes)
	if err != nil {
		return nil, err
	}
	d := &Database{
		all:              NewAllRecords(a),
		clock:            clock,
		PerSiteRateLimit: rate,
		siteOrder:        newOrderedSites(),
	}
	nodes := make([]string, shardCount)
	for i := range d.shards {
		d.shards[i] = &psShard{sites: make(map[string]*PerSite)}
		nodes[i] = strconv.Itoa(i)
	}
	d.rv = rendezvous.New(nodes, hashNode)
	return d, nil
}

func hashNode(s string) uint64 { return xxhash.Sum64String(s) }

func (d *Database) shardFor(site string) *psShard {
	idx := d.rv.Lookup(site)
	i, _ := strconv.Atoi(idx)
	return d.shards[i]
}

// Emplace parses raw and appends it unconditionally (no rate limiting),
// counting the datagram as received and a parse failure as malformed.
// Listeners fire before Emplace returns, but after the structural lock is
// released (see the Database doc comment).
func (d *Database) Emplace(raw []byte) (*record.Record, error) {
	d.mu.Lock()
	d.nReceived++
	rec, ps, err := d.emplaceLocked(raw, nil)
	if err != nil {
		d.nMalformed++
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()
	d.fanout(rec, ps)
	return rec, nil
}

// EmplaceNoCount is Emplace without the received/malformed accounting,
// for records injected administratively (INJECT_LOG_RECORD) rather than
// ingested: a failed injection leaves the stats untouched.
func (d *Database) EmplaceNoCount(raw []byte) (*record.Record, error) {
	d.mu.Lock()
	rec, ps, err := d.emplaceLocked(raw, nil)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.fanout(rec, ps)
	return rec, nil
}

// CheckEmplace is Emplace's rate-limited variant: if PerSiteRateLimit >= 0
// and the record is an HTTP_ERROR bearing a site, its PerSite token bucket
// must have a token available or the record is dropped (incrementing
// nDiscarded) without being committed to the arena at all.
func (d *Database) CheckEmplace(raw []byte) (*record.Record, error) {
	d.mu.Lock()
	d.nReceived++
	precheck := func(summary logwire.Summary) bool {
		if d.PerSiteRateLimit < 0 || summary.Type != logwire.TypeHTTPError || !summary.HasSite {
			return true
		}
		ps := d.getOrCreatePerSiteLocked(summary.Site)
		burst := d.PerSiteRateLimit * 10
		return ps.Bucket.Check(d.PerSiteRateLimit, burst, d.clock.Steady(), 1)
	}
	rec, ps, err := d.emplaceLocked(raw, precheck)
	if err == arena.ErrRejected {
		d.nDiscarded++
		d.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		d.nMalformed++
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()
	d.fanout(rec, ps)
	return rec, nil
}

// emplaceLocked does the parse/insert work shared by every emplace
// variant; counting is the callers' concern.
func (d *Database) emplaceLocked(raw []byte, precheck arena.Precheck) (*record.Record, *PerSite, error) {
	var rec *record.Record
	var evicted []*record.Record
	var err error
	if precheck != nil {
		rec, evicted, err = d.all.CheckPushBack(raw, precheck)
	} else {
		rec, evicted, err = d.all.PushBack(raw)
	}
	for _, victim := range evicted {
		d.detachEvicted(victim)
	}
	if err != nil {
		return nil, nil, err
	}
	var ps *PerSite
	if rec.Summary.HasSite {
		ps = d.getOrCreatePerSiteLocked(rec.Summary.Site)
		ps.PushBack(rec)
	}
	return rec, ps, nil
}

// fanout fires the all-list listeners and then the record's PerSite
// listeners, in that order. Must be called without mu held.
func (d *Database) fanout(rec *record.Record, ps *PerSite) {
	d.all.Listeners.Fire(rec)
	if ps != nil {
		ps.Listeners.Fire(rec)
	}
}

// View runs fn under the database read lock, so a Selection may traverse
// its list (and follow borrowed record pointers) without racing a
// concurrent emplace, eviction, or retention sweep. fn must not call any
// Database method that mutates (Emplace, DeleteOlderThan, Clear, Compress,
// SelectList).
func (d *Database) View(fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn()
}

// detachEvicted removes an arena-evicted record from its PerSite list, if
// it had a site, keeping the invariant "AllRecords.size == sum over
// PerSite of |per_site_list|" intact immediately rather than only at the
// next Compress.
func (d *Database) detachEvicted(victim *record.Record) {
	if !victim.Summary.HasSite {
		return
	}
	if ps, ok := d.lookupPerSite(victim.Summary.Site); ok {
		ps.Remove(victim)
		if ps.IsExpendable() {
			d.removeSite(ps)
		}
	}
}

func (d *Database) getOrCreatePerSiteLocked(site string) *PerSite {
	shard := d.shardFor(site)
	shard.mu.Lock()
	ps, ok := shard.sites[site]
	if !ok {
		ps = newPerSite(site, d.clock.Steady())
		shard.sites[site] = ps
		shard.mu.Unlock()
		d.siteOrderMu.Lock()
		ps.orderElem = d.siteOrder.pushBack(ps)
		d.siteOrderMu.Unlock()
		return ps
	}
	shard.mu.Unlock()
	return ps
}

// lookupPerSite returns the PerSite for site if it already exists, without
// creating one.
func (d *Database) lookupPerSite(site string) (*PerSite, bool) {
	shard := d.shardFor(site)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ps, ok := shard.sites[site]
	return ps, ok
}

// GetFirstSite returns the first non-empty PerSite after skipping skip
// sites in insertion order, for GROUP_SITE pagination.
func (d *Database) GetFirstSite(skip int) *PerSite {
	d.siteOrderMu.Lock()
	defer d.siteOrderMu.Unlock()
	return d.siteOrder.firstNonEmpty(skip)
}

// GetNextSite returns the next non-empty PerSite after cur in insertion
// order.
func (d *Database) GetNextSite(cur *PerSite) *PerSite {
	d.siteOrderMu.Lock()
	defer d.siteOrderMu.Unlock()
	return d.siteOrder.nextNonEmpty(cur)
}

// All returns the chronological primary list.
func (d *Database) All() *AllRecords { return d.all }

// SelectList picks the best list for f: a single-site filter routes
// straight to that PerSite list (whose membership already guarantees the
// site predicate, so it is cleared from f as redundant) and returns a
// lease on it; otherwise the chronological AllRecords list is used and no
// lease is needed.
func (d *Database) SelectList(f *Filter) (RecordList, *PerSite) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if site, ok := f.HasOneSite(); ok {
		ps := d.getOrCreatePerSiteLocked(site)
		ps.AddLease()
		f.ClearSites()
		return ps, ps
	}
	return d.all, nil
}

// PerSiteList returns the PerSite for site if it exists; it never creates
// one (SelectList does that for single-site filters).
func (d *Database) PerSiteList(site string) (*PerSite, bool) {
	return d.lookupPerSite(site)
}

// DeleteOlderThan pops records from AllRecords while older than cutoff,
// detaching each from its PerSite list as it goes.
func (d *Database) DeleteOlderThan(cutoffMicros int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, victim := range d.all.DeleteOlderThan(cutoffMicros) {
		d.detachEvicted(victim)
	}
}

// Compress shrinks skip-index deques via FixDeleted against the current
// all-list head and deletes expendable empty PerSite entries.
func (d *Database) Compress() {
	d.mu.Lock()
	defer d.mu.Unlock()
	front := d.all.First()
	var firstID uint64
	if front != nil {
		firstID = front.ID
	} else {
		firstID = ^uint64(0)
	}

	d.siteOrderMu.Lock()
	sites := d.siteOrder.snapshot()
	d.siteOrderMu.Unlock()

	for _, ps := range sites {
		if psFront := ps.First(); psFront != nil {
			ps.Skip.FixDeleted(psFront.ID)
		} else {
			ps.Skip.FixDeleted(firstID)
		}
		if ps.IsExpendable() {
			d.removeSite(ps)
		}
	}
}

// Clear drops all records and deletes expendable PerSite entries.
func (d *Database) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all.Clear()

	d.siteOrderMu.Lock()
	sites := d.siteOrder.snapshot()
	d.siteOrderMu.Unlock()

	for _, ps := range sites {
		ps.list.Init()
		if ps.IsExpendable() {
			d.removeSite(ps)
		}
	}
}

func (d *Database) removeSite(ps *PerSite) {
	shard := d.shardFor(ps.Site)
	shard.mu.Lock()
	delete(shard.sites, ps.Site)
	shard.mu.Unlock()

	d.siteOrderMu.Lock()
	d.siteOrder.remove(ps)
	d.siteOrderMu.Unlock()
}

// GetStats builds a Stats snapshot.
func (d *Database) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		MemoryCapacity: uint64(d.all.Arena.Capacity()),
		MemoryUsage:    uint64(d.all.Arena.Usage()),
		NRecords:       uint64(d.all.Len()),
		NReceived:      d.nReceived,
		NMalformed:     d.nMalformed,
		NDiscarded:     d.nDiscarded,
	}
}

// IncReceivedDropped bumps nReceived only, for a datagram that is dropped
// for a reason that still counts as "received". Instance does not call it:
// oversized UDP datagrams go through IncMalformed.
func (d *Database) IncReceivedDropped() {
	d.mu.Lock()
	d.nReceived++
	d.mu.Unlock()
}

// IncMalformed bumps nMalformed for a datagram that failed to parse before
// ever reaching Emplace (e.g. truncated UDP reads).
func (d *Database) IncMalformed() {
	d.mu.Lock()
	d.nMalformed++
	d.mu.Unlock()
}
