package core

import (
	"container/list"
	"sync/atomic"

	"pond/internal/pond/record"
	"pond/internal/pond/timeskip"
)

// DefaultRateLimitRate disables per-site rate limiting.
const DefaultRateLimitRate = -1.0

// PerSite is a hashtable bucket keyed by site string: a chronological list
// of non-owning record references sharing that site, plus that site's own
// TimeSkipIndex, AppendListenerSet, and TokenBucket.
type PerSite struct {
	Site string

	list      *list.List // of *record.Record
	Skip      *timeskip.Index
	Listeners AppendListenerSet
	Bucket    *TokenBucket

	leases int32 // refcount held by Selections; guards collection

	// orderElem links this PerSite into Database's insertion-ordered site
	// list, used by GetFirstSite/GetNextSite (GROUP_SITE traversal).
	orderElem *list.Element
}

func newPerSite(site string, now float64) *PerSite {
	return &PerSite{
		Site:   site,
		list:   list.New(),
		Skip:   timeskip.New(),
		Bucket: NewTokenBucket(10, now), // burst is recomputed per-call from rate; seeded full.
	}
}

// PushBack appends rec (already owned by AllRecords) to this site's list.
// Listener fanout happens later, once Database has dropped its lock.
func (p *PerSite) PushBack(rec *record.Record) {
	rec.SiteElem = p.list.PushBack(rec)
	p.Skip.UpdateOnAppend(rec)
}

// Remove detaches rec from this site's list (called when the Arena evicts
// it from the all-list).
func (p *PerSite) Remove(rec *record.Record) {
	if rec.SiteElem != nil {
		p.list.Remove(rec.SiteElem)
		rec.SiteElem = nil
		if front := p.First(); front != nil {
			p.Skip.FixDeleted(front.ID)
		} else {
			p.Skip.FixDeleted(^uint64(0))
		}
	}
}

func (p *PerSite) First() *record.Record {
	if e := p.list.Front(); e != nil {
		return e.Value.(*record.Record)
	}
	return nil
}

func (p *PerSite) Last() *record.Record {
	if e := p.list.Back(); e != nil {
		return e.Value.(*record.Record)
	}
	return nil
}

func (p *PerSite) Next(r *record.Record) *record.Record {
	if r.SiteElem == nil {
		return nil
	}
	if n := r.SiteElem.Next(); n != nil {
		return n.Value.(*record.Record)
	}
	return nil
}

func (p *PerSite) Prev(r *record.Record) *record.Record {
	if r.SiteElem == nil {
		return nil
	}
	if pr := r.SiteElem.Prev(); pr != nil {
		return pr.Value.(*record.Record)
	}
	return nil
}

func (p *PerSite) Len() int { return p.list.Len() }

func (p *PerSite) SkipIndex() *timeskip.Index        { return p.Skip }
func (p *PerSite) AddListener(l AppendListener)      { p.Listeners.Add(l) }
func (p *PerSite) RemoveListener(l AppendListener)   { p.Listeners.Remove(l) }

// AddLease/RemoveLease are the shared-lease refcount: removal from the
// site map is left to the caller (Database) once the count hits zero and
// the list is empty.
func (p *PerSite) AddLease()    { atomic.AddInt32(&p.leases, 1) }
func (p *PerSite) RemoveLease() { atomic.AddInt32(&p.leases, -1) }

// IsExpendable reports whether this PerSite may be collected: empty list,
// no listeners, no outstanding leases.
func (p *PerSite) IsExpendable() bool {
	return p.list.Len() == 0 && p.Listeners.Len() == 0 && atomic.LoadInt32(&p.leases) == 0
}
