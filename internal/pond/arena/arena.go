// Package arena implements the fixed-capacity byte region at the bottom
// of the store: a contiguous ring holding variable-sized records in
// insertion order, evicting from the oldest end whenever a new record
// does not fit.
//
// The backing allocation is an anonymous mapping (github.com/edsrzf/
// mmap-go) rather than a plain Go slice so madvise hints apply to it:
// the region is excluded from core dumps and marked for transparent huge
// pages where the kernel supports them.
package arena

import (
	"container/list"
	"encoding/binary"
	"fmt"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"pond/internal/pond/logwire"
	"pond/internal/pond/record"
)

// frameHeaderSize is the {id u64, size u32} header the arena writes before
// every record body in the byte ring.
const frameHeaderSize = 8 + 4

// MinCapacity is the smallest arena size accepted; smaller configured
// values are rounded up to it.
const MinCapacity = 64 * 1024

// ErrRecordTooLarge is returned by EmplaceBack and CheckEmplaceBack when a single record (with its
// framing header) would not fit even in an empty arena. The caller must
// treat this as a protocol error and drop the record, not a fatal error.
var ErrRecordTooLarge = fmt.Errorf("arena: record too large for capacity")

// ErrRejected is returned by CheckEmplaceBack when the precheck callback
// declines to commit the record (used for rate limiting).
var ErrRejected = fmt.Errorf("arena: record rejected by precheck")

// Arena owns the backing allocation for its lifetime and the chronological
// all-order linked list over the records it currently holds.
type Arena struct {
	data     mmap.MMap
	capacity int

	head, tail int // byte offsets into data, tail is the next free byte
	used       int

	order  *list.List // all-order list of *record.Record, oldest at Front
	lastID uint64
}

// New allocates an arena of the given capacity (rounded up to MinCapacity).
func New(capacity int) (*Arena, error) {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	m, err := mmap.MapRegion(nil, capacity, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap region: %w", err)
	}
	// Best-effort hints; failure here is not fatal, the arena still works
	// correctly as a plain anonymous mapping.
	_ = unix.Madvise(m, unix.MADV_DONTDUMP)
	_ = unix.Madvise(m, unix.MADV_HUGEPAGE)
	return &Arena{
		data:     m,
		capacity: capacity,
		order:    list.New(),
	}, nil
}

// Close unmaps the backing allocation. Safe to call once after the arena is
// no longer in use.
func (a *Arena) Close() error {
	return a.data.Unmap()
}

// Capacity returns the fixed arena capacity in bytes.
func (a *Arena) Capacity() int { return a.capacity }

// Usage returns the number of bytes currently occupied, header included.
func (a *Arena) Usage() int { return a.used }

// Len returns the number of live records.
func (a *Arena) Len() int { return a.order.Len() }

// First returns the oldest live record, or nil if empty.
func (a *Arena) First() *record.Record {
	if e := a.order.Front(); e != nil {
		return e.Value.(*record.Record)
	}
	return nil
}

// Last returns the newest live record, or nil if empty.
func (a *Arena) Last() *record.Record {
	if e := a.order.Back(); e != nil {
		return e.Value.(*record.Record)
	}
	return nil
}

// Next returns the record chronologically after r, or nil at the tail.
func (a *Arena) Next(r *record.Record) *record.Record {
	if n := r.AllElem.Next(); n != nil {
		return n.Value.(*record.Record)
	}
	return nil
}

// Prev returns the record chronologically before r, or nil at the head.
func (a *Arena) Prev(r *record.Record) *record.Record {
	if p := r.AllElem.Prev(); p != nil {
		return p.Value.(*record.Record)
	}
	return nil
}

// Precheck is invoked by CheckEmplaceBack once the candidate record's summary
// is known but before it is committed to the arena.
type Precheck func(summary logwire.Summary) bool

// EmplaceBack parses raw, evicts from the head until it fits, appends it,
// and returns the new record plus the records evicted to make room (oldest
// first), so the caller (Database) can detach evicted records from its
// secondary indexes.
func (a *Arena) EmplaceBack(raw []byte) (rec *record.Record, evicted []*record.Record, err error) {
	return a.checkEmplaceBack(raw, nil)
}

// CheckEmplaceBack is EmplaceBack's precheck variant: eviction happens
// first (to make room), then precheck runs on the not-yet-committed
// record's summary; if precheck returns false nothing is appended and
// ErrRejected is returned. The eviction that already happened to make
// room is not undone.
func (a *Arena) CheckEmplaceBack(raw []byte, precheck Precheck) (rec *record.Record, evicted []*record.Record, err error) {
	return a.checkEmplaceBack(raw, precheck)
}

func (a *Arena) checkEmplaceBack(raw []byte, precheck Precheck) (*record.Record, []*record.Record, error) {
	frameSize := frameHeaderSize + len(raw)
	if frameSize > a.capacity {
		return nil, nil, ErrRecordTooLarge
	}

	summary, perr := logwire.ParseSummary(raw)
	if perr != nil {
		return nil, nil, perr
	}

	var evicted []*record.Record
	// Evict until there is room, accounting for the possibility that the
	// write must skip to the start of the ring to keep a single record's
	// bytes contiguous (see writeFrame). The skipped tail region (pad) is
	// charged to the record written after it, so a later eviction of that
	// record reclaims the pad along with the frame.
	for {
		if a.used+a.framePadding(frameSize)+frameSize <= a.capacity {
			break
		}
		victim, ok := a.evictOne()
		if !ok {
			// Arena is empty yet still doesn't fit: capacity is smaller
			// than frameSize, already rejected above, so this cannot
			// happen in practice; guard anyway.
			return nil, evicted, ErrRecordTooLarge
		}
		evicted = append(evicted, victim)
	}

	if precheck != nil && !precheck(summary) {
		return nil, evicted, ErrRejected
	}

	pad := a.framePadding(frameSize)
	writeAt := a.tail
	if pad > 0 {
		writeAt = 0
	}

	a.lastID++
	id := a.lastID
	a.writeFrame(writeAt, id, raw)
	a.tail = writeAt + frameSize
	if a.tail == a.capacity {
		a.tail = 0
	}
	a.used += pad + frameSize

	// Raw is a view into the mapping, not a copy: the ring is the one
	// backing store for every payload, and readers hold the database
	// read lock for as long as they need the bytes.
	bodyStart := writeAt + frameHeaderSize
	rec := &record.Record{
		ID:      id,
		Raw:     a.data[bodyStart : bodyStart+len(raw) : bodyStart+len(raw)],
		Summary: summary,
	}
	rec.SetFrameSize(pad + frameSize)
	rec.AllElem = a.order.PushBack(rec)
	return rec, evicted, nil
}

// framePadding reports how many unusable bytes sit between the current
// tail and the end of the ring when a frame of frameSize must wrap to
// offset 0 to stay contiguous; zero when the frame fits in place.
func (a *Arena) framePadding(frameSize int) int {
	if a.tail+frameSize > a.capacity {
		return a.capacity - a.tail
	}
	return 0
}

// writeFrame stores the {id,size} header followed by raw at offset.
func (a *Arena) writeFrame(offset int, id uint64, raw []byte) {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], id)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(raw)))
	copy(a.data[offset:], hdr[:])
	copy(a.data[offset+frameHeaderSize:], raw)
}

// evictOne pops the oldest live record, returning it, or false if the
// arena holds no records.
func (a *Arena) evictOne() (*record.Record, bool) {
	front := a.order.Front()
	if front == nil {
		return nil, false
	}
	rec := front.Value.(*record.Record)
	a.order.Remove(front)
	a.used -= rec.FrameSize()
	a.head = (a.head + rec.FrameSize()) % a.capacity
	if a.order.Len() == 0 {
		a.head, a.tail = 0, 0
	}
	return rec, true
}

// PopFront evicts the oldest live record unconditionally. Returns false
// if the arena is empty.
func (a *Arena) PopFront() (*record.Record, bool) {
	return a.evictOne()
}

// Clear drops every record, matching Database.Clear's arena-side effect.
func (a *Arena) Clear() {
	a.order.Init()
	a.head, a.tail, a.used = 0, 0, 0
}
