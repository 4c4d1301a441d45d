// Package connection implements the per-TCP-peer request state machine:
// framing, the FILTER_*/QUERY/COMMIT/CANCEL protocol, the write loop, and
// the admin gate for CLONE/INJECT_LOG_RECORD.
//
// net.Conn.Write blocks until every byte is written or an error occurs
// (the io.Writer contract), so there is no short-send residue to buffer:
// a dedicated per-connection writer goroutine driven by a wake channel
// plays the role of write scheduling, and a single write mutex keeps
// inline ERROR frames (sent from the read loop) and batched LOG_RECORD
// frames (sent from the writer goroutine) from interleaving on the wire.
package connection

import (
	"io"
	"net"
	"sync"
	"time"

	"pond/internal/pond/core"
	"pond/internal/pond/logwire"
	"pond/internal/pond/metrics"
	"pond/internal/pond/pondlog"
	"pond/internal/pond/protocol"
	"pond/internal/pond/record"
	"pond/internal/pond/selection"
)

const writeBatch = 256

// skipYield bounds how many WINDOW-skip steps run per write-loop turn, so
// a huge skip value cannot pin the database read lock for a whole pass.
const skipYield = 1 << 20

// BlockingOps is Instance's administrative-operation surface, as seen by a
// Connection: starting a Clone, and cancelling whatever is running.
type BlockingOps interface {
	IsBlocked() bool
	StartClone(address string, onFinished func(error)) error
	CancelBlockingOperation()
}

// AdminChecker decides whether conn's peer may issue the administrative
// CLONE/INJECT_LOG_RECORD commands.
type AdminChecker interface {
	IsLocalAdmin(conn net.Conn) bool
}

// Connection owns one TCP peer's request-builder state, Selection, and
// append-listener registration.
type Connection struct {
	conn  net.Conn
	db    *core.Database
	ops   BlockingOps
	admin AdminChecker

	writeMu sync.Mutex

	mu      sync.Mutex
	current requestState
	sel     *selection.Selection
	reg     *registration // non-nil while registered on sel's list
	wake    chan struct{}
	done    chan struct{}
}

// registration is one AddListener call's identity. Fan-out runs against a
// snapshot of the listener set, so a callback can arrive after this
// connection has cancelled its request and registered again for a new one;
// keying the set on a per-request wrapper instead of the Connection itself
// means such a stale callback can only ever unregister its own, already
// dead registration.
type registration struct{ c *Connection }

// OnAppend implements core.AppendListener.
func (l *registration) OnAppend(r *record.Record) bool {
	return l.c.onAppend(l, r)
}

// New constructs a Connection. Callers must invoke Serve to drive it.
func New(conn net.Conn, db *core.Database, ops BlockingOps, admin AdminChecker) *Connection {
	return &Connection{
		conn:  conn,
		db:    db,
		ops:   ops,
		admin: admin,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Serve runs the read loop and writer goroutine until the connection
// closes. It blocks until the connection is done.
func (c *Connection) Serve() {
	go c.writerLoop()
	defer c.teardown()

	hdr := make([]byte, protocol.HeaderSize)
	for {
		if _, err := io.ReadFull(c.conn, hdr); err != nil {
			return
		}
		h := protocol.DecodeHeader(hdr)
		payload := make([]byte, h.Size)
		if h.Size > 0 {
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				return
			}
		}
		if proto := c.handlePacket(h, payload); proto != nil {
			c.sendError(h.ID, proto.Message)
		}
	}
}

func (c *Connection) teardown() {
	close(c.done)
	c.mu.Lock()
	c.unscheduleCurrentLocked()
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Connection) writerLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			c.writeTurn()
		}
	}
}

func (c *Connection) scheduleWrite() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// handlePacket dispatches one request frame: a *protocol.ProtoError
// return means "send ERROR, clear state, keep the connection open"; nil
// means handled (including deliberate silent drops).
func (c *Connection) handlePacket(h protocol.Header, payload []byte) *protocol.ProtoError {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.ignoreID(h.ID) {
		return nil
	}

	proto := c.dispatchLocked(h, payload)
	if proto != nil && c.current.matchID(h.ID) {
		// An ERROR aborts the request outright; a later packet for the
		// same id is silently dropped instead of reviving it.
		c.unscheduleCurrentLocked()
		c.current.abort()
	}
	return proto
}

func (c *Connection) dispatchLocked(h protocol.Header, payload []byte) *protocol.ProtoError {
	cmd := protocol.RequestCommand(h.Command)
	switch cmd {
	case protocol.ReqNOP:
		return nil

	case protocol.ReqQUERY:
		c.unscheduleCurrentLocked()
		c.current.reset(h.ID, cmd)
		return nil

	case protocol.ReqCLONE:
		if len(payload) == 0 || hasNUL(payload) {
			return protocol.NewProtoError("Malformed CLONE")
		}
		c.unscheduleCurrentLocked()
		c.current.reset(h.ID, cmd)
		c.current.address = string(payload)
		return nil

	case protocol.ReqSTATS:
		stats := c.db.GetStats()
		p := protocol.StatsPayload{
			MemoryCapacity: stats.MemoryCapacity,
			MemoryUsage:    stats.MemoryUsage,
			NRecords:       stats.NRecords,
			NReceived:      stats.NReceived,
			NMalformed:     stats.NMalformed,
			NDiscarded:     stats.NDiscarded,
		}
		c.writeFrame(h.ID, protocol.RespSTATS, p.Encode())
		return nil

	case protocol.ReqCOMMIT:
		return c.onCommitLocked(h.ID)

	case protocol.ReqCANCEL:
		c.cancelLocked()
		return nil

	case protocol.ReqCANCEL_OPERATION:
		c.ops.CancelBlockingOperation()
		return nil

	case protocol.ReqINJECT_LOG_RECORD:
		if c.ops.IsBlocked() {
			return protocol.NewProtoError("Blocked")
		}
		if !c.admin.IsLocalAdmin(c.conn) {
			return protocol.NewProtoError("Forbidden")
		}
		// Injection is a debugging aid, not an ingest path: parse
		// failures are swallowed and neither received nor malformed
		// counters move.
		_, _ = c.db.EmplaceNoCount(payload)
		return nil
	}

	// Everything below is a FILTER_*/FOLLOW/CONTINUE/LAST/GROUP_SITE/WINDOW
	// refinement, only valid while building a QUERY.
	if !c.current.matchID(h.ID) || c.current.command != protocol.ReqQUERY {
		return protocol.NewProtoError("Misplaced %s", cmd)
	}
	return c.applyFilterCommandLocked(cmd, payload)
}

func (c *Connection) applyFilterCommandLocked(cmd protocol.RequestCommand, payload []byte) *protocol.ProtoError {
	f := &c.current.filter
	switch cmd {
	case protocol.ReqFILTER_SITE:
		if len(payload) == 0 || hasNUL(payload) {
			return protocol.NewProtoError("Malformed FILTER_SITE")
		}
		if c.current.hasGroupSite {
			return protocol.NewProtoError("FILTER_SITE and GROUP_SITE are mutually exclusive")
		}
		if f.Sites != nil {
			return protocol.NewProtoError("Duplicate FILTER_SITE")
		}
		f.Sites = map[string]struct{}{string(payload): {}}
		return nil

	case protocol.ReqGROUP_SITE:
		if len(f.Sites) > 0 {
			return protocol.NewProtoError("FILTER_SITE and GROUP_SITE are mutually exclusive")
		}
		if c.current.follow {
			return protocol.NewProtoError("FOLLOW and GROUP_SITE are mutually exclusive")
		}
		if c.current.continueMode {
			return protocol.NewProtoError("CONTINUE and GROUP_SITE are mutually exclusive")
		}
		if c.current.hasGroupSite {
			return protocol.NewProtoError("Duplicate GROUP_SITE")
		}
		gs, err := protocol.DecodeGroupSitePayload(payload)
		if err != nil || gs.MaxSites == 0 {
			return protocol.NewProtoError("Malformed GROUP_SITE")
		}
		c.current.hasGroupSite = true
		c.current.groupSite = gs
		return nil

	case protocol.ReqFOLLOW:
		if c.current.hasGroupSite {
			return protocol.NewProtoError("FOLLOW and GROUP_SITE are mutually exclusive")
		}
		if c.current.continueMode {
			return protocol.NewProtoError("FOLLOW and CONTINUE are mutually exclusive")
		}
		if c.current.hasWindow {
			return protocol.NewProtoError("FOLLOW and WINDOW are mutually exclusive")
		}
		c.current.follow = true
		return nil

	case protocol.ReqCONTINUE:
		if c.current.follow {
			return protocol.NewProtoError("FOLLOW and CONTINUE are mutually exclusive")
		}
		if c.current.hasWindow {
			return protocol.NewProtoError("CONTINUE and WINDOW are mutually exclusive")
		}
		if c.current.hasGroupSite {
			return protocol.NewProtoError("CONTINUE and GROUP_SITE are mutually exclusive")
		}
		c.current.continueMode = true
		return nil

	case protocol.ReqWINDOW:
		if c.current.follow {
			return protocol.NewProtoError("FOLLOW and WINDOW are mutually exclusive")
		}
		if c.current.continueMode {
			return protocol.NewProtoError("CONTINUE and WINDOW are mutually exclusive")
		}
		if c.current.hasWindow {
			return protocol.NewProtoError("Duplicate WINDOW")
		}
		w, err := protocol.DecodeWindowPayload(payload)
		if err != nil {
			return protocol.NewProtoError("Malformed WINDOW")
		}
		c.current.hasWindow = true
		c.current.window = w
		return nil

	case protocol.ReqLAST:
		// LAST combined with FOLLOW/CONTINUE is not rejected, whatever the
		// order: with FOLLOW it has no effect (the query starts past the
		// tail); with CONTINUE the query starts at the last matching record
		// and then waits for appends.
		c.current.last = true
		return nil

	case protocol.ReqFILTER_SINCE:
		v, err := protocol.DecodeU64(payload)
		if err != nil {
			return protocol.NewProtoError("Malformed FILTER_SINCE")
		}
		f.Timestamp.HasSince = true
		f.Timestamp.Since = time.UnixMicro(int64(v))
		return nil

	case protocol.ReqFILTER_UNTIL:
		v, err := protocol.DecodeU64(payload)
		if err != nil {
			return protocol.NewProtoError("Malformed FILTER_UNTIL")
		}
		f.Timestamp.HasUntil = true
		f.Timestamp.Until = time.UnixMicro(int64(v))
		return nil

	case protocol.ReqFILTER_TYPE:
		v, err := protocol.DecodeU8(payload)
		if err != nil {
			return protocol.NewProtoError("Malformed FILTER_TYPE")
		}
		f.Type = logwire.LogType(v)
		return nil

	case protocol.ReqFILTER_HTTP_STATUS:
		v, err := protocol.DecodeHTTPStatusPayload(payload)
		if err != nil {
			return protocol.NewProtoError("Malformed FILTER_HTTP_STATUS")
		}
		f.HasHTTPStatus = true
		f.HTTPStatusBegin, f.HTTPStatusEnd = v.Begin, v.End
		return nil

	case protocol.ReqFILTER_HTTP_URI_STARTS_WITH:
		if len(payload) == 0 || hasNUL(payload) {
			return protocol.NewProtoError("Malformed FILTER_HTTP_URI_STARTS_WITH")
		}
		f.HTTPURIStartsWith = string(payload)
		return nil

	case protocol.ReqFILTER_HTTP_URI:
		if hasNUL(payload) {
			return protocol.NewProtoError("Malformed FILTER_HTTP_URI")
		}
		f.HTTPURIEquals = string(payload)
		return nil

	case protocol.ReqFILTER_HOST:
		if hasNUL(payload) {
			return protocol.NewProtoError("Malformed FILTER_HOST")
		}
		if f.Hosts == nil {
			f.Hosts = make(map[string]struct{})
		}
		f.Hosts[string(payload)] = struct{}{}
		return nil

	case protocol.ReqFILTER_GENERATOR:
		if hasNUL(payload) {
			return protocol.NewProtoError("Malformed FILTER_GENERATOR")
		}
		if f.Generators == nil {
			f.Generators = make(map[string]struct{})
		}
		f.Generators[string(payload)] = struct{}{}
		return nil

	case protocol.ReqFILTER_DURATION_LONGER:
		v, err := protocol.DecodeU64(payload)
		if err != nil {
			return protocol.NewProtoError("Malformed FILTER_DURATION_LONGER")
		}
		f.HasDurationLonger = true
		f.DurationLonger = time.Duration(v) * time.Microsecond
		return nil

	case protocol.ReqFILTER_HTTP_METHOD_UNSAFE:
		f.HTTPMethodUnsafe = true
		return nil

	case protocol.ReqFILTER_HTTP_METHODS:
		v, err := protocol.DecodeU32(payload)
		if err != nil {
			return protocol.NewProtoError("Malformed FILTER_HTTP_METHODS")
		}
		f.HasHTTPMethodMask = true
		f.HTTPMethodMask = logwire.Method(v)
		return nil
	}

	return protocol.NewProtoError("Misplaced %s", cmd)
}

// onCommitLocked implements COMMIT: for QUERY it builds a Selection and
// schedules writes (commitQueryLocked); for CLONE it runs the
// administrative snapshot clone. Anything else is "Misplaced COMMIT".
func (c *Connection) onCommitLocked(id uint16) *protocol.ProtoError {
	if !c.current.matchID(id) {
		return protocol.NewProtoError("Misplaced COMMIT")
	}
	switch c.current.command {
	case protocol.ReqQUERY:
		c.commitQueryLocked()
		return nil
	case protocol.ReqCLONE:
		return c.commitCloneLocked()
	default:
		return protocol.NewProtoError("Misplaced COMMIT")
	}
}

func (c *Connection) commitQueryLocked() {
	f := &c.current.filter

	if c.current.follow {
		list, lease := c.db.SelectList(f)
		sel := selection.New(list, f, lease)
		c.sel = sel
		// Anchor past the tail and register in one read section: commits
		// take the database write lock, so nothing can be appended (and
		// missed) between the anchor and the listener being in the set.
		c.db.View(func() {
			sel.StartPastEnd()
			c.registerListenerLocked()
		})
		return
	}

	if c.current.hasGroupSite {
		var site *core.PerSite
		c.db.View(func() {
			site = c.db.GetFirstSite(int(c.current.groupSite.SkipSites))
			if site == nil {
				return
			}
			site.AddLease()
			c.current.siteIter = site
			if c.current.groupSite.MaxSites > 0 {
				c.current.groupSite.MaxSites--
			}
			sel := selection.New(site, f, site)
			sel.Rewind()
			c.sel = sel
		})
		if site == nil {
			c.writeFrame(c.current.id, protocol.RespEND, nil)
			c.current.clear()
			return
		}
		c.scheduleWrite()
		return
	}

	list, lease := c.db.SelectList(f)
	sel := selection.New(list, f, lease)
	c.db.View(func() {
		if c.current.last {
			sel.SeekLast()
		} else {
			sel.Rewind()
		}
	})
	c.sel = sel
	c.scheduleWrite()
}

func (c *Connection) commitCloneLocked() *protocol.ProtoError {
	if c.ops.IsBlocked() {
		return protocol.NewProtoError("Blocked")
	}
	if !c.admin.IsLocalAdmin(c.conn) {
		return protocol.NewProtoError("Forbidden")
	}
	addr := c.current.address
	id := c.current.id
	if err := c.ops.StartClone(addr, func(err error) {
		if err != nil {
			pondlog.Warnf("clone from %s failed: %v", addr, err)
		}
	}); err != nil {
		return protocol.NewProtoError("CLONE error: %v", err)
	}
	c.writeFrame(id, protocol.RespEND, nil)
	c.current.clear()
	return nil
}

// writeTurn runs one turn of the write loop: cursor work under mu (inside
// a Database.View read section, so borrowed record pointers cannot be
// evicted out from under the cursor), socket writes after both are
// released — a slow peer therefore never stalls the fanout path or
// ingest. Record.Raw is a view into the arena ring, so the gather copies
// each payload while the view still pins it; the copies stay valid while
// the (possibly slow) writes drain.
func (c *Connection) writeTurn() {
	c.mu.Lock()
	if !c.current.active || c.sel == nil {
		c.mu.Unlock()
		return
	}
	id := c.current.id

	var raws [][]byte
	sendEnd := false

	c.db.View(func() {
		sel := c.sel
		sel.FixDeleted()

		if c.current.hasWindow {
			skipped := 0
			for c.current.window.Skip > 0 && sel.IsDefined() {
				sel.Advance()
				c.current.window.Skip--
				skipped++
				if skipped >= skipYield {
					c.scheduleWrite()
					return
				}
			}
		}

		for sel.IsDefined() && len(raws) < writeBatch {
			if c.current.hasWindow && c.current.window.Max == 0 {
				break
			}
			raws = append(raws, append([]byte(nil), sel.Current().Raw...))
			if c.current.hasWindow {
				c.current.window.Max--
			}
			sel.Advance()
		}

		if c.current.hasWindow && c.current.window.Max == 0 {
			sendEnd = true
			return
		}

		if !sel.IsDefined() && c.current.hasGroupSite && c.current.groupSite.MaxSites > 0 {
			if next := c.db.GetNextSite(c.current.siteIter); next != nil {
				next.AddLease()
				sel.Release()
				c.current.siteIter = next
				c.current.groupSite.MaxSites--
				newSel := selection.New(next, &c.current.filter, next)
				newSel.Rewind()
				c.sel = newSel
				c.scheduleWrite()
				return
			}
		}

		if sel.IsDefined() {
			c.scheduleWrite()
			return
		}

		if c.current.follow || c.current.continueMode {
			// Registering inside the view closes the race against a
			// record committed between "saw the list exhausted" and "the
			// listener is in the set": commits hold the database write
			// lock, which excludes this view.
			c.registerListenerLocked()
			return
		}

		sendEnd = true
	})

	if sendEnd {
		// The request is over; clear its state before the (possibly slow)
		// writes drain so a pipelined follow-up request is not blocked on
		// this peer's read pace.
		c.finishCurrentLocked()
	}
	c.mu.Unlock()

	for _, raw := range raws {
		c.writeFrame(id, protocol.RespLOG_RECORD, raw)
	}
	if sendEnd {
		c.writeFrame(id, protocol.RespEND, nil)
	}
}

// onAppend is the fan-out target while this Connection's Selection sits
// exhausted in follow/continue mode. A match re-anchors the Selection's
// cursor and schedules a write; the registration then drops out (returns
// false) since writeTurn re-registers once the Selection is exhausted
// again.
func (c *Connection) onAppend(reg *registration, r *record.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg != c.reg {
		return false
	}
	if c.sel == nil {
		c.markUnlistenedLocked()
		return false
	}
	// The filter may need r's raw bytes (a view into the arena ring), so
	// the match runs inside a read section that pins the record.
	matched := false
	c.db.View(func() { matched = c.sel.TryMatchAppend(r) })
	if matched {
		c.markUnlistenedLocked()
		c.scheduleWrite()
		return false
	}
	return true
}

func (c *Connection) registerListenerLocked() {
	if c.reg != nil {
		return
	}
	c.reg = &registration{c: c}
	metrics.FollowListenersActive.Inc()
	c.sel.List().AddListener(c.reg)
}

// markUnlistenedLocked records that the current registration is dead; the
// actual set removal is done by the caller (either the fanout's
// false-return path or unscheduleCurrentLocked).
func (c *Connection) markUnlistenedLocked() {
	if c.reg != nil {
		c.reg = nil
		metrics.FollowListenersActive.Dec()
	}
}

func (c *Connection) finishCurrentLocked() {
	c.unscheduleCurrentLocked()
	c.current.clear()
}

func (c *Connection) unscheduleCurrentLocked() {
	if c.sel != nil {
		if c.reg != nil {
			c.sel.List().RemoveListener(c.reg)
			c.markUnlistenedLocked()
		}
		c.sel.Release()
		c.sel = nil
	}
}

func (c *Connection) cancelLocked() {
	c.unscheduleCurrentLocked()
	c.current.abort()
}

func (c *Connection) sendError(id uint16, msg string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeLocked(protocol.Header{ID: id, Command: uint16(protocol.RespERROR)}, []byte(msg))
}

func (c *Connection) writeFrame(id uint16, cmd protocol.ResponseCommand, payload []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeLocked(protocol.Header{ID: id, Command: uint16(cmd)}, payload)
}

func (c *Connection) writeLocked(h protocol.Header, payload []byte) {
	h.Size = uint16(len(payload))
	hdr := h.Encode()
	buf := make([]byte, 0, len(hdr)+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	if _, err := c.conn.Write(buf); err != nil {
		pondlog.Warnf("write to %s failed: %v", c.conn.RemoteAddr(), err)
	}
}

func hasNUL(b []byte) bool {
	for _, ch := range b {
		if ch == 0 {
			return true
		}
	}
	return false
}
