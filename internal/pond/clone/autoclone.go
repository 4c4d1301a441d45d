package clone

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"pond/internal/pond/core"
	"pond/internal/pond/pondlog"
	"pond/internal/pond/protocol"
)

// initialTimeout is how long AutoClone waits for the first peer to answer
// before giving up entirely; once one peer has reported stats, the
// deadline shrinks to discoverMoreTimeout to let a couple more candidates
// in before picking a winner.
const (
	initialTimeout      = 90 * time.Second
	discoverMoreTimeout = 5 * time.Second
)

type autoCloneServer struct {
	key      string
	address  string
	client   *client
	nRecords uint64
	idle     bool
}

// AutoCloneOperation browses Zeroconf for peers advertising the same
// service, asks each for STATS, and after the discovery window clones
// from whichever peer reports the most records.
type AutoCloneOperation struct {
	dialer     Dialer
	db         *core.Database
	onFinished func(error)

	cancel context.CancelFunc

	mu      sync.Mutex
	servers map[string]*autoCloneServer
	timer   *time.Timer
	cloning bool
	done    bool
}

// StartAutoClone begins Zeroconf discovery of service and, after a
// discovery window, clones from the best-reporting peer.
func StartAutoClone(dialer Dialer, db *core.Database, service string, onFinished func(error)) (*AutoCloneOperation, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("clone: zeroconf resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)

	op := &AutoCloneOperation{
		dialer:     dialer,
		db:         db,
		onFinished: onFinished,
		cancel:     cancel,
		servers:    make(map[string]*autoCloneServer),
	}
	op.timer = time.AfterFunc(initialTimeout, op.onTimeout)

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		cancel()
		return nil, fmt.Errorf("clone: zeroconf browse: %w", err)
	}
	go op.consume(entries)

	return op, nil
}

func (op *AutoCloneOperation) consume(entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		if len(entry.AddrIPv4) == 0 {
			continue
		}
		address := net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
		op.onNewServer(entry.Instance, address)
	}
}

func (op *AutoCloneOperation) onNewServer(key, address string) {
	op.mu.Lock()
	if op.done {
		op.mu.Unlock()
		return
	}
	if _, ok := op.servers[key]; ok {
		op.mu.Unlock()
		return
	}
	if len(op.servers) == 0 {
		// the first candidate narrows the window
		op.timer.Reset(discoverMoreTimeout)
	}
	s := &autoCloneServer{key: key, address: address}
	op.servers[key] = s
	op.mu.Unlock()

	go op.probe(s)
}

func (op *AutoCloneOperation) probe(s *autoCloneServer) {
	conn, err := op.dialer.Dial(s.address)
	if err != nil {
		op.onServerError(s, err)
		return
	}
	c := newClient(conn)
	s.client = c

	id := c.makeID()
	if err := c.send(id, protocol.ReqSTATS, nil); err != nil {
		op.onServerError(s, err)
		return
	}
	for {
		fr, err := c.readFrame()
		if err != nil {
			op.onServerError(s, err)
			return
		}
		if fr.ID != id {
			continue
		}
		switch fr.Command {
		case protocol.RespSTATS:
			stats, err := protocol.DecodeStatsPayload(fr.Payload)
			if err != nil {
				op.onServerError(s, err)
				return
			}
			s.nRecords = stats.NRecords
			op.onServerStats(s)
			return
		case protocol.RespERROR:
			op.onServerError(s, errRemote{msg: string(fr.Payload)})
			return
		default:
			op.onServerError(s, fmt.Errorf("unexpected response during STATS probe"))
			return
		}
	}
}

func (op *AutoCloneOperation) onServerStats(s *autoCloneServer) {
	op.mu.Lock()
	defer op.mu.Unlock()
	s.idle = true
	pondlog.Infof("auto_clone: found server %q with %d records", s.key, s.nRecords)
}

func (op *AutoCloneOperation) onServerError(s *autoCloneServer, err error) {
	op.mu.Lock()
	pondlog.Warnf("auto_clone: server %q failed: %v", s.key, err)
	if s.client != nil {
		_ = s.client.conn.Close()
	}
	delete(op.servers, s.key)
	wasCloning := op.cloning
	empty := len(op.servers) == 0
	op.mu.Unlock()

	if wasCloning && empty {
		op.finish(err)
	}
}

func (op *AutoCloneOperation) onTimeout() {
	op.mu.Lock()
	if op.done {
		op.mu.Unlock()
		return
	}

	var best *autoCloneServer
	for key, s := range op.servers {
		if !s.idle {
			if s.client != nil {
				_ = s.client.conn.Close()
			}
			delete(op.servers, key)
			continue
		}
		if best == nil || s.nRecords > best.nRecords {
			best = s
		}
	}

	if best == nil {
		op.mu.Unlock()
		pondlog.Infof("auto_clone: no server found")
		op.finish(nil)
		return
	}

	for key, s := range op.servers {
		if s == best {
			continue
		}
		if s.client != nil {
			_ = s.client.conn.Close()
		}
		delete(op.servers, key)
	}

	pondlog.Infof("auto_clone: cloning from %q", best.key)
	op.cloning = true
	op.mu.Unlock()

	op.cloneFrom(best)
}

func (op *AutoCloneOperation) cloneFrom(s *autoCloneServer) {
	defer s.client.conn.Close()

	id := s.client.makeID()
	if err := s.client.send(id, protocol.ReqQUERY, nil); err != nil {
		op.finish(err)
		return
	}
	if err := s.client.send(id, protocol.ReqCOMMIT, nil); err != nil {
		op.finish(err)
		return
	}

	pendingClear := true
	for {
		fr, err := s.client.readFrame()
		if err != nil {
			op.finish(err)
			return
		}
		if fr.ID != id {
			continue
		}
		switch fr.Command {
		case protocol.RespNOP:

		case protocol.RespERROR:
			op.finish(errRemote{msg: string(fr.Payload)})
			return

		case protocol.RespEND:
			pondlog.Infof("auto_clone: finished")
			op.finish(nil)
			return

		case protocol.RespLOG_RECORD:
			if pendingClear {
				pendingClear = false
				op.db.Clear()
			}
			if _, err := op.db.Emplace(fr.Payload); err != nil {
				pondlog.Warnf("failed to parse datagram during auto_clone: %v", err)
			}

		case protocol.RespSTATS:
			op.finish(fmt.Errorf("unexpected STATS response during auto_clone"))
			return
		}
	}
}

func (op *AutoCloneOperation) finish(err error) {
	op.mu.Lock()
	if op.done {
		op.mu.Unlock()
		return
	}
	op.done = true
	op.mu.Unlock()

	op.timer.Stop()
	op.cancel()
	op.onFinished(err)
}

// Cancel aborts discovery and any in-flight probes or clone, without
// invoking onFinished: the caller (Instance.CancelBlockingOperation)
// already treats the operation as over once Cancel returns.
func (op *AutoCloneOperation) Cancel() {
	op.mu.Lock()
	if op.done {
		op.mu.Unlock()
		return
	}
	op.done = true
	for _, s := range op.servers {
		if s.client != nil {
			_ = s.client.conn.Close()
		}
	}
	op.mu.Unlock()

	op.timer.Stop()
	op.cancel()
}
