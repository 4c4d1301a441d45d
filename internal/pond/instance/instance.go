// Package instance wires the socket plumbing — UDP receiver, TCP query
// listener, Zeroconf publication/discovery — around the engine in
// internal/pond/core, internal/pond/selection, and
// internal/pond/connection.
//
// Each listening socket gets its own goroutine, plus one per Connection
// (see package connection's doc comment); Instance itself only holds the
// shared state those goroutines all touch: the Database, the at-most-one
// blocking-operation slot, and the retention/compress timers.
package instance

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"pond/internal/pond/clone"
	"pond/internal/pond/config"
	"pond/internal/pond/connection"
	"pond/internal/pond/core"
	"pond/internal/pond/logwire"
	"pond/internal/pond/metrics"
	"pond/internal/pond/pondlog"
)

// retentionInterval and compressInterval drive the two independent
// tickers: a coarse ~60s DeleteOlderThan sweep and a separate, less
// frequent Compress pass.
const (
	retentionInterval = 60 * time.Second
	compressInterval  = time.Hour
)

// Instance is the process-wide owner of the Database, the TCP/UDP
// sockets, the connection set, and at most one blocking operation.
type Instance struct {
	cfg *config.Config
	db  *core.Database

	dialer clone.Dialer

	udpConn net.PacketConn
	tcpLn   net.Listener

	mu          sync.Mutex
	blocking    clone.Operation
	zcServer    *zeroconf.Server
	connections map[*connection.Connection]struct{}

	stopRetention chan struct{}
	wg            sync.WaitGroup
}

// New builds an Instance around a fresh Database sized and rate-limited per
// cfg. Callers start ingestion and query service with ListenUDP and
// ListenTCP.
func New(cfg *config.Config, clock core.Clock) (*Instance, error) {
	db, err := core.NewDatabase(cfg.DatabaseSize, cfg.PerSiteRateLimit, clock)
	if err != nil {
		return nil, err
	}
	dialer, err := clone.BuildDialer("tcp", 5*time.Second)
	if err != nil {
		return nil, err
	}
	metrics.MemoryCapacityBytes.Set(float64(db.GetStats().MemoryCapacity))
	return &Instance{
		cfg:           cfg,
		db:            db,
		dialer:        dialer,
		connections:   make(map[*connection.Connection]struct{}),
		stopRetention: make(chan struct{}),
	}, nil
}

// Database returns the instance's Database, mainly for tests and the
// shutdown summary in main.
func (in *Instance) Database() *core.Database { return in.db }

// --- BlockingOps (connection.BlockingOps) ---

// IsBlocked reports whether a Clone/AutoClone operation currently holds
// the instance; at most one may run at a time.
func (in *Instance) IsBlocked() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.blocking != nil
}

// StartClone begins a CLONE against address, refusing if an operation is
// already running. onFinished is invoked exactly once, from a goroutine,
// when the clone completes or fails.
func (in *Instance) StartClone(address string, onFinished func(error)) error {
	in.mu.Lock()
	if in.blocking != nil {
		in.mu.Unlock()
		return errBlocked
	}
	in.disableZeroconfLocked()
	op, err := clone.StartClone(in.dialer, address, in.db, func(err error) {
		in.onOperationFinished(err)
		if onFinished != nil {
			onFinished(err)
		}
	})
	if err != nil {
		in.enableZeroconfLocked()
		in.mu.Unlock()
		metrics.CloneOperationsTotal.WithLabelValues("error").Inc()
		return err
	}
	in.blocking = op
	in.mu.Unlock()
	return nil
}

// CancelBlockingOperation aborts whatever Clone/AutoClone operation is
// running, a no-op if none is.
func (in *Instance) CancelBlockingOperation() {
	in.mu.Lock()
	op := in.blocking
	in.mu.Unlock()
	if op == nil {
		return
	}
	op.Cancel()
	// AutoCloneOperation.Cancel does not report back through
	// onOperationFinished, so the slot is released here.
	if _, ok := op.(*clone.AutoCloneOperation); ok {
		in.mu.Lock()
		if in.blocking == op {
			in.blocking = nil
			in.enableZeroconfLocked()
		}
		in.mu.Unlock()
	}
}

func (in *Instance) onOperationFinished(err error) {
	in.mu.Lock()
	in.blocking = nil
	in.enableZeroconfLocked()
	in.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CloneOperationsTotal.WithLabelValues(outcome).Inc()
}

var errBlocked = errors.New("instance: already running a blocking operation")

// --- AdminChecker ---

// IsLocalAdmin implements connection.AdminChecker via SO_PEERCRED.
func (in *Instance) IsLocalAdmin(conn net.Conn) bool {
	return isLocalAdmin(conn)
}

// --- Zeroconf ---

// StartAutoClone runs startup replication: browse for peers advertising
// service and clone from whichever has the most records.
func (in *Instance) StartAutoClone(service string) {
	in.mu.Lock()
	if in.blocking != nil {
		in.mu.Unlock()
		pondlog.Warnf("auto_clone: instance already blocked, skipping")
		return
	}
	in.disableZeroconfLocked()
	op, err := clone.StartAutoClone(in.dialer, in.db, service, in.onOperationFinished)
	if err != nil {
		pondlog.Warnf("auto_clone: %v", err)
		in.enableZeroconfLocked()
		in.mu.Unlock()
		return
	}
	in.blocking = op
	in.mu.Unlock()
}

// enableZeroconfLocked (re-)publishes the TCP listener under
// cfg.AutoCloneZeroconfService, if configured and not currently blocked.
// mu must be held.
func (in *Instance) enableZeroconfLocked() {
	if in.cfg.AutoCloneZeroconfService == "" || in.tcpLn == nil || in.zcServer != nil || in.blocking != nil {
		return
	}
	port := in.tcpLn.Addr().(*net.TCPAddr).Port
	name, err := os.Hostname()
	if err != nil {
		name = "pond"
	}
	server, err := zeroconf.Register(name, in.cfg.AutoCloneZeroconfService, "local.", port, nil, nil)
	if err != nil {
		pondlog.Warnf("zeroconf: register failed: %v", err)
		return
	}
	in.zcServer = server
}

// disableZeroconfLocked withdraws the Zeroconf advertisement; a running
// blocking operation suppresses discovery. mu must be held.
func (in *Instance) disableZeroconfLocked() {
	if in.zcServer != nil {
		in.zcServer.Shutdown()
		in.zcServer = nil
	}
}

// --- UDP receiver ---

// receiveBufferSize is the SO_RCVBUF size requested for the UDP receiver,
// absorbing ingest bursts while the process is busy.
const receiveBufferSize = 4 * 1024 * 1024

// ListenUDP opens the log-ingestion receiver on addr and starts its read
// loop in a new goroutine.
func (in *Instance) ListenUDP(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	setUDPRecvBuffer(conn, receiveBufferSize)
	in.udpConn = conn

	in.wg.Add(1)
	go in.udpLoop(conn)
	return nil
}

func (in *Instance) udpLoop(conn net.PacketConn) {
	defer in.wg.Done()
	buf := make([]byte, logwire.MaxDatagramSize+1)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		in.onUDPDatagram(buf[:n])
	}
}

// onUDPDatagram ingests one datagram: a read of MaxDatagramSize bytes or
// more is assumed kernel-truncated and malformed; while a blocking
// operation runs, datagrams are dropped without incrementing any counter.
func (in *Instance) onUDPDatagram(b []byte) {
	if in.IsBlocked() {
		return
	}
	if len(b) >= logwire.MaxDatagramSize {
		in.db.IncMalformed()
		metrics.RecordsMalformedTotal.Inc()
		return
	}
	rec, err := in.db.CheckEmplace(b)
	metrics.RecordsReceivedTotal.Inc()
	if err != nil {
		metrics.RecordsMalformedTotal.Inc()
		return
	}
	if rec == nil {
		metrics.RecordsDiscardedTotal.Inc()
		return
	}
	stats := in.db.GetStats()
	metrics.RecordsTotal.Set(float64(stats.NRecords))
	metrics.MemoryUsageBytes.Set(float64(stats.MemoryUsage))
}

// --- TCP listener ---

// ListenTCP opens the query/control listener on addr and starts its accept
// loop in a new goroutine. If cfg.AutoCloneZeroconfService is set, the
// listener is also published via Zeroconf.
func (in *Instance) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	in.tcpLn = ln

	in.mu.Lock()
	in.enableZeroconfLocked()
	in.mu.Unlock()

	in.wg.Add(1)
	go in.acceptLoop(ln)
	return nil
}

func (in *Instance) acceptLoop(ln net.Listener) {
	defer in.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := connection.New(conn, in.db, in, in)
		in.mu.Lock()
		in.connections[c] = struct{}{}
		in.mu.Unlock()
		metrics.ConnectionsActive.Inc()

		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			c.Serve()
			in.mu.Lock()
			delete(in.connections, c)
			in.mu.Unlock()
			metrics.ConnectionsActive.Dec()
		}()
	}
}

// --- Retention / compress timers ---

// StartRetentionTimers starts the two independent tickers: a ~60s
// DeleteOlderThan(now - maxAge) sweep (only if maxAge > 0) and an hourly
// Compress.
func (in *Instance) StartRetentionTimers(maxAge time.Duration, clock core.Clock) {
	in.wg.Add(1)
	go in.retentionLoop(maxAge, clock)
}

func (in *Instance) retentionLoop(maxAge time.Duration, clock core.Clock) {
	defer in.wg.Done()
	retention := time.NewTicker(retentionInterval)
	compress := time.NewTicker(compressInterval)
	defer retention.Stop()
	defer compress.Stop()

	for {
		select {
		case <-in.stopRetention:
			return
		case <-retention.C:
			if maxAge > 0 {
				cutoff := clock.System().Add(-maxAge)
				in.db.DeleteOlderThan(cutoff.UnixMicro())
			}
		case <-compress.C:
			in.db.Compress()
		}
	}
}

// --- Shutdown ---

// Close stops the retention timers, Zeroconf, and listeners, and waits
// for all connection goroutines to exit.
func (in *Instance) Close() {
	close(in.stopRetention)

	in.mu.Lock()
	if in.blocking != nil {
		in.blocking.Cancel()
		in.blocking = nil
	}
	in.disableZeroconfLocked()
	in.mu.Unlock()

	if in.udpConn != nil {
		_ = in.udpConn.Close()
	}
	if in.tcpLn != nil {
		_ = in.tcpLn.Close()
	}

	in.wg.Wait()
}

// setUDPRecvBuffer requests a larger kernel receive buffer; failure is
// logged and otherwise ignored, since the receiver still works correctly
// with the kernel's default.
func setUDPRecvBuffer(conn net.PacketConn, bytes int) {
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return
	}
	if err := udp.SetReadBuffer(bytes); err != nil {
		pondlog.Warnf("udp: SetReadBuffer(%d) failed: %v", bytes, err)
	}
}
