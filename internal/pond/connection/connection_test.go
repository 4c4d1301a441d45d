package connection

import (
	"io"
	"net"
	"testing"
	"time"

	"pond/internal/pond/core"
	"pond/internal/pond/logwire"
	"pond/internal/pond/protocol"
)

type fakeOps struct{}

func (fakeOps) IsBlocked() bool                                      { return false }
func (fakeOps) StartClone(addr string, onFinished func(error)) error { return nil }
func (fakeOps) CancelBlockingOperation()                             {}

type fakeAdmin struct{ allow bool }

func (a fakeAdmin) IsLocalAdmin(net.Conn) bool { return a.allow }

func newTestDatabase(t *testing.T) *core.Database {
	t.Helper()
	clock := core.NewManualClock(time.Unix(1700000000, 0))
	db, err := core.NewDatabase(1<<20, core.DefaultRateLimitRate, clock)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	return db
}

func encodeRecord(site string, ts time.Time) []byte {
	return logwire.Encode(&logwire.Full{
		Summary: logwire.Summary{
			Timestamp:    ts,
			HasTimestamp: true,
			Site:         site,
			HasSite:      true,
			Type:         logwire.TypeHTTPAccess,
		},
		HTTPURI:       "/x",
		HTTPStatus:    200,
		HasHTTPStatus: true,
		HTTPMethod:    logwire.MethodGET,
		HasHTTPMethod: true,
	})
}

func writeFrame(t *testing.T, conn net.Conn, id uint16, cmd protocol.RequestCommand, payload []byte) {
	t.Helper()
	h := protocol.Header{ID: id, Command: uint16(cmd), Size: uint16(len(payload))}
	b := h.Encode()
	buf := append(b[:], payload...)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn) (protocol.Header, []byte) {
	t.Helper()
	hdr := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h := protocol.DecodeHeader(hdr)
	payload := make([]byte, h.Size)
	if h.Size > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return h, payload
}

func newTestConnection(t *testing.T, db *core.Database) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := New(server, db, fakeOps{}, fakeAdmin{allow: true})
	done := make(chan struct{})
	go func() {
		c.Serve()
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return c, client
}

func TestQueryCommitReturnsAllRecordsThenEnd(t *testing.T) {
	db := newTestDatabase(t)
	for i := 0; i < 3; i++ {
		if _, err := db.Emplace(encodeRecord("alice", time.Unix(1700000000+int64(i), 0))); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}

	_, client := newTestConnection(t, db)
	defer client.Close()

	writeFrame(t, client, 1, protocol.ReqQUERY, nil)
	writeFrame(t, client, 1, protocol.ReqCOMMIT, nil)

	for i := 0; i < 3; i++ {
		h, payload := readFrame(t, client)
		if h.ID != 1 || protocol.ResponseCommand(h.Command) != protocol.RespLOG_RECORD {
			t.Fatalf("frame %d: got id=%d cmd=%d, want LOG_RECORD id=1", i, h.ID, h.Command)
		}
		if len(payload) == 0 {
			t.Fatalf("frame %d: empty payload", i)
		}
	}
	h, _ := readFrame(t, client)
	if protocol.ResponseCommand(h.Command) != protocol.RespEND {
		t.Fatalf("final frame command = %d, want END", h.Command)
	}
}

func TestFilterSiteNarrowsResults(t *testing.T) {
	db := newTestDatabase(t)
	for i := 0; i < 2; i++ {
		if _, err := db.Emplace(encodeRecord("alice", time.Unix(1700000000+int64(i), 0))); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}
	if _, err := db.Emplace(encodeRecord("bob", time.Unix(1700000010, 0))); err != nil {
		t.Fatalf("Emplace: %v", err)
	}

	_, client := newTestConnection(t, db)
	defer client.Close()

	writeFrame(t, client, 1, protocol.ReqQUERY, nil)
	writeFrame(t, client, 1, protocol.ReqFILTER_SITE, []byte("alice"))
	writeFrame(t, client, 1, protocol.ReqCOMMIT, nil)

	seen := 0
	for {
		h, payload := readFrame(t, client)
		if protocol.ResponseCommand(h.Command) == protocol.RespEND {
			break
		}
		full, err := logwire.ParseFull(payload)
		if err != nil {
			t.Fatalf("ParseFull: %v", err)
		}
		if full.Site != "alice" {
			t.Fatalf("got record for site %q, want alice", full.Site)
		}
		seen++
	}
	if seen != 2 {
		t.Fatalf("saw %d alice records, want 2", seen)
	}
}

// TestIgnoreIdRuleDropsPacketAfterError: once an id has been aborted by
// an ERROR response, a later packet bearing that same id is silently
// dropped rather than reviving the request.
func TestIgnoreIdRuleDropsPacketAfterError(t *testing.T) {
	db := newTestDatabase(t)

	_, client := newTestConnection(t, db)
	defer client.Close()

	writeFrame(t, client, 1, protocol.ReqQUERY, nil)
	// Malformed FILTER_SITE (empty payload) aborts request id 1 with ERROR.
	writeFrame(t, client, 1, protocol.ReqFILTER_SITE, nil)

	h, _ := readFrame(t, client)
	if protocol.ResponseCommand(h.Command) != protocol.RespERROR || h.ID != 1 {
		t.Fatalf("expected ERROR for id 1, got cmd=%d id=%d", h.Command, h.ID)
	}

	// A COMMIT for the same now-aborted id must be silently dropped: no
	// further frame should ever arrive for it. We confirm by sending a
	// second, fresh QUERY/COMMIT on a new id and checking that its
	// response is the only thing that shows up.
	writeFrame(t, client, 1, protocol.ReqCOMMIT, nil)
	writeFrame(t, client, 2, protocol.ReqQUERY, nil)
	writeFrame(t, client, 2, protocol.ReqCOMMIT, nil)

	h2, _ := readFrame(t, client)
	if h2.ID != 2 || protocol.ResponseCommand(h2.Command) != protocol.RespEND {
		t.Fatalf("expected END for id 2 (empty database), got id=%d cmd=%d", h2.ID, h2.Command)
	}
}

func TestMisplacedFilterCommandReturnsError(t *testing.T) {
	db := newTestDatabase(t)
	_, client := newTestConnection(t, db)
	defer client.Close()

	// FILTER_SITE with no QUERY in progress is misplaced.
	writeFrame(t, client, 5, protocol.ReqFILTER_SITE, []byte("alice"))
	h, payload := readFrame(t, client)
	if protocol.ResponseCommand(h.Command) != protocol.RespERROR {
		t.Fatalf("expected ERROR, got cmd=%d", h.Command)
	}
	if len(payload) == 0 {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestStatsReturnsCurrentCounters(t *testing.T) {
	db := newTestDatabase(t)
	if _, err := db.Emplace(encodeRecord("alice", time.Unix(1700000000, 0))); err != nil {
		t.Fatalf("Emplace: %v", err)
	}

	_, client := newTestConnection(t, db)
	defer client.Close()

	writeFrame(t, client, 9, protocol.ReqSTATS, nil)
	h, payload := readFrame(t, client)
	if protocol.ResponseCommand(h.Command) != protocol.RespSTATS {
		t.Fatalf("got cmd=%d, want STATS", h.Command)
	}
	stats, err := protocol.DecodeStatsPayload(payload)
	if err != nil {
		t.Fatalf("DecodeStatsPayload: %v", err)
	}
	if stats.NRecords != 1 {
		t.Fatalf("NRecords = %d, want 1", stats.NRecords)
	}
}

func TestInjectLogRecordForbiddenWithoutAdmin(t *testing.T) {
	db := newTestDatabase(t)
	server, client := net.Pipe()
	c := New(server, db, fakeOps{}, fakeAdmin{allow: false})
	done := make(chan struct{})
	go func() {
		c.Serve()
		close(done)
	}()
	defer func() {
		client.Close()
		<-done
	}()

	writeFrame(t, client, 1, protocol.ReqINJECT_LOG_RECORD, encodeRecord("alice", time.Unix(1700000000, 0)))
	h, _ := readFrame(t, client)
	if protocol.ResponseCommand(h.Command) != protocol.RespERROR {
		t.Fatalf("got cmd=%d, want ERROR (Forbidden)", h.Command)
	}
}

// TestFollowDeliversOnlyRecordsAppendedAfterCommit exercises follow mode:
// a QUERY+FOLLOW+COMMIT sends nothing for pre-existing records, then
// delivers each later append exactly once.
func TestFollowDeliversOnlyRecordsAppendedAfterCommit(t *testing.T) {
	db := newTestDatabase(t)
	if _, err := db.Emplace(encodeRecord("alice", time.Unix(1700000000, 0))); err != nil {
		t.Fatalf("Emplace: %v", err)
	}

	_, client := newTestConnection(t, db)
	defer client.Close()

	writeFrame(t, client, 1, protocol.ReqQUERY, nil)
	writeFrame(t, client, 1, protocol.ReqFOLLOW, nil)
	writeFrame(t, client, 1, protocol.ReqCOMMIT, nil)

	// The COMMIT handler registers the append listener for the (empty)
	// follow selection; wait for that registration before appending, or
	// the fanout has nobody to notify.
	deadline := time.Now().Add(2 * time.Second)
	for db.All().Listeners.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("follow listener was never registered")
		}
		time.Sleep(time.Millisecond)
	}

	rec, err := db.Emplace(encodeRecord("alice", time.Unix(1700000100, 0)))
	if err != nil {
		t.Fatalf("Emplace: %v", err)
	}

	h, payload := readFrame(t, client)
	if protocol.ResponseCommand(h.Command) != protocol.RespLOG_RECORD || h.ID != 1 {
		t.Fatalf("got cmd=%d id=%d, want LOG_RECORD id=1", h.Command, h.ID)
	}
	full, err := logwire.ParseFull(payload)
	if err != nil {
		t.Fatalf("ParseFull: %v", err)
	}
	if !full.Timestamp.Equal(rec.Summary.Timestamp) {
		t.Fatalf("follow delivered timestamp %v, want the post-commit append %v",
			full.Timestamp, rec.Summary.Timestamp)
	}
}

// TestGroupSitePaginationSkipsAndGroups exercises GROUP_SITE{max=10,
// skip=1} over three sites with two records each: the records of the 2nd
// and 3rd sites arrive, each site's records contiguous, in site insertion
// order.
func TestGroupSitePaginationSkipsAndGroups(t *testing.T) {
	db := newTestDatabase(t)
	sites := []string{"alpha", "beta", "gamma"}
	for i, site := range sites {
		for j := 0; j < 2; j++ {
			ts := time.Unix(1700000000+int64(10*i+j), 0)
			if _, err := db.Emplace(encodeRecord(site, ts)); err != nil {
				t.Fatalf("Emplace: %v", err)
			}
		}
	}

	_, client := newTestConnection(t, db)
	defer client.Close()

	writeFrame(t, client, 1, protocol.ReqQUERY, nil)
	writeFrame(t, client, 1, protocol.ReqGROUP_SITE, protocol.GroupSitePayload{MaxSites: 10, SkipSites: 1}.Encode())
	writeFrame(t, client, 1, protocol.ReqCOMMIT, nil)

	var got []string
	for {
		h, payload := readFrame(t, client)
		if protocol.ResponseCommand(h.Command) == protocol.RespEND {
			break
		}
		full, err := logwire.ParseFull(payload)
		if err != nil {
			t.Fatalf("ParseFull: %v", err)
		}
		got = append(got, full.Site)
	}

	want := []string{"beta", "beta", "gamma", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("got %d records (%v), want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d is for site %q, want %q (full order %v)", i, got[i], want[i], got)
		}
	}
}

// TestWindowSkipsThenLimits exercises WINDOW{max=2, skip=1} over five
// records: the 2nd and 3rd records arrive, then END.
func TestWindowSkipsThenLimits(t *testing.T) {
	db := newTestDatabase(t)
	for i := 0; i < 5; i++ {
		if _, err := db.Emplace(encodeRecord("alice", time.Unix(1700000000+int64(i), 0))); err != nil {
			t.Fatalf("Emplace: %v", err)
		}
	}

	_, client := newTestConnection(t, db)
	defer client.Close()

	writeFrame(t, client, 1, protocol.ReqQUERY, nil)
	writeFrame(t, client, 1, protocol.ReqWINDOW, protocol.WindowPayload{Max: 2, Skip: 1}.Encode())
	writeFrame(t, client, 1, protocol.ReqCOMMIT, nil)

	var stamps []int64
	for {
		h, payload := readFrame(t, client)
		if protocol.ResponseCommand(h.Command) == protocol.RespEND {
			break
		}
		full, err := logwire.ParseFull(payload)
		if err != nil {
			t.Fatalf("ParseFull: %v", err)
		}
		stamps = append(stamps, full.Timestamp.Unix())
	}

	want := []int64{1700000001, 1700000002}
	if len(stamps) != len(want) || stamps[0] != want[0] || stamps[1] != want[1] {
		t.Fatalf("windowed records = %v, want %v", stamps, want)
	}
}

// TestCancelMidBuildDropsLaterPacketsForSameId: after QUERY(7),
// FILTER_SITE, CANCEL(7), a later FILTER_SINCE(7) is silently ignored,
// and a fresh QUERY(8) works normally.
func TestCancelMidBuildDropsLaterPacketsForSameId(t *testing.T) {
	db := newTestDatabase(t)
	_, client := newTestConnection(t, db)
	defer client.Close()

	writeFrame(t, client, 7, protocol.ReqQUERY, nil)
	writeFrame(t, client, 7, protocol.ReqFILTER_SITE, []byte("alice"))
	writeFrame(t, client, 7, protocol.ReqCANCEL, nil)
	// Would be a malformed payload (wrong size) if it were processed; its
	// silent drop is the point.
	writeFrame(t, client, 7, protocol.ReqFILTER_SINCE, []byte{1, 2, 3})

	writeFrame(t, client, 8, protocol.ReqQUERY, nil)
	writeFrame(t, client, 8, protocol.ReqCOMMIT, nil)

	h, _ := readFrame(t, client)
	if h.ID != 8 || protocol.ResponseCommand(h.Command) != protocol.RespEND {
		t.Fatalf("expected END for id 8 as the only response, got id=%d cmd=%d", h.ID, h.Command)
	}
}

// TestInjectLogRecordBypassesIngestCounters: an injected record lands in
// the store without counting as received, and a malformed injection is
// swallowed without counting as malformed.
func TestInjectLogRecordBypassesIngestCounters(t *testing.T) {
	db := newTestDatabase(t)
	_, client := newTestConnection(t, db)
	defer client.Close()

	writeFrame(t, client, 1, protocol.ReqINJECT_LOG_RECORD, encodeRecord("alice", time.Unix(1700000000, 0)))
	writeFrame(t, client, 2, protocol.ReqINJECT_LOG_RECORD, []byte{0xff})
	writeFrame(t, client, 3, protocol.ReqSTATS, nil)

	h, payload := readFrame(t, client)
	if protocol.ResponseCommand(h.Command) != protocol.RespSTATS || h.ID != 3 {
		t.Fatalf("got cmd=%d id=%d, want STATS id=3", h.Command, h.ID)
	}
	stats, err := protocol.DecodeStatsPayload(payload)
	if err != nil {
		t.Fatalf("DecodeStatsPayload: %v", err)
	}
	if stats.NRecords != 1 {
		t.Fatalf("NRecords = %d, want 1 (the successful injection)", stats.NRecords)
	}
	if stats.NReceived != 0 {
		t.Fatalf("NReceived = %d, want 0 (injections are not ingest)", stats.NReceived)
	}
	if stats.NMalformed != 0 {
		t.Fatalf("NMalformed = %d, want 0 (failed injections are silent)", stats.NMalformed)
	}
}
