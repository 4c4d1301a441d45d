package clone

import (
	"fmt"

	"pond/internal/pond/core"
	"pond/internal/pond/pondlog"
	"pond/internal/pond/protocol"
)

// Operation is a running blocking operation Instance can cancel.
type Operation interface {
	Cancel()
}

// CloneOperation drives a CLONE: connect to address, QUERY+COMMIT
// unconditionally, clear the local database on the first LOG_RECORD
// received (deferred so a connection failure before any record arrives
// leaves existing data untouched), and emplace every record that follows
// until END or an error.
type CloneOperation struct {
	client *client
}

// StartClone dials address via dialer and runs the clone in a new
// goroutine, invoking onFinished exactly once when it completes.
func StartClone(dialer Dialer, address string, db *core.Database, onFinished func(error)) (*CloneOperation, error) {
	conn, err := dialer.Dial(address)
	if err != nil {
		return nil, err
	}
	c := newClient(conn)
	op := &CloneOperation{client: c}
	go op.run(db, onFinished)
	return op, nil
}

// Cancel aborts the clone by closing its connection; the run goroutine's
// blocked read unblocks with an error and calls onFinished.
func (op *CloneOperation) Cancel() {
	_ = op.client.conn.Close()
}

func (op *CloneOperation) run(db *core.Database, onFinished func(error)) {
	defer op.client.conn.Close()

	id := op.client.makeID()
	if err := op.client.send(id, protocol.ReqQUERY, nil); err != nil {
		onFinished(err)
		return
	}
	if err := op.client.send(id, protocol.ReqCOMMIT, nil); err != nil {
		onFinished(err)
		return
	}

	pendingClear := true
	for {
		fr, err := op.client.readFrame()
		if err != nil {
			onFinished(err)
			return
		}
		if fr.ID != id {
			continue
		}
		switch fr.Command {
		case protocol.RespNOP:

		case protocol.RespERROR:
			onFinished(errRemote{msg: string(fr.Payload)})
			return

		case protocol.RespEND:
			onFinished(nil)
			return

		case protocol.RespLOG_RECORD:
			if pendingClear {
				pendingClear = false
				db.Clear()
			}
			if _, err := db.Emplace(fr.Payload); err != nil {
				pondlog.Warnf("failed to parse datagram during CLONE: %v", err)
			}

		case protocol.RespSTATS:
			onFinished(fmt.Errorf("unexpected STATS response during CLONE"))
			return
		}
	}
}
