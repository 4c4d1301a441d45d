// Package clone implements the administrative CLONE and AutoClone
// replication operations. Both act as a client of Pond's own TCP protocol
// (internal/pond/protocol), dialing a peer and driving the same
// QUERY/COMMIT/LOG_RECORD exchange a normal query connection would
// receive.
package clone

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"pond/internal/pond/protocol"
)

// client is a minimal synchronous driver of Pond's wire protocol, the
// counterpart to the server-side Connection for outbound replication.
type client struct {
	conn   net.Conn
	r      *bufio.Reader
	nextID uint32
}

func newClient(conn net.Conn) *client {
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) makeID() uint16 {
	return uint16(atomic.AddUint32(&c.nextID, 1))
}

func (c *client) send(id uint16, cmd protocol.RequestCommand, payload []byte) error {
	h := protocol.Header{ID: id, Command: uint16(cmd), Size: uint16(len(payload))}
	hdr := h.Encode()
	buf := make([]byte, 0, len(hdr)+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	_, err := c.conn.Write(buf)
	return err
}

// frame is one decoded server response.
type frame struct {
	ID      uint16
	Command protocol.ResponseCommand
	Payload []byte
}

func (c *client) readFrame() (frame, error) {
	var hdr [protocol.HeaderSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return frame{}, err
	}
	h := protocol.DecodeHeader(hdr[:])
	payload := make([]byte, h.Size)
	if h.Size > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return frame{}, err
		}
	}
	return frame{ID: h.ID, Command: protocol.ResponseCommand(h.Command), Payload: payload}, nil
}

// errRemote wraps a server-sent ERROR payload.
type errRemote struct{ msg string }

func (e errRemote) Error() string { return fmt.Sprintf("remote error: %s", e.msg) }
