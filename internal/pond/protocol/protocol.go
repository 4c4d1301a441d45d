// Package protocol implements the length-prefixed binary wire format
// spoken over TCP: a fixed 6-byte header (id, command, size — all
// big-endian u16) followed by a command-specific payload.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed 6-byte frame header: id, command, size, all
// big-endian u16.
const HeaderSize = 6

// MaxPayloadSize is the largest payload a single frame may carry.
const MaxPayloadSize = 65534

// DefaultTCPPort serves queries; DefaultUDPPort receives log datagrams.
const (
	DefaultTCPPort = 5480
	DefaultUDPPort = 5479
)

// RequestCommand enumerates PondRequestCommand.
type RequestCommand uint16

const (
	ReqNOP                         RequestCommand = 0
	ReqCOMMIT                      RequestCommand = 1
	ReqCANCEL                      RequestCommand = 2
	ReqQUERY                       RequestCommand = 3
	ReqFILTER_SITE                 RequestCommand = 4
	ReqFOLLOW                      RequestCommand = 5
	ReqFILTER_SINCE                RequestCommand = 6
	ReqFILTER_UNTIL                RequestCommand = 7
	ReqGROUP_SITE                  RequestCommand = 8
	ReqCLONE                       RequestCommand = 9
	ReqFILTER_TYPE                 RequestCommand = 10
	ReqINJECT_LOG_RECORD           RequestCommand = 11
	ReqSTATS                       RequestCommand = 12
	ReqWINDOW                      RequestCommand = 13
	ReqCANCEL_OPERATION            RequestCommand = 14
	ReqFILTER_HTTP_STATUS          RequestCommand = 15
	ReqFILTER_HTTP_URI_STARTS_WITH RequestCommand = 16
	ReqFILTER_HOST                 RequestCommand = 17
	ReqFILTER_GENERATOR            RequestCommand = 18
	ReqFILTER_DURATION_LONGER      RequestCommand = 19
	ReqCONTINUE                    RequestCommand = 20
	ReqLAST                        RequestCommand = 21
	ReqFILTER_HTTP_METHOD_UNSAFE   RequestCommand = 22
	ReqFILTER_HTTP_METHODS         RequestCommand = 23
	ReqFILTER_HTTP_URI             RequestCommand = 24
)

var requestCommandNames = map[RequestCommand]string{
	ReqNOP:                         "NOP",
	ReqCOMMIT:                      "COMMIT",
	ReqCANCEL:                      "CANCEL",
	ReqQUERY:                       "QUERY",
	ReqFILTER_SITE:                 "FILTER_SITE",
	ReqFOLLOW:                      "FOLLOW",
	ReqFILTER_SINCE:                "FILTER_SINCE",
	ReqFILTER_UNTIL:                "FILTER_UNTIL",
	ReqGROUP_SITE:                  "GROUP_SITE",
	ReqCLONE:                       "CLONE",
	ReqFILTER_TYPE:                 "FILTER_TYPE",
	ReqINJECT_LOG_RECORD:           "INJECT_LOG_RECORD",
	ReqSTATS:                       "STATS",
	ReqWINDOW:                      "WINDOW",
	ReqCANCEL_OPERATION:            "CANCEL_OPERATION",
	ReqFILTER_HTTP_STATUS:          "FILTER_HTTP_STATUS",
	ReqFILTER_HTTP_URI_STARTS_WITH: "FILTER_HTTP_URI_STARTS_WITH",
	ReqFILTER_HOST:                 "FILTER_HOST",
	ReqFILTER_GENERATOR:            "FILTER_GENERATOR",
	ReqFILTER_DURATION_LONGER:      "FILTER_DURATION_LONGER",
	ReqCONTINUE:                    "CONTINUE",
	ReqLAST:                        "LAST",
	ReqFILTER_HTTP_METHOD_UNSAFE:   "FILTER_HTTP_METHOD_UNSAFE",
	ReqFILTER_HTTP_METHODS:         "FILTER_HTTP_METHODS",
	ReqFILTER_HTTP_URI:             "FILTER_HTTP_URI",
}

// String renders a command name for ERROR payloads, e.g. "Misplaced FOLLOW".
func (c RequestCommand) String() string {
	if name, ok := requestCommandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint16(c))
}

// ResponseCommand enumerates PondResponseCommand.
type ResponseCommand uint16

const (
	RespNOP        ResponseCommand = 0
	RespERROR      ResponseCommand = 1
	RespEND        ResponseCommand = 2
	RespLOG_RECORD ResponseCommand = 3
	RespSTATS      ResponseCommand = 4
)

// Header is the 6-byte frame header.
type Header struct {
	ID      uint16
	Command uint16
	Size    uint16
}

// Encode writes h into a 6-byte buffer.
func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.ID)
	binary.BigEndian.PutUint16(b[2:4], h.Command)
	binary.BigEndian.PutUint16(b[4:6], h.Size)
	return b
}

// DecodeHeader parses a 6-byte buffer into a Header.
func DecodeHeader(b []byte) Header {
	return Header{
		ID:      binary.BigEndian.Uint16(b[0:2]),
		Command: binary.BigEndian.Uint16(b[2:4]),
		Size:    binary.BigEndian.Uint16(b[4:6]),
	}
}

// GroupSitePayload is PondGroupSitePayload.
type GroupSitePayload struct {
	MaxSites  uint32
	SkipSites uint32
}

func DecodeGroupSitePayload(b []byte) (GroupSitePayload, error) {
	if len(b) != 8 {
		return GroupSitePayload{}, fmt.Errorf("protocol: malformed GROUP_SITE payload")
	}
	return GroupSitePayload{
		MaxSites:  binary.BigEndian.Uint32(b[0:4]),
		SkipSites: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

func (p GroupSitePayload) Encode() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], p.MaxSites)
	binary.BigEndian.PutUint32(b[4:8], p.SkipSites)
	return b
}

// WindowPayload is PondWindowPayload.
type WindowPayload struct {
	Max  uint64
	Skip uint64
}

func DecodeWindowPayload(b []byte) (WindowPayload, error) {
	if len(b) != 16 {
		return WindowPayload{}, fmt.Errorf("protocol: malformed WINDOW payload")
	}
	return WindowPayload{
		Max:  binary.BigEndian.Uint64(b[0:8]),
		Skip: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

func (p WindowPayload) Encode() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], p.Max)
	binary.BigEndian.PutUint64(b[8:16], p.Skip)
	return b
}

// HTTPStatusPayload is PondFilterHttpStatusPayload.
type HTTPStatusPayload struct {
	Begin uint16
	End   uint16
}

func DecodeHTTPStatusPayload(b []byte) (HTTPStatusPayload, error) {
	if len(b) != 4 {
		return HTTPStatusPayload{}, fmt.Errorf("protocol: malformed FILTER_HTTP_STATUS payload")
	}
	return HTTPStatusPayload{
		Begin: binary.BigEndian.Uint16(b[0:2]),
		End:   binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

func (p HTTPStatusPayload) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], p.Begin)
	binary.BigEndian.PutUint16(b[2:4], p.End)
	return b
}

// StatsPayload is PondStatsPayload: six u64 be fields.
type StatsPayload struct {
	MemoryCapacity uint64
	MemoryUsage    uint64
	NRecords       uint64
	NReceived      uint64
	NMalformed     uint64
	NDiscarded     uint64
}

func (p StatsPayload) Encode() []byte {
	b := make([]byte, 48)
	binary.BigEndian.PutUint64(b[0:8], p.MemoryCapacity)
	binary.BigEndian.PutUint64(b[8:16], p.MemoryUsage)
	binary.BigEndian.PutUint64(b[16:24], p.NRecords)
	binary.BigEndian.PutUint64(b[24:32], p.NReceived)
	binary.BigEndian.PutUint64(b[32:40], p.NMalformed)
	binary.BigEndian.PutUint64(b[40:48], p.NDiscarded)
	return b
}

func DecodeStatsPayload(b []byte) (StatsPayload, error) {
	if len(b) != 48 {
		return StatsPayload{}, fmt.Errorf("protocol: malformed STATS payload")
	}
	return StatsPayload{
		MemoryCapacity: binary.BigEndian.Uint64(b[0:8]),
		MemoryUsage:    binary.BigEndian.Uint64(b[8:16]),
		NRecords:       binary.BigEndian.Uint64(b[16:24]),
		NReceived:      binary.BigEndian.Uint64(b[24:32]),
		NMalformed:     binary.BigEndian.Uint64(b[32:40]),
		NDiscarded:     binary.BigEndian.Uint64(b[40:48]),
	}, nil
}

func DecodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("protocol: malformed u64 payload")
	}
	return binary.BigEndian.Uint64(b), nil
}

func EncodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func DecodeU32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("protocol: malformed u32 payload")
	}
	return binary.BigEndian.Uint32(b), nil
}

func EncodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func DecodeU8(b []byte) (uint8, error) {
	if len(b) != 1 {
		return 0, fmt.Errorf("protocol: malformed u8 payload")
	}
	return b[0], nil
}

// ProtoError is a soft protocol violation: the connection stays open, an
// ERROR frame carrying Message is sent, and the current request state is
// cleared. Hard transport failures use plain errors and drop the
// connection instead.
type ProtoError struct {
	Message string
}

func (e *ProtoError) Error() string { return e.Message }

// NewProtoError is a convenience constructor.
func NewProtoError(format string, args ...any) *ProtoError {
	return &ProtoError{Message: fmt.Sprintf(format, args...)}
}
