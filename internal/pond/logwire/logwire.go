// Package logwire encodes and parses the log datagram carried inside a
// Pond record's raw bytes. Producers serialize one of these per HTTP
// access/error event; Pond never needs to understand more than the fields
// its Filter can match against.
package logwire

import (
	"encoding/binary"
	"errors"
	"time"
)

// LogType mirrors the handful of event kinds a producer may report.
type LogType uint8

const (
	// TypeUnspecified matches any type in a Filter.
	TypeUnspecified LogType = 0
	TypeHTTPAccess  LogType = 1
	TypeHTTPError   LogType = 2
	TypeSubmission  LogType = 3
)

// Method is a bitmap position for Filter.HTTPMethodMask.
type Method uint32

const (
	MethodGET Method = 1 << iota
	MethodHEAD
	MethodPOST
	MethodPUT
	MethodDELETE
	MethodOptions
	MethodConnect
	MethodTrace
	MethodPatch
)

// UnsafeMethodMask is RFC 9110 §9.2.1's unsafe set (anything that is not
// GET/HEAD/OPTIONS/TRACE).
const UnsafeMethodMask = MethodPOST | MethodPUT | MethodDELETE | MethodConnect | MethodPatch

// Summary is the cheap-to-read projection of a datagram: the fields the
// first stage of Filter evaluation needs without a full parse.
type Summary struct {
	Timestamp    time.Time
	HasTimestamp bool
	Site         string
	HasSite      bool
	Type         LogType
}

// Full is the fully parsed datagram, needed only when a Filter has
// predicates beyond site/type/timestamp.
type Full struct {
	Summary
	Host          string
	HTTPURI       string
	HTTPStatus    uint16
	HasHTTPStatus bool
	HTTPMethod    Method
	HasHTTPMethod bool
	Duration      time.Duration
	HasDuration   bool
	Generator     string
}

// field tags for the TLV datagram encoding.
const (
	tagTimestamp byte = iota + 1
	tagSite
	tagType
	tagHost
	tagHTTPURI
	tagHTTPStatus
	tagHTTPMethod
	tagDuration
	tagGenerator
)

var errTruncated = errors.New("logwire: truncated datagram")
var errTooLarge = errors.New("logwire: field too large")

// Encode serializes f into a byte slice suitable for Record.Raw. It exists
// mainly for tests and for INJECT_LOG_RECORD round-tripping in-process.
func Encode(f *Full) []byte {
	buf := make([]byte, 0, 128)
	if f.HasTimestamp {
		buf = appendU64Field(buf, tagTimestamp, uint64(f.Timestamp.UnixMicro()))
	}
	if f.HasSite {
		buf = appendStringField(buf, tagSite, f.Site)
	}
	buf = appendU8Field(buf, tagType, uint8(f.Type))
	if f.Host != "" {
		buf = appendStringField(buf, tagHost, f.Host)
	}
	if f.HTTPURI != "" {
		buf = appendStringField(buf, tagHTTPURI, f.HTTPURI)
	}
	if f.HasHTTPStatus {
		buf = appendU16Field(buf, tagHTTPStatus, f.HTTPStatus)
	}
	if f.HasHTTPMethod {
		buf = appendU32Field(buf, tagHTTPMethod, uint32(f.HTTPMethod))
	}
	if f.HasDuration {
		buf = appendU64Field(buf, tagDuration, uint64(f.Duration.Microseconds()))
	}
	if f.Generator != "" {
		buf = appendStringField(buf, tagGenerator, f.Generator)
	}
	return buf
}

// ParseSummary performs the cheap first-stage parse: timestamp, site, type
// only, stopping as soon as those three tags have been seen.
func ParseSummary(raw []byte) (Summary, error) {
	var s Summary
	seen := 0
	err := walk(raw, func(tag byte, payload []byte) (stop bool, err error) {
		switch tag {
		case tagTimestamp:
			if len(payload) != 8 {
				return false, errTruncated
			}
			s.Timestamp = time.UnixMicro(int64(binary.BigEndian.Uint64(payload)))
			s.HasTimestamp = true
			seen++
		case tagSite:
			s.Site = string(payload)
			s.HasSite = true
			seen++
		case tagType:
			if len(payload) != 1 {
				return false, errTruncated
			}
			s.Type = LogType(payload[0])
			seen++
		}
		return seen >= 3, nil
	})
	return s, err
}

// ParseFull performs the full parse needed for host/URI/status/method/
// duration/generator predicates.
func ParseFull(raw []byte) (Full, error) {
	var f Full
	err := walk(raw, func(tag byte, payload []byte) (bool, error) {
		switch tag {
		case tagTimestamp:
			if len(payload) != 8 {
				return false, errTruncated
			}
			f.Timestamp = time.UnixMicro(int64(binary.BigEndian.Uint64(payload)))
			f.HasTimestamp = true
		case tagSite:
			f.Site = string(payload)
			f.HasSite = true
		case tagType:
			if len(payload) != 1 {
				return false, errTruncated
			}
			f.Type = LogType(payload[0])
		case tagHost:
			f.Host = string(payload)
		case tagHTTPURI:
			f.HTTPURI = string(payload)
		case tagHTTPStatus:
			if len(payload) != 2 {
				return false, errTruncated
			}
			f.HTTPStatus = binary.BigEndian.Uint16(payload)
			f.HasHTTPStatus = true
		case tagHTTPMethod:
			if len(payload) != 4 {
				return false, errTruncated
			}
			f.HTTPMethod = Method(binary.BigEndian.Uint32(payload))
			f.HasHTTPMethod = true
		case tagDuration:
			if len(payload) != 8 {
				return false, errTruncated
			}
			f.Duration = time.Duration(binary.BigEndian.Uint64(payload)) * time.Microsecond
			f.HasDuration = true
		case tagGenerator:
			f.Generator = string(payload)
		}
		return false, nil
	})
	return f, err
}

func walk(raw []byte, fn func(tag byte, payload []byte) (stop bool, err error)) error {
	for len(raw) > 0 {
		if len(raw) < 3 {
			return errTruncated
		}
		tag := raw[0]
		length := binary.BigEndian.Uint16(raw[1:3])
		raw = raw[3:]
		if int(length) > len(raw) {
			return errTruncated
		}
		payload := raw[:length]
		raw = raw[length:]
		stop, err := fn(tag, payload)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func appendStringField(buf []byte, tag byte, s string) []byte {
	return appendField(buf, tag, []byte(s))
}

func appendU8Field(buf []byte, tag byte, v uint8) []byte {
	return appendField(buf, tag, []byte{v})
}

func appendU16Field(buf []byte, tag byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return appendField(buf, tag, b[:])
}

func appendU32Field(buf []byte, tag byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return appendField(buf, tag, b[:])
}

func appendU64Field(buf []byte, tag byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return appendField(buf, tag, b[:])
}

func appendField(buf []byte, tag byte, payload []byte) []byte {
	buf = append(buf, tag)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, payload...)
}

// MaxDatagramSize is the UDP receive ceiling. A datagram of exactly this
// size is assumed truncated by the kernel and is malformed.
const MaxDatagramSize = 4096

// ErrTooLarge names a field that would not fit length-prefixed with a
// uint16. Nothing in this package returns it; Encode does not check field
// lengths.
var ErrTooLarge = errTooLarge
