// Package pond is an in-memory, append-only log-record store for HTTP
// access/error logs and similar structured events. It receives serialized
// log datagrams over UDP, holds them in a fixed-size circular memory
// region, and serves filtered, ordered, possibly-tailing queries over a
// length-prefixed TCP protocol; peers can replicate a full snapshot over
// the same protocol (CLONE) and discover each other via Zeroconf.
//
// The implementation lives under internal/pond; cmd/pond-server is the
// server binary.
package pond
