package instance

import (
	"net"

	"golang.org/x/sys/unix"

	"pond/internal/pond/pondlog"
)

// isLocalAdmin is the admin gate: the peer is trusted for
// CLONE/INJECT_LOG_RECORD if it connected over an AF_UNIX socket as uid 0
// or the same uid as this process. Pond's default listener is TCP, where
// SO_PEERCRED is meaningless; connections that are not *net.UnixConn
// (including net.Pipe, used by connection package tests) fall back to
// "allow" with a logged warning, so the gate is only load-bearing when
// the operator actually configures a Unix-domain listener for local
// administration.
func isLocalAdmin(conn net.Conn) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		pondlog.Warnf("admin: peer credentials unavailable on %T, allowing", conn)
		return true
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		pondlog.Warnf("admin: SyscallConn failed: %v", err)
		return false
	}

	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || sockErr != nil {
		pondlog.Warnf("admin: SO_PEERCRED failed: %v", errOrErr(err, sockErr))
		return false
	}

	euid := uint32(unix.Geteuid())
	return cred.Uid == 0 || cred.Uid == euid
}

func errOrErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
