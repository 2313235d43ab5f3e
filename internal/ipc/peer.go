//go:build linux || darwin

package ipc

import (
	"errors"
	"net"
	"os"
)

var errNotUnix = errors.New("peer is not a unix socket")

// VerifyPeerIsCurrentUser compares the uid the kernel recorded for the
// socket peer with the daemon's own.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false, errNotUnix
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false, err
	}
	var uid int
	var opErr error
	if err := raw.Control(func(fd uintptr) { uid, opErr = peerUID(int(fd)) }); err != nil {
		return false, err
	}
	if opErr != nil {
		return false, opErr
	}
	return uid == os.Getuid(), nil
}
