//go:build !windows && !linux && !darwin

package ipc

import "net"

// VerifyPeerIsCurrentUser trusts every peer where the platform offers no
// credential query. The socket mode still limits who can connect.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	return true, nil
}
