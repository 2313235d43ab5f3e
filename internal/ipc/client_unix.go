//go:build !windows

package ipc

import (
	"net"
	"time"
)

func dialSocket(path string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.Dial("unix", path)
}
