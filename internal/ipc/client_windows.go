//go:build windows

package ipc

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sys/windows"
)

// dialSocket opens the named pipe derived from path, retrying while every
// instance is busy until timeout.
func dialSocket(path string, timeout time.Duration) (net.Conn, error) {
	name := WindowsPipePath(path)
	deadline := time.Now().Add(timeout)
	for {
		h, err := openPipe(name)
		if err == nil {
			return &pipeConn{handle: h, name: name}, nil
		}
		if !errors.Is(err, windows.ERROR_PIPE_BUSY) || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(50 * time.Millisecond)
	}
}
