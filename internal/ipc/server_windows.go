//go:build windows

package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sys/windows"
)

const pipeBufferSize = 64 * 1024

// VerifyPeerIsCurrentUser reports true: the pipe's default DACL only
// admits the creating user.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	return true, nil
}

// listen serves the named pipe derived from path. Access comes from the
// default DACL, so mode is ignored.
func listen(path string, mode os.FileMode) (net.Listener, error) {
	if IsSocketListening(path) {
		return nil, fmt.Errorf("daemon already listening on %s", WindowsPipePath(path))
	}
	return &pipeListener{name: WindowsPipePath(path)}, nil
}

// cleanupListener is a no-op; pipes vanish with their last handle.
func cleanupListener(path string) {}

// IsSocketListening reports whether a daemon serves the pipe for path.
func IsSocketListening(path string) bool {
	h, err := openPipe(WindowsPipePath(path))
	if err != nil {
		return errors.Is(err, windows.ERROR_PIPE_BUSY)
	}
	windows.CloseHandle(h)
	return true
}

// WindowsPipePath maps a socket path onto a per-user pipe name:
// C:\Users\ana\markd\markd.sock -> \\.\pipe\markd-ana-markd.sock
func WindowsPipePath(socketPath string) string {
	user := os.Getenv("USERNAME")
	if user == "" {
		user = "default"
	}
	return fmt.Sprintf(`\\.\pipe\markd-%s-%s`, user, filepath.Base(socketPath))
}

func openPipe(name string) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return windows.InvalidHandle, err
	}
	return windows.CreateFile(p, windows.GENERIC_READ|windows.GENERIC_WRITE, 0, nil, windows.OPEN_EXISTING, 0, 0)
}

// pipeListener hands out one pipe instance per accepted client. Frames
// are read with short reads, so instances run in byte mode.
type pipeListener struct {
	name   string
	closed atomic.Bool
}

func (l *pipeListener) Accept() (net.Conn, error) {
	if l.closed.Load() {
		return nil, net.ErrClosed
	}
	p, err := windows.UTF16PtrFromString(l.name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateNamedPipe(p,
		windows.PIPE_ACCESS_DUPLEX,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		pipeBufferSize, pipeBufferSize, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}

	err = windows.ConnectNamedPipe(h, nil)
	if err != nil && !errors.Is(err, windows.ERROR_PIPE_CONNECTED) {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("connect pipe: %w", err)
	}
	if l.closed.Load() {
		// Woken by Close.
		windows.DisconnectNamedPipe(h)
		windows.CloseHandle(h)
		return nil, net.ErrClosed
	}
	return &pipeConn{handle: h, name: l.name, server: true}, nil
}

// Close stops the listener and wakes an Accept blocked in ConnectNamedPipe
// by dialing the pending instance.
func (l *pipeListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if h, err := openPipe(l.name); err == nil {
		windows.CloseHandle(h)
	}
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr(l.name) }

// pipeConn is one end of a pipe instance. Deadlines are accepted and
// ignored.
type pipeConn struct {
	handle windows.Handle
	name   string
	server bool
	closed atomic.Bool
}

func (c *pipeConn) Read(b []byte) (int, error) {
	var n uint32
	err := windows.ReadFile(c.handle, b, &n, nil)
	if errors.Is(err, windows.ERROR_BROKEN_PIPE) || errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED) {
		return int(n), io.EOF
	}
	return int(n), err
}

func (c *pipeConn) Write(b []byte) (int, error) {
	var n uint32
	err := windows.WriteFile(c.handle, b, &n, nil)
	return int(n), err
}

func (c *pipeConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.server {
		windows.FlushFileBuffers(c.handle)
		windows.DisconnectNamedPipe(c.handle)
	}
	return windows.CloseHandle(c.handle)
}

func (c *pipeConn) LocalAddr() net.Addr  { return pipeAddr(c.name) }
func (c *pipeConn) RemoteAddr() net.Addr { return pipeAddr(c.name) }

// TODO: deadlines need overlapped I/O on the pipe handle.
func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
