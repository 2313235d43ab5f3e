//go:build !windows

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markd/internal/anchor"
	"markd/internal/backup"
	"markd/internal/highlight"
	"markd/internal/ipc"
	"markd/internal/kv"
	"markd/internal/session"
)

const (
	foxURL    = "https://example.com/fox"
	foxMarkup = `<html><head><title>Fox</title></head><body>` +
		`<p>The quick brown fox jumps over the lazy dog.</p></body></html>`
)

// serve runs a daemon handler on a socket in a short temporary directory.
func serve(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "markctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store := kv.NewMemory(0)
	var handler *ipc.DaemonHandler
	sessions, err := session.NewManager(session.Options{
		Store:  store,
		Notify: func(e session.Event) { handler.Notify(e) },
	})
	require.NoError(t, err)
	svc, err := backup.New(store, kv.JSON{}, nil)
	require.NoError(t, err)
	handler = ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{Version: "test", Sessions: sessions, Backup: svc})

	server, err := ipc.NewServer(ipc.ServerConfig{SocketPath: filepath.Join(dir, "markd.sock"), Version: "test"}, handler)
	require.NoError(t, err)
	handler.SetBroadcaster(server.Broadcast)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		server.Stop()
		sessions.CloseAll(context.Background())
	})
	return server.SocketPath()
}

func markctl(t *testing.T, socket string, args ...string) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	err := run(ctx, append([]string{"-socket", socket, "-json"}, args...), &out)
	return out.Bytes(), err
}

func TestHighlightWorkflow(t *testing.T) {
	socket := serve(t)
	dir := t.TempDir()
	page := filepath.Join(dir, "fox.html")
	require.NoError(t, os.WriteFile(page, []byte(foxMarkup), 0o600))

	out, err := markctl(t, socket, "open", foxURL, page)
	require.NoError(t, err)
	var opened ipc.OpenDocumentResponse
	require.NoError(t, json.Unmarshal(out, &opened))
	assert.Equal(t, "Fox", opened.Title)

	out, err = markctl(t, socket, "add", foxURL, "-text", "lazy dog", "-color", "Mint")
	require.NoError(t, err)
	var added ipc.AddHighlightResponse
	require.NoError(t, json.Unmarshal(out, &added))
	assert.Equal(t, "lazy dog", added.Record.TextSnippet)

	out, err = markctl(t, socket, "get", foxURL)
	require.NoError(t, err)
	var records []highlight.Record
	require.NoError(t, json.Unmarshal(out, &records))
	require.Len(t, records, 1)
	assert.Equal(t, added.ID, records[0].ID)

	out, err = markctl(t, socket, "delete", foxURL, "missing")
	require.NoError(t, err)
	var found ipc.FoundResponse
	require.NoError(t, json.Unmarshal(out, &found))
	assert.False(t, found.Found)

	exported := filepath.Join(dir, "fox.md")
	_, err = markctl(t, socket, "export", foxURL, exported)
	require.NoError(t, err)
	content, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.Contains(t, string(content), "lazy dog")

	_, err = markctl(t, socket, "close", foxURL)
	require.NoError(t, err)

	backupFile := filepath.Join(dir, "backup.json")
	_, err = markctl(t, socket, "backup", "export", backupFile)
	require.NoError(t, err)

	_, err = markctl(t, socket, "clear-all")
	assert.Error(t, err, "clear-all needs -yes")
	_, err = markctl(t, socket, "clear-all", "-yes")
	require.NoError(t, err)

	out, err = markctl(t, socket, "backup", "import", backupFile)
	require.NoError(t, err)
	var imported ipc.BackupImportResponse
	require.NoError(t, json.Unmarshal(out, &imported))
	assert.Equal(t, 1, imported.Imported)

	out, err = markctl(t, socket, "open", foxURL, page)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &opened))
	assert.Equal(t, 1, opened.Count)

	_, err = markctl(t, socket, "reload")
	require.NoError(t, err)
	out, err = markctl(t, socket, "get", foxURL)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &records))
	assert.Len(t, records, 1)
}

func TestCommandErrors(t *testing.T) {
	socket := serve(t)

	_, err := markctl(t, socket, "get", "https://example.com/none")
	var protoErr *ipc.Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ipc.ErrNotOpen, protoErr.Code)

	_, err = markctl(t, socket, "rewind")
	assert.EqualError(t, err, "unknown command: rewind")

	_, err = markctl(t, socket, "restyle", foxURL)
	assert.ErrorContains(t, err, "usage: markctl restyle")

	err = run(context.Background(), nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, errUsage)

	_, err = markctl(t, filepath.Join(t.TempDir(), "absent.sock"), "status")
	assert.ErrorIs(t, err, ipc.ErrDaemonNotRunning)
}

func TestParsePosition(t *testing.T) {
	p, err := parsePosition("/1/0/2:7")
	require.NoError(t, err)
	assert.Equal(t, anchor.Position{Path: []int{1, 0, 2}, Offset: 7, Text: true}, *p)

	p, err = parsePosition("/:0")
	require.NoError(t, err)
	assert.Empty(t, p.Path)

	for _, bad := range []string{"1/2:3", "/1/2", "/1/x:3", "/1:-1"} {
		_, err := parsePosition(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseArgsInterleavesFlags(t *testing.T) {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	color := fs.String("color", "", "")
	pos, err := parseArgs(fs, []string{"https://a", "-color", "Mint", "b"}, 1, 2, "add")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a", "b"}, pos)
	assert.Equal(t, "Mint", *color)

	_, err = parseArgs(flag.NewFlagSet("x", flag.ContinueOnError), []string{"a", "b"}, 0, 1, "x")
	assert.EqualError(t, err, "usage: markctl x")
}
