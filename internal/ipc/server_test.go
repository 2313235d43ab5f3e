//go:build !windows

package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markd/internal/backup"
	"markd/internal/kv"
	"markd/internal/session"
)

const (
	pageURL    = "https://example.com/fox"
	pageMarkup = `<html><head><title>Fox</title></head><body>` +
		`<p>The quick brown fox jumps over the lazy dog.</p>` +
		`<p>Some <b>bold</b> text here.</p></body></html>`
)

type testDaemon struct {
	server   *Server
	handler  *DaemonHandler
	sessions *session.Manager
	store    *kv.Memory
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startDaemon serves a handler over a socket in a short temp directory;
// t.TempDir paths can exceed the unix socket path limit.
func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	return startDaemonWith(t, ServerConfig{})
}

func startDaemonWith(t *testing.T, cfg ServerConfig) *testDaemon {
	t.Helper()
	dir, err := os.MkdirTemp("", "markd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	d := &testDaemon{store: kv.NewMemory(0)}
	d.sessions, err = session.NewManager(session.Options{
		Store:  d.store,
		Notify: func(e session.Event) { d.handler.Notify(e) },
	})
	require.NoError(t, err)

	svc, err := backup.New(d.store, kv.JSON{}, nil)
	require.NoError(t, err)
	d.handler = NewDaemonHandler(DaemonHandlerConfig{
		Version:  "test",
		Sessions: d.sessions,
		Backup:   svc,
	})

	cfg.SocketPath = filepath.Join(dir, "markd.sock")
	cfg.Version = "test"
	d.server, err = NewServer(cfg, d.handler)
	require.NoError(t, err)
	d.handler.SetBroadcaster(d.server.Broadcast)
	require.NoError(t, d.server.Start())
	t.Cleanup(func() {
		d.server.Stop()
		d.sessions.CloseAll(context.Background())
	})
	return d
}

func (d *testDaemon) connect(t *testing.T, json bool) *IPCClient {
	t.Helper()
	cfg := DefaultClientConfig(d.server.SocketPath())
	cfg.JSON = json
	c := NewClient(cfg)
	require.NoError(t, c.Connect(testContext(t)))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHandshakeGrantsFullControlToSameUser(t *testing.T) {
	d := startDaemon(t)
	c := d.connect(t, false)
	ctx := testContext(t)

	assert.True(t, c.IsConnected())
	assert.Equal(t, "test", c.ServerVersion())
	assert.NotEmpty(t, c.ClientID())
	assert.Equal(t, PermFullControl, c.Permission())

	require.NoError(t, c.Ping(ctx))
	ready, err := c.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Zero(t, status.Documents)
	assert.Equal(t, "ok", status.Storage.Level)
}

func TestDocumentCommands(t *testing.T) {
	for _, tc := range []struct {
		name string
		json bool
	}{
		{"msgpack", false},
		{"json", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := startDaemon(t)
			c := d.connect(t, tc.json)
			ctx := testContext(t)

			opened, err := c.OpenDocument(ctx, pageURL, pageMarkup, false)
			require.NoError(t, err)
			assert.Equal(t, "Fox", opened.Title)
			assert.Zero(t, opened.Count)

			added, err := c.AddHighlight(ctx, &AddHighlightRequest{URL: pageURL, Text: "brown fox"})
			require.NoError(t, err)
			require.NotEmpty(t, added.ID)

			recs, err := c.GetHighlights(ctx, pageURL)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, added.ID, recs[0].ID)
			assert.Equal(t, added.Record.Start, recs[0].Start)

			markup, err := c.RenderDocument(ctx, pageURL)
			require.NoError(t, err)
			assert.Contains(t, markup, `data-markd-id="`+added.ID+`"`)

			docs, err := c.ListDocuments(ctx)
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, opened.Key, docs[0].Key)
			assert.Equal(t, 1, docs[0].Count)

			found, err := c.RestyleHighlight(ctx, pageURL, added.ID, "#a5d6a7")
			require.NoError(t, err)
			assert.True(t, found)

			focus, err := c.FocusHighlight(ctx, pageURL, added.ID)
			require.NoError(t, err)
			assert.True(t, focus.Found)
			assert.Equal(t, 1, focus.Markers)

			out, err := c.Export(ctx, &ExportRequest{URL: pageURL, Format: "text"})
			require.NoError(t, err)
			assert.Equal(t, 1, out.Count)
			assert.Contains(t, out.Content, "brown fox")

			removed, err := c.DeleteHighlight(ctx, pageURL, added.ID)
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = c.DeleteHighlight(ctx, pageURL, added.ID)
			require.NoError(t, err)
			assert.False(t, removed)

			require.NoError(t, c.CloseDocument(ctx, pageURL))
			assert.Zero(t, d.sessions.Len())
		})
	}
}

func TestCommandErrors(t *testing.T) {
	d := startDaemon(t)
	c := d.connect(t, false)
	ctx := testContext(t)

	_, err := c.GetHighlights(ctx, pageURL)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrNotOpen, e.Code)

	_, err = c.OpenDocument(ctx, "", pageMarkup, false)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrInvalidRequest, e.Code)

	_, err = c.OpenDocument(ctx, pageURL, pageMarkup, false)
	require.NoError(t, err)
	_, err = c.OpenDocument(ctx, pageURL, pageMarkup, false)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrAlreadyExists, e.Code)

	_, err = c.AddHighlight(ctx, &AddHighlightRequest{URL: pageURL, Text: "purple cow"})
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrNotFound, e.Code)

	err = c.roundTrip(ctx, MessageType(0x0999), MsgPong, nil, nil)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrInvalidRequest, e.Code)
	assert.Equal(t, "unknown command", e.Message)

	assert.ErrorIs(t, c.Call(ctx, "rewind", nil, nil), ErrUnknownCommand)
}

func TestEventsFollowSubscription(t *testing.T) {
	d := startDaemon(t)
	c := d.connect(t, false)
	ctx := testContext(t)

	opened, err := c.OpenDocument(ctx, pageURL, pageMarkup, false)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(ctx, session.EventHighlightAdded))

	added, err := c.AddHighlight(ctx, &AddHighlightRequest{URL: pageURL, Text: "lazy dog"})
	require.NoError(t, err)

	select {
	case ev := <-c.Events():
		assert.Equal(t, session.EventHighlightAdded, ev.Type)
		assert.Equal(t, opened.Key, ev.Key)
		assert.Equal(t, added.ID, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	require.NoError(t, c.Unsubscribe(ctx))
}

func TestBackupRoundTripOverSocket(t *testing.T) {
	d := startDaemon(t)
	c := d.connect(t, false)
	ctx := testContext(t)

	_, err := c.OpenDocument(ctx, pageURL, pageMarkup, false)
	require.NoError(t, err)
	_, err = c.AddHighlight(ctx, &AddHighlightRequest{URL: pageURL, Text: "quick"})
	require.NoError(t, err)
	require.NoError(t, c.CloseDocument(ctx, pageURL))

	exported, err := c.BackupExport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, exported.Pages)

	cleared, err := c.ClearAllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared.Removed)

	raw := `{"markd::https://example.com/fox":[{"id":"hl-1","color":"#fff59d",` +
		`"start":{"path":[1,0,0],"offset":4},"end":{"path":[1,0,0],"offset":9},` +
		`"textSnippet":"quick","createdAt":1700000000000}]}`
	imported, err := c.BackupImport(ctx, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"markd::https://example.com/fox"}, imported.Keys)

	_, err = c.BackupImport(ctx, []byte(`{"markd::https://example.com/fox":"nope"}`))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrInvalidBackup, e.Code)
}

func TestUnauthenticatedClientIsLimited(t *testing.T) {
	d := startDaemon(t)
	conn, err := net.Dial("unix", d.server.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	send := func(typ MessageType, v any) *Message {
		var payload []byte
		if v != nil {
			payload, err = Encode(0, v)
			require.NoError(t, err)
		}
		require.NoError(t, NewMessage(typ, 1, 0, payload).Write(conn))
		resp, err := ReadMessage(conn)
		require.NoError(t, err)
		return resp
	}

	resp := send(MsgStatusRequest, nil)
	assert.Equal(t, MsgStatusResponse, resp.Header.Type)

	resp = send(MsgOpenDocument, &OpenDocumentRequest{URL: pageURL, HTML: pageMarkup})
	require.Equal(t, MsgError, resp.Header.Type)
	var e ErrorResponse
	require.NoError(t, Decode(0, resp.Payload, &e))
	assert.Equal(t, ErrPermissionDenied, e.Code)
}

func TestStopRemovesSocket(t *testing.T) {
	d := startDaemon(t)
	path := d.server.SocketPath()
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, d.server.Stop())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, d.server.Stop())
}

func TestListenRefusesLiveSocket(t *testing.T) {
	d := startDaemon(t)
	_, err := listen(d.server.SocketPath(), 0o600)
	assert.ErrorContains(t, err, "already listening")
}

func TestRateLimitPerClient(t *testing.T) {
	d := startDaemonWith(t, ServerConfig{RateLimit: 0.001, RateBurst: 2})
	first := d.connect(t, false)
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		_, err := first.Ready(ctx)
		require.NoError(t, err)
	}
	_, err := first.Ready(ctx)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrRateLimited, e.Code)

	require.NoError(t, first.Ping(ctx), "control messages are not limited")

	second := d.connect(t, false)
	_, err = second.Ready(ctx)
	assert.NoError(t, err, "each client has its own bucket")
}
