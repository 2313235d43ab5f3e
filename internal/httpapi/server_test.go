package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markd/internal/backup"
	"markd/internal/health"
	"markd/internal/ipc"
	"markd/internal/kv"
	"markd/internal/metrics"
	"markd/internal/session"
)

const pageMarkup = `<html><head><title>Fox</title></head><body>` +
	`<p>The quick brown fox jumps over the lazy dog.</p></body></html>`

func newTestServer(t *testing.T) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	return newLimitedServer(t, 0, 0)
}

func newLimitedServer(t *testing.T, rate float64, burst int) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	store := kv.NewMemory(0)
	sessions, err := session.NewManager(session.Options{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { sessions.CloseAll(context.Background()) })

	svc, err := backup.New(store, kv.JSON{}, nil)
	require.NoError(t, err)
	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{Version: "test", Sessions: sessions, Backup: svc})

	checker := health.NewChecker()
	checker.RegisterFunc("storage", true, health.StorageCheck(store.BytesInUse, 90))
	checker.SetReady(true)

	met := metrics.New()
	srv, err := New(Config{Executor: handler, Health: checker, Metrics: met, RateLimit: rate, RateBurst: burst})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, met
}

func post(t *testing.T, ts *httptest.Server, command, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/"+command, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestCommandRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := post(t, ts, "ping", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ready":true}`, string(body))

	resp, body = post(t, ts, "openDocument",
		`{"url":"https://example.com/fox?utm=1","html":`+jsonString(pageMarkup)+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var opened ipc.OpenDocumentResponse
	require.NoError(t, json.Unmarshal(body, &opened))
	assert.Equal(t, "markd::https://example.com/fox", opened.Key)
	assert.Equal(t, "Fox", opened.Title)

	resp, body = post(t, ts, "addHighlight", `{"url":"https://example.com/fox","text":"lazy dog"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var added ipc.AddHighlightResponse
	require.NoError(t, json.Unmarshal(body, &added))
	assert.Equal(t, "lazy dog", added.Record.TextSnippet)

	resp, body = post(t, ts, "exportMarkdown", `{"url":"https://example.com/fox"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out ipc.ExportResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "markdown", out.Format)
	assert.Contains(t, out.Content, "lazy dog")
	assert.True(t, strings.HasSuffix(out.FileName, ".md"), out.FileName)
}

func TestCommandErrors(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name    string
		command string
		body    string
		status  int
		code    int
	}{
		{"unknown command", "rewind", `{}`, http.StatusBadRequest, ipc.ErrInvalidRequest},
		{"malformed body", "openDocument", `{"url":`, http.StatusBadRequest, ipc.ErrInvalidRequest},
		{"document not open", "getHighlights", `{"url":"https://example.com/none"}`, http.StatusNotFound, ipc.ErrNotOpen},
		{"missing id", "deleteHighlight", `{"url":"https://example.com/none"}`, http.StatusBadRequest, ipc.ErrInvalidRequest},
		{"invalid backup", "backupImport", `{"json":"[1]"}`, http.StatusBadRequest, ipc.ErrInvalidBackup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts, tt.command, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var e ErrorBody
			require.NoError(t, json.Unmarshal(body, &e))
			assert.False(t, e.OK)
			assert.Equal(t, tt.code, e.Code)
			assert.NotEmpty(t, e.Error)
		})
	}

	_, body := post(t, ts, "rewind", "")
	assert.JSONEq(t, `{"ok":false,"code":2,"error":"unknown command"}`, string(body))
}

func TestCommandsOnlyAcceptPost(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)
	post(t, ts, "ping", "")

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `markd_requests_total{command="ping",status="ok",transport="http"} 1`)
}

func TestRateLimit(t *testing.T) {
	ts, _ := newLimitedServer(t, 0.001, 2)

	for i := 0; i < 2; i++ {
		resp, _ := post(t, ts, "ping", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := post(t, ts, "ping", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var e ErrorBody
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, ipc.ErrRateLimited, e.Code)

	resp, err := http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "probes are not limited")
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusCode(ipc.ErrAlreadyExists))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusCode(ipc.ErrUnresolvable))
	assert.Equal(t, http.StatusInsufficientStorage, StatusCode(ipc.ErrQuotaExceeded))
	assert.Equal(t, http.StatusForbidden, StatusCode(ipc.ErrPermissionDenied))
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(ipc.ErrRateLimited))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(ipc.ErrUnknown))
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
