package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"loud", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, lvl := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(lvl))
		require.NoError(t, err)
		assert.Equal(t, lvl, parsed)
	}
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatText, ParseFormat("text"))
	assert.Equal(t, FormatText, ParseFormat(""))
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelDebug, Format: FormatJSON, Writer: &buf, Component: "highlight"})
	require.NoError(t, err)

	l.WithDocument("markd::https://example.com/a").Info("restored", "count", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "highlight", rec["component"])
	assert.Equal(t, "markd::https://example.com/a", rec["doc"])
	assert.Equal(t, float64(3), rec["count"])
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Format: FormatText, Writer: &buf})
	require.NoError(t, err)

	l.Info("connect", "auth_token", "abc123", "page", "home")

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "page=home")
}

func TestShouldRedact(t *testing.T) {
	assert.True(t, shouldRedact("Password"))
	assert.True(t, shouldRedact("api_key"))
	assert.True(t, shouldRedact("session_cookie"))
	assert.False(t, shouldRedact("id"))
	assert.False(t, shouldRedact("color"))
	assert.False(t, shouldRedact("doc"))
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-7")
	assert.Equal(t, "req-7", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.Equal(t, "", RequestIDFromContext(nil)) //nolint:staticcheck

	var buf bytes.Buffer
	l, err := New(&Config{Format: FormatJSON, Writer: &buf})
	require.NoError(t, err)
	l.WithContext(ctx).Info("x")
	assert.Contains(t, buf.String(), `"request_id":"req-7"`)
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing")
	assert.NoError(t, l.Close())
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "markd.log")
	l, err := New(&Config{Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)

	l.Info("hello file")
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}

func TestFileRotatorRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markd.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 2})
	require.NoError(t, err)

	line := []byte(strings.Repeat("x", 1023) + "\n")
	for i := 0; i < 1100; i++ {
		_, err := r.Write(line)
		require.NoError(t, err)
	}

	require.NoError(t, r.Close())
	backups, err := r.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, st.Size(), int64(1024*1024))
}

func TestFileRotatorPrunesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markd.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxBackups: 2, Compress: true})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := r.Write([]byte("entry\n"))
		require.NoError(t, err)
		require.NoError(t, r.Rotate())
		// Distinct timestamps in the rotated names.
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, r.Close())

	backups, err := r.Backups()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 2)
	for _, b := range backups {
		assert.True(t, strings.HasSuffix(b, ".gz"), b)
	}
}
