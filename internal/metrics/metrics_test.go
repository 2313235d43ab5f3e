package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIndependentPerInstance(t *testing.T) {
	a, b := Discard(), Discard()
	a.HighlightsAdded.Inc()
	a.HighlightsAdded.Inc()
	b.HighlightsAdded.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.HighlightsAdded))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.HighlightsAdded))
}

func TestObserveRequest(t *testing.T) {
	m := Discard()
	m.ObserveRequest("ipc", "ping", "ok", time.Now())
	m.ObserveRequest("ipc", "ping", "ok", time.Now())
	m.ObserveRequest("http", "addHighlight", "error", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("ipc", "ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("http", "addHighlight", "error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Saves.WithLabelValues("ok").Inc()
	m.OpenDocuments.Set(3)
	m.SaveTimer().ObserveDuration()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	assert.True(t, strings.Contains(out, `markd_saves_total{result="ok"} 1`), out)
	assert.Contains(t, out, "markd_open_documents 3")
	assert.Contains(t, out, "markd_save_duration_seconds_count 1")
	assert.Contains(t, out, "go_goroutines")
}
