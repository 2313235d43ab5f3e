package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markd/internal/anchor"
	"markd/internal/config"
	"markd/internal/dom"
	"markd/internal/export"
	"markd/internal/kv"
	"markd/internal/metrics"
)

const (
	pageURL = "https://example.com/fox"
	pageKey = "markd::https://example.com/fox"

	fixture = `<html><head><title>Fox</title></head><body>` +
		`<p>The quick brown fox jumps over the lazy dog.</p>` +
		`<p>Some <b>bold</b> text here.</p>` +
		`</body></html>`
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func gauge(t *testing.T, met *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := met.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newManager(t *testing.T, store kv.Store, mutate ...func(*Options)) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts := Options{Store: store, Notify: rec.notify}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })
	return m, rec
}

func TestNewManagerRequiresStore(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)
}

func TestOpenRestoresPersistedHighlights(t *testing.T) {
	ctx := testContext(t)
	store := kv.NewMemory(0)
	m, _ := newManager(t, store)

	s, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)
	assert.Equal(t, pageKey, s.Key())
	assert.Equal(t, "Fox", s.Title())

	rec, err := s.AddText(ctx, "quick brown", 0, "#C5E1A5")
	require.NoError(t, err)
	assert.Equal(t, "quick brown", rec.TextSnippet)
	require.NoError(t, m.Close(ctx, pageURL))

	_, ok, err := store.Get(ctx, pageKey)
	require.NoError(t, err)
	require.True(t, ok, "close flushes the pending save")

	s, err = m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)
	recs, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)

	out, err := s.Render(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, `data-markd-id="`+rec.ID+`"`)
	assert.Contains(t, out, ">quick brown</mark>")

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, Info{Key: pageKey, URL: pageURL, Title: "Fox", Count: 1, State: "ready"}, info)
}

func TestOpenTwiceNeedsReplace(t *testing.T) {
	ctx := testContext(t)
	m, rec := newManager(t, kv.NewMemory(0))

	old, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)
	added, err := old.AddText(ctx, "lazy dog", 0, "")
	require.NoError(t, err)

	_, err = m.Open(ctx, pageURL+"?ref=feed", fixture, false)
	require.ErrorIs(t, err, ErrAlreadyOpen)

	s, err := m.Open(ctx, pageURL, fixture, true)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	_, err = old.Records(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	recs, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1, "the replaced session flushed before closing")
	assert.Equal(t, added.ID, recs[0].ID)

	assert.Equal(t, []string{
		EventDocumentOpened,
		EventHighlightAdded,
		EventDocumentClosed,
		EventDocumentOpened,
	}, rec.types())
}

func TestLookupErrors(t *testing.T) {
	ctx := testContext(t)
	m, _ := newManager(t, kv.NewMemory(0))

	_, err := m.Get(pageURL)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, m.Close(ctx, pageURL), ErrNotOpen)

	_, err = m.Open(ctx, "not a url", fixture, false)
	assert.ErrorIs(t, err, kv.ErrBadKey)
}

func TestPageVariantsShareSession(t *testing.T) {
	ctx := testContext(t)
	m, _ := newManager(t, kv.NewMemory(0))

	opened, err := m.Open(ctx, "https://Example.com/fox?utm=1", fixture, false)
	require.NoError(t, err)
	got, err := m.Get(pageURL + "#section")
	require.NoError(t, err)
	assert.Same(t, opened, got)
}

func TestOperationEvents(t *testing.T) {
	ctx := testContext(t)
	m, rec := newManager(t, kv.NewMemory(0))
	s, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)

	added, err := s.AddText(ctx, "fox", 0, "#FFAAA5")
	require.NoError(t, err)

	res, ok, err := s.Focus(ctx, added.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, res.Markers)
	focused := rec.last()
	assert.Equal(t, added.ID, focused.ID)
	require.NotNil(t, focused.Position)
	assert.Equal(t, res.Position, *focused.Position)

	require.NoError(t, s.Blur(ctx))

	exists, err := s.Restyle(ctx, added.ID, "#A8E6CF")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Restyle(ctx, "markd-missing", "#A8E6CF")
	require.NoError(t, err)
	assert.False(t, exists)

	removed, err := s.Erase(ctx, added.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Erase(ctx, added.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Equal(t, []string{
		EventDocumentOpened,
		EventHighlightAdded,
		EventHighlightFocused,
		EventHighlightBlurred,
		EventHighlightRestyled,
		EventHighlightRemoved,
	}, rec.types())
	assert.Equal(t, pageKey, rec.last().Key)
}

func TestAddRangeFromEncodedPositions(t *testing.T) {
	ctx := testContext(t)
	m, _ := newManager(t, kv.NewMemory(0))
	s, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)

	// A client encodes positions against its own copy of the document.
	mirror, err := dom.ParseString(fixture)
	require.NoError(t, err)
	r, ok := dom.FindText(mirror, "jumps over", 0)
	require.True(t, ok)
	start, end, err := anchor.IndexPath{}.Encode(mirror, r)
	require.NoError(t, err)

	rec, err := s.AddRange(ctx, start, end, "#DCEDC1")
	require.NoError(t, err)
	assert.Equal(t, "jumps over", rec.TextSnippet)
	assert.True(t, start.Equal(rec.Start))
	assert.True(t, end.Equal(rec.End))

	_, err = s.AddRange(ctx, anchor.Position{Path: []int{9, 9}}, end, "")
	assert.ErrorIs(t, err, anchor.ErrUnresolvable)
}

func TestAddTextNoMatch(t *testing.T) {
	ctx := testContext(t)
	m, _ := newManager(t, kv.NewMemory(0))
	s, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)

	_, err = s.AddText(ctx, "fox", 1, "")
	assert.ErrorIs(t, err, ErrNoMatch)
	_, err = s.AddText(ctx, "wolf", 0, "")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestClearAllLoadedPersistsEmptyCollections(t *testing.T) {
	ctx := testContext(t)
	store := kv.NewMemory(0)
	m, _ := newManager(t, store)

	a, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)
	b, err := m.Open(ctx, "https://example.com/other", fixture, false)
	require.NoError(t, err)
	for _, s := range []*Session{a, b} {
		_, err := s.AddText(ctx, "bold", 0, "")
		require.NoError(t, err)
	}

	n, err := m.ClearAllLoaded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, key := range []string{pageKey, "markd::https://example.com/other"} {
		raw, ok, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `[]`, string(raw), key)
	}
}

func TestReloadAllDropsDeletedCollections(t *testing.T) {
	ctx := testContext(t)
	store := kv.NewMemory(0)
	m, rec := newManager(t, store)

	s, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)
	_, err = s.AddText(ctx, "quick", 0, "")
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, store.Delete(ctx, pageKey))
	require.NoError(t, m.ReloadAll(ctx))

	recs, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	out, err := s.Render(ctx)
	require.NoError(t, err)
	assert.NotContains(t, out, "<mark")
	assert.Equal(t, EventReloaded, rec.last().Type)
}

func TestApplyConfigChangesDefaultColor(t *testing.T) {
	ctx := testContext(t)
	m, rec := newManager(t, kv.NewMemory(0))
	s, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Settings.DefaultColor = "#A8E6CF"
	cfg.Settings.AnimationSpeed = "fast"
	require.NoError(t, m.ApplyConfig(ctx, cfg))

	added, err := s.AddText(ctx, "lazy", 0, "")
	require.NoError(t, err)
	assert.Equal(t, "#A8E6CF", added.Color)

	opts, err := s.Options(ctx)
	require.NoError(t, err)
	assert.Equal(t, 400*time.Millisecond, opts.FlashDuration)
	assert.Equal(t, opts, m.HighlightOptions())

	types := rec.types()
	assert.Contains(t, types, EventSettingsChanged)
	for _, e := range rec.all() {
		if e.Type == EventSettingsChanged {
			require.NotNil(t, e.Settings)
			assert.Equal(t, "#A8E6CF", e.Settings.DefaultColor)
			assert.Empty(t, e.Key)
		}
	}
}

func TestPrintBlursFirst(t *testing.T) {
	ctx := testContext(t)
	m, rec := newManager(t, kv.NewMemory(0))
	s, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)
	added, err := s.AddText(ctx, "dog", 0, "")
	require.NoError(t, err)
	_, _, err = s.Focus(ctx, added.ID)
	require.NoError(t, err)

	require.NoError(t, s.Print(ctx))

	types := rec.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, []string{EventHighlightBlurred, EventPrintRequested}, types[len(types)-2:])
	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Empty(t, info.Focused)
}

func TestCollectKeepsFormatting(t *testing.T) {
	ctx := testContext(t)
	m, _ := newManager(t, kv.NewMemory(0), func(o *Options) { o.Sanitize = export.Sanitize })
	s, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)
	_, err = s.AddText(ctx, "Some bold text", 0, "")
	require.NoError(t, err)

	items, err := s.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Some <b>bold</b> text", items[0].HTMLContent)
	assert.Equal(t, "Some **bold** text", export.HTMLToMarkdown(items[0].HTMLContent))
}

func TestCloseAllTracksOpenDocuments(t *testing.T) {
	ctx := testContext(t)
	met := metrics.Discard()
	m, _ := newManager(t, kv.NewMemory(0), func(o *Options) { o.Metrics = met })

	_, err := m.Open(ctx, pageURL, fixture, false)
	require.NoError(t, err)
	_, err = m.Open(ctx, "https://example.com/other", fixture, false)
	require.NoError(t, err)
	assert.Equal(t, 2.0, gauge(t, met, "markd_open_documents"))

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, pageKey, list[0].Key)

	require.NoError(t, m.CloseAll(ctx))
	assert.Zero(t, gauge(t, met, "markd_open_documents"))

	_, err = m.Open(ctx, pageURL, fixture, false)
	assert.ErrorIs(t, err, ErrClosed)
}
