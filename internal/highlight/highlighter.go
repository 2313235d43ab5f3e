// Package highlight keeps the highlights of one document: it renders them
// into the tree, restores them after a load and persists the collection
// through a kv.Store with a debounced, quota-aware save.
//
// A Highlighter is not safe for concurrent use. Every method, and every
// callback it schedules, runs on the thread owned by its Scheduler.
package highlight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/html"

	"markd/internal/anchor"
	"markd/internal/dom"
	"markd/internal/kv"
	"markd/internal/logging"
	"markd/internal/loop"
	"markd/internal/mark"
	"markd/internal/metrics"
)

var (
	// ErrCollapsed is returned by Add for an empty selection.
	ErrCollapsed = errors.New("highlight: range is collapsed")

	// ErrRenderFailed wraps the materializer error when a new highlight
	// could not be drawn. Nothing is recorded in that case.
	ErrRenderFailed = errors.New("highlight: render failed")

	// ErrLoadFailed is returned by Flush while the stored collection could
	// not be read. Saves stay off until a load succeeds so the stored
	// records are not overwritten.
	ErrLoadFailed = errors.New("highlight: stored collection not loaded")
)

// State is the load state of the collection.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return "unloaded"
}

// Presenter is told where focus goes.
type Presenter interface {
	Focused(id string, at anchor.Position)
	Blurred()
}

// Options are the tunables of a Highlighter.
type Options struct {
	SaveDebounce   time.Duration
	InitialRestore int
	IdleTimeout    time.Duration
	IdleFallback   time.Duration
	RetentionCap   int
	QuotaThreshold float64
	SnippetMax     int
	FlashDuration  time.Duration
	DefaultColor   string
}

// DefaultOptions returns the stock tunables.
func DefaultOptions() Options {
	return Options{
		SaveDebounce:   300 * time.Millisecond,
		InitialRestore: 50,
		IdleTimeout:    2 * time.Second,
		IdleFallback:   time.Second,
		RetentionCap:   1000,
		QuotaThreshold: 0.9,
		SnippetMax:     80,
		FlashDuration:  800 * time.Millisecond,
		DefaultColor:   "#FFD3B6",
	}
}

// Config wires a Highlighter to its document and collaborators. Key,
// Root, Store and Scheduler are required.
type Config struct {
	Key       string
	Root      *html.Node
	Store     kv.Store
	Codec     kv.Codec
	Anchors   anchor.Codec
	Scheduler loop.Scheduler
	Presenter Presenter
	Options   Options
	Metrics   *metrics.Metrics
	Log       *logging.Logger

	// Sanitize cleans collected marker markup. Defaults to Sanitize.
	Sanitize func(string) string

	Now   func() time.Time
	NewID func() string
}

// FocusResult describes a focused highlight.
type FocusResult struct {
	ID       string          `json:"id" msgpack:"id"`
	Position anchor.Position `json:"position" msgpack:"position"`
	Markers  int             `json:"markers" msgpack:"markers"`
}

// Highlighter owns the highlight collection of one document.
type Highlighter struct {
	key      string
	root     *html.Node
	store    kv.Store
	codec    kv.Codec
	anchors  anchor.Codec
	sched    loop.Scheduler
	present  Presenter
	opts     Options
	metrics  *metrics.Metrics
	log      *logging.Logger
	sanitize func(string) string
	now      func() time.Time
	newID    func() string

	index   *mark.Index
	records []Record
	state   State
	focused string
	loadErr error

	// generation of the loaded collection; staged restores of an older
	// load are dropped
	gen uint64

	// save bookkeeping, see save.go
	cancelSave func()
	pending    bool
	writing    bool
	rearm      bool
	seq        uint64

	wmu         sync.Mutex
	lastWritten uint64
}

// New returns an unloaded Highlighter.
func New(cfg Config) (*Highlighter, error) {
	if cfg.Root == nil || cfg.Store == nil || cfg.Scheduler == nil {
		return nil, errors.New("highlight: root, store and scheduler are required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("highlight: %w: empty key", kv.ErrBadKey)
	}
	h := &Highlighter{
		key:      cfg.Key,
		root:     cfg.Root,
		store:    cfg.Store,
		codec:    cfg.Codec,
		anchors:  cfg.Anchors,
		sched:    cfg.Scheduler,
		present:  cfg.Presenter,
		opts:     cfg.Options,
		metrics:  cfg.Metrics,
		log:      cfg.Log,
		sanitize: cfg.Sanitize,
		now:      cfg.Now,
		newID:    cfg.NewID,
		index:    mark.NewIndex(cfg.Root),
	}
	if h.codec == nil {
		h.codec = kv.JSON{}
	}
	if h.anchors == nil {
		h.anchors = anchor.IndexPath{}
	}
	if h.opts == (Options{}) {
		h.opts = DefaultOptions()
	}
	if h.metrics == nil {
		h.metrics = metrics.Discard()
	}
	if h.log == nil {
		h.log = logging.Nop()
	}
	h.log = h.log.WithComponent("highlight").WithDocument(cfg.Key)
	if h.sanitize == nil {
		h.sanitize = Sanitize
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.newID == nil {
		h.newID = NewID
	}
	return h, nil
}

// SetOptions replaces the tunables. A pending save keeps its timer.
func (h *Highlighter) SetOptions(o Options) {
	h.opts = o
}

// Options returns the current tunables.
func (h *Highlighter) Options() Options {
	return h.opts
}

// Key returns the storage key of the document.
func (h *Highlighter) Key() string { return h.key }

// State returns the load state.
func (h *Highlighter) State() State { return h.state }

// LoadErr returns why the last load failed, or nil.
func (h *Highlighter) LoadErr() error { return h.loadErr }

// Focused returns the focused highlight id, or "".
func (h *Highlighter) Focused() string { return h.focused }

// Len returns the number of records.
func (h *Highlighter) Len() int { return len(h.records) }

// Records returns a copy of the collection in arrival order.
func (h *Highlighter) Records() []Record {
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

// Sorted returns a copy of the collection, newest first.
func (h *Highlighter) Sorted() []Record {
	out := h.Records()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Record returns the record for id.
func (h *Highlighter) Record(id string) (Record, bool) {
	if i := h.find(id); i >= 0 {
		return h.records[i], true
	}
	return Record{}, false
}

// Markers returns the marker elements of id, from the index.
func (h *Highlighter) Markers(id string) []*html.Node {
	return h.index.Get(id)
}

func (h *Highlighter) find(id string) int {
	for i := range h.records {
		if h.records[i].ID == id {
			return i
		}
	}
	return -1
}

// Load fetches the stored collection and renders it. Any collection
// already in memory is replaced and its markers removed. The returned
// channel is closed once the records of the immediate phase are rendered;
// the rest follow when the scheduler is idle.
func (h *Highlighter) Load(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	h.stopSave()
	for _, r := range h.records {
		mark.Remove(h.root, r.ID)
	}
	h.index.Reset(nil)
	h.records = nil
	h.clearFocus()
	h.state = Loading
	h.gen++
	gen := h.gen

	h.sched.Go(func() {
		recs, err := h.fetch(ctx)
		h.sched.Post(func() {
			defer close(done)
			if gen != h.gen {
				return
			}
			h.loadErr = err
			if err != nil {
				h.log.Error("load failed, saves suspended until a load succeeds", "error", err)
			}
			h.loaded(recs)
		})
	})
	return done
}

func (h *Highlighter) fetch(ctx context.Context) ([]Record, error) {
	data, ok, err := h.store.Get(ctx, h.key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", h.key, err)
	}
	if !ok || len(data) == 0 {
		return nil, nil
	}
	var recs []Record
	if err := h.codec.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.key, err)
	}
	return recs, nil
}

func (h *Highlighter) loaded(recs []Record) {
	seen := make(map[string]bool, len(recs))
	h.records = make([]Record, 0, len(recs))
	for _, r := range recs {
		if r.ID == "" || seen[r.ID] {
			h.log.Warn("dropping record with duplicate or empty id", "id", r.ID)
			continue
		}
		seen[r.ID] = true
		r.TextSnippet = Sanitize(r.TextSnippet)
		h.records = append(h.records, r)
	}
	h.state = Ready
	if len(h.records) == 0 {
		return
	}

	failed := make(map[string]bool)
	n := min(len(h.records), h.opts.InitialRestore)
	for _, r := range h.records[:n] {
		if !h.restore(r) {
			failed[r.ID] = true
		}
	}
	h.log.Debug("restored initial highlights", "count", n, "total", len(h.records), "failed", len(failed))

	if len(h.records) <= n {
		h.prune(failed)
		return
	}

	rest := make([]string, 0, len(h.records)-n)
	for _, r := range h.records[n:] {
		rest = append(rest, r.ID)
	}
	gen := h.gen
	h.deferred(func() {
		if gen != h.gen {
			return
		}
		for _, id := range rest {
			// Erased while waiting.
			i := h.find(id)
			if i < 0 {
				continue
			}
			if !h.restore(h.records[i]) {
				failed[id] = true
			}
		}
		h.prune(failed)
	})
}

// deferred runs fn when the scheduler is idle, or after the fallback
// delay when it cannot report idleness.
func (h *Highlighter) deferred(fn func()) {
	if is, ok := h.sched.(loop.IdleScheduler); ok {
		is.Idle(h.opts.IdleTimeout, fn)
		return
	}
	h.sched.After(h.opts.IdleFallback, fn)
}

func (h *Highlighter) prune(failed map[string]bool) {
	if len(failed) == 0 {
		return
	}
	kept := h.records[:0]
	for _, r := range h.records {
		if !failed[r.ID] {
			kept = append(kept, r)
		}
	}
	h.records = kept
	h.metrics.HighlightsRemoved.WithLabelValues("prune").Add(float64(len(failed)))
	h.log.Warn("pruned unrestorable highlights", "count", len(failed))
	h.scheduleSave()
}

// restore renders r unless markers for it already exist. It reports
// whether r is rendered afterwards.
func (h *Highlighter) restore(r Record) bool {
	if len(h.index.Get(r.ID)) > 0 {
		h.metrics.Restores.WithLabelValues("skipped").Inc()
		return true
	}
	rng, err := h.anchors.Decode(h.root, r.Start, r.End)
	if err != nil {
		h.log.Debug("restore failed", "id", r.ID, "error", err)
		h.metrics.Restores.WithLabelValues("failed").Inc()
		return false
	}
	if _, err := mark.Apply(rng, r.ID, r.Color); err != nil {
		h.log.Debug("restore failed", "id", r.ID, "error", err)
		h.metrics.Restores.WithLabelValues("failed").Inc()
		return false
	}
	h.index.Invalidate(r.ID)
	h.metrics.Restores.WithLabelValues("ok").Inc()
	return true
}

// Restore renders the record id if its markers are missing.
func (h *Highlighter) Restore(id string) bool {
	i := h.find(id)
	if i < 0 {
		return false
	}
	return h.restore(h.records[i])
}

// Add records a highlight over r and renders it. An empty color selects
// the default color.
func (h *Highlighter) Add(r dom.Range, color string) (string, error) {
	if r.Collapsed() {
		return "", ErrCollapsed
	}
	if color == "" {
		color = h.opts.DefaultColor
	}
	id := h.newID()
	start, end, err := h.anchors.Encode(h.root, r)
	if err != nil {
		return "", fmt.Errorf("encode range: %w", err)
	}
	rec := Record{
		ID:          id,
		Color:       color,
		Start:       start,
		End:         end,
		TextSnippet: Snippet(r.Text(), h.opts.SnippetMax),
		CreatedAt:   h.now().UnixMilli(),
	}
	if _, err := mark.Apply(r, id, color); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	h.index.Invalidate(id)
	h.records = append(h.records, rec)
	h.metrics.HighlightsAdded.Inc()
	h.scheduleSave()
	return id, nil
}

// Restyle changes the color of id. Unknown ids only clear focus. A
// highlight whose markers are gone and cannot be restored is erased.
func (h *Highlighter) Restyle(id, color string) {
	i := h.find(id)
	if i < 0 {
		h.clearFocus()
		return
	}
	markers := h.index.Get(id)
	if len(markers) == 0 && h.restore(h.records[i]) {
		markers = h.index.Get(id)
	}
	if len(markers) == 0 {
		h.Erase(id)
		return
	}
	mark.Restyle(markers, color)
	h.records[i].Color = color
	h.scheduleSave()
}

// Erase removes id. It reports whether a record was removed.
func (h *Highlighter) Erase(id string) bool {
	i := h.find(id)
	if i < 0 {
		return false
	}
	mark.Remove(h.root, id)
	h.index.Invalidate(id)
	h.records = append(h.records[:i], h.records[i+1:]...)
	if h.focused == id {
		h.clearFocus()
	}
	h.metrics.HighlightsRemoved.WithLabelValues("erase").Inc()
	h.scheduleSave()
	return true
}

// ClearAll removes every highlight with a single save.
func (h *Highlighter) ClearAll() int {
	n := len(h.records)
	if n == 0 {
		return 0
	}
	for _, r := range h.records {
		mark.Remove(h.root, r.ID)
		h.index.Invalidate(r.ID)
	}
	h.records = nil
	h.clearFocus()
	h.metrics.HighlightsRemoved.WithLabelValues("clear").Add(float64(n))
	h.scheduleSave()
	return n
}

// Focus makes id the focused highlight and pulses its markers. It reports
// false when the highlight has no markers and none could be restored.
func (h *Highlighter) Focus(id string) (FocusResult, bool) {
	if h.find(id) < 0 {
		return FocusResult{ID: id}, false
	}
	h.focused = id

	markers := h.index.Get(id)
	if len(markers) == 0 && h.Restore(id) {
		markers = h.index.Get(id)
	}
	if len(markers) == 0 {
		return FocusResult{ID: id}, false
	}

	mark.Flash(markers, true)
	h.sched.After(h.opts.FlashDuration, func() { mark.Flash(markers, false) })

	pos, err := anchor.Serialize(h.root, markers[0], 0)
	if err != nil {
		h.log.Debug("focused marker detached", "id", id, "error", err)
	}
	if h.present != nil {
		h.present.Focused(id, pos)
	}
	return FocusResult{ID: id, Position: pos, Markers: len(markers)}, true
}

func (h *Highlighter) clearFocus() {
	if h.focused == "" {
		return
	}
	h.focused = ""
	if h.present != nil {
		h.present.Blurred()
	}
}

// Blur clears focus.
func (h *Highlighter) Blur() { h.clearFocus() }

// Collect returns every record with the markup its markers enclose,
// restoring missing markers first. Highlights without markers fall back
// to their snippet.
func (h *Highlighter) Collect() []Collected {
	out := make([]Collected, 0, len(h.records))
	for _, r := range h.records {
		markers := h.index.Get(r.ID)
		if len(markers) == 0 && h.restore(r) {
			markers = h.index.Get(r.ID)
		}
		content := ""
		for i, m := range markers {
			s, err := mark.InnerHTML(m)
			if err != nil {
				h.log.Debug("render marker", "error", err)
				continue
			}
			if i > 0 {
				content += " "
			}
			content += s
		}
		if content == "" {
			content = r.TextSnippet
		}
		out = append(out, Collected{
			ID:          r.ID,
			Color:       r.Color,
			TextSnippet: Sanitize(r.TextSnippet),
			CreatedAt:   r.CreatedAt,
			HTMLContent: h.sanitize(content),
		})
	}
	return out
}
