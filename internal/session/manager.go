package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"markd/internal/anchor"
	"markd/internal/config"
	"markd/internal/dom"
	"markd/internal/highlight"
	"markd/internal/kv"
	"markd/internal/logging"
	"markd/internal/loop"
	"markd/internal/metrics"
)

// Options configures a Manager.
type Options struct {
	Store     kv.Store
	Codec     kv.Codec
	Highlight highlight.Options
	Metrics   *metrics.Metrics
	Log       *logging.Logger

	// Notify receives every event. It is called from document loops and
	// must neither block nor call back into the Manager.
	Notify func(Event)

	// Sanitize cleans collected marker markup; nil keeps the highlight
	// package default.
	Sanitize func(string) string

	// Queue is the task queue capacity of each document loop.
	Queue int
}

// Manager hosts the open documents, one Session per page key.
type Manager struct {
	opts Options
	log  *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager returns an empty Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Codec == nil {
		opts.Codec = kv.JSON{}
	}
	if opts.Highlight == (highlight.Options{}) {
		opts.Highlight = highlight.DefaultOptions()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	return &Manager{
		opts:     opts,
		log:      opts.Log.WithComponent("session"),
		sessions: make(map[string]*Session),
	}, nil
}

func (m *Manager) notify(e Event) {
	if m.opts.Notify != nil {
		m.opts.Notify(e)
	}
}

// Open parses markup as the document at url and restores its stored
// highlights. It returns once the first restore batch is rendered. An
// already open page fails with ErrAlreadyOpen unless replace is set, in
// which case the old session is flushed and closed first.
func (m *Manager) Open(ctx context.Context, url, markup string, replace bool) (*Session, error) {
	key, err := kv.PageKey(url)
	if err != nil {
		return nil, err
	}
	root, err := dom.ParseString(markup)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	old, exists := m.sessions[key]
	if exists && !replace {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, key)
	}
	delete(m.sessions, key)
	opts := m.opts.Highlight
	m.mu.Unlock()

	if exists {
		if err := old.Close(ctx); err != nil && !errors.Is(err, ErrClosed) {
			m.log.Warn("closing replaced document", "key", key, "error", err)
		}
		m.notify(Event{Type: EventDocumentClosed, Key: key})
	}

	log := m.log.WithDocument(key)
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:     key,
		url:     url,
		title:   dom.Title(root),
		root:    root,
		loop:    loop.New(log, m.opts.Queue),
		anchors: anchor.IndexPath{},
		notify:  m.opts.Notify,
		log:     log,
		ctx:     sctx,
		cancel:  cancel,
	}
	s.hl, err = highlight.New(highlight.Config{
		Key:       key,
		Root:      root,
		Store:     m.opts.Store,
		Codec:     m.opts.Codec,
		Anchors:   s.anchors,
		Scheduler: s.loop,
		Presenter: s,
		Options:   opts,
		Metrics:   m.opts.Metrics,
		Log:       m.opts.Log,
		Sanitize:  m.opts.Sanitize,
	})
	if err != nil {
		cancel()
		s.loop.Close()
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		s.closed.Store(true)
		cancel()
		s.loop.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.Close(ctx)
		return nil, ErrClosed
	}
	if _, raced := m.sessions[key]; raced {
		m.mu.Unlock()
		_ = s.Close(ctx)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, key)
	}
	m.sessions[key] = s
	m.opts.Metrics.OpenDocuments.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	log.Info("document opened", "title", s.title)
	m.notify(Event{Type: EventDocumentOpened, Key: key})
	return s, nil
}

// Get returns the open session for url.
func (m *Manager) Get(url string) (*Session, error) {
	key, err := kv.PageKey(url)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	return s, nil
}

// Close flushes and closes the document at url.
func (m *Manager) Close(ctx context.Context, url string) error {
	key, err := kv.PageKey(url)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.opts.Metrics.OpenDocuments.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, key)
	}

	err = s.Close(ctx)
	s.log.Info("document closed")
	m.notify(Event{Type: EventDocumentClosed, Key: key})
	return err
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// List describes every open document, ordered by key. Sessions closed
// while listing are skipped.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	sessions := m.snapshot()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		info, err := s.Info(ctx)
		if errors.Is(err, ErrClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// ReloadAll reloads every open document from the store.
func (m *Manager) ReloadAll(ctx context.Context) error {
	var errs []error
	for _, s := range m.snapshot() {
		if err := s.Reload(ctx); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", s.key, err))
		}
	}
	return errors.Join(errs...)
}

// ClearAllLoaded clears every open document and writes the now empty
// collections at once. It returns the number of highlights removed.
func (m *Manager) ClearAllLoaded(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, s := range m.snapshot() {
		n, err := s.ClearAll(ctx)
		if err == nil {
			err = s.Flush(ctx)
		}
		if err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", s.key, err))
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// ApplyConfig pushes new highlight tunables to every open document and
// to documents opened later, then announces the new settings.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	opts := cfg.HighlightOptions()
	m.mu.Lock()
	m.opts.Highlight = opts
	m.mu.Unlock()

	var errs []error
	for _, s := range m.snapshot() {
		if err := s.ApplyOptions(ctx, opts); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", s.key, err))
		}
	}
	settings := cfg.Settings.Clone()
	m.notify(Event{Type: EventSettingsChanged, Settings: &settings})
	return errors.Join(errs...)
}

// HighlightOptions returns the tunables new documents start with.
func (m *Manager) HighlightOptions() highlight.Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.Highlight
}

// Len returns the number of open documents.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll flushes and closes every document. Later calls to Open fail
// with ErrClosed.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.opts.Metrics.OpenDocuments.Set(0)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", s.key, err))
		}
	}
	m.log.Info("all documents closed", "count", len(sessions))
	return errors.Join(errs...)
}
