// Package session hosts open documents. Each Session owns a parsed tree, a
// single-threaded loop and the Highlighter of that tree; every operation
// runs to completion on the loop before the next one starts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/net/html"

	"markd/internal/anchor"
	"markd/internal/dom"
	"markd/internal/highlight"
	"markd/internal/logging"
	"markd/internal/loop"
)

var (
	ErrNotOpen     = errors.New("session: document not open")
	ErrAlreadyOpen = errors.New("session: document already open")
	ErrClosed      = errors.New("session: closed")
	ErrNoMatch     = errors.New("session: text not found")
)

// Info summarizes an open document.
type Info struct {
	Key     string `json:"key" msgpack:"key"`
	URL     string `json:"url" msgpack:"url"`
	Title   string `json:"title" msgpack:"title"`
	Count   int    `json:"count" msgpack:"count"`
	State   string `json:"state" msgpack:"state"`
	Focused string `json:"focused,omitempty" msgpack:"focused,omitempty"`
}

// Session is one open document.
type Session struct {
	key   string
	url   string
	title string

	root    *html.Node
	loop    *loop.Loop
	hl      *highlight.Highlighter
	anchors anchor.Codec
	notify  func(Event)
	log     *logging.Logger

	// ctx bounds background fetches; cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Focused implements highlight.Presenter.
func (s *Session) Focused(id string, at anchor.Position) {
	pos := at
	s.emit(Event{Type: EventHighlightFocused, ID: id, Position: &pos})
}

// Blurred implements highlight.Presenter.
func (s *Session) Blurred() {
	s.emit(Event{Type: EventHighlightBlurred})
}

func (s *Session) emit(e Event) {
	if s.notify == nil {
		return
	}
	e.Key = s.key
	s.notify(e)
}

// Key returns the storage key of the document.
func (s *Session) Key() string { return s.key }

// URL returns the URL the document was opened with.
func (s *Session) URL() string { return s.url }

// Title returns the document title.
func (s *Session) Title() string { return s.title }

func (s *Session) do(ctx context.Context, fn func()) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.loop.Do(ctx, fn); err != nil {
		if errors.Is(err, loop.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// load runs a load on the loop and waits for its immediate phase.
func (s *Session) load(ctx context.Context) error {
	var done <-chan struct{}
	if err := s.do(ctx, func() { done = s.hl.Load(s.ctx) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info reports the current state of the document.
func (s *Session) Info(ctx context.Context) (Info, error) {
	info := Info{Key: s.key, URL: s.url, Title: s.title}
	err := s.do(ctx, func() {
		info.Count = s.hl.Len()
		info.State = s.hl.State().String()
		info.Focused = s.hl.Focused()
	})
	return info, err
}

// AddRange highlights the span between two positions.
func (s *Session) AddRange(ctx context.Context, start, end anchor.Position, color string) (highlight.Record, error) {
	var (
		rec    highlight.Record
		addErr error
	)
	err := s.do(ctx, func() {
		r, err := s.anchors.Decode(s.root, start, end)
		if err != nil {
			addErr = err
			return
		}
		rec, addErr = s.add(r, color)
	})
	if err != nil {
		return highlight.Record{}, err
	}
	return rec, addErr
}

// AddText highlights the occurrence-th match of text, counting from zero.
func (s *Session) AddText(ctx context.Context, text string, occurrence int, color string) (highlight.Record, error) {
	var (
		rec    highlight.Record
		addErr error
	)
	err := s.do(ctx, func() {
		r, ok := dom.FindText(s.root, text, occurrence)
		if !ok {
			addErr = fmt.Errorf("%w: %q (occurrence %d)", ErrNoMatch, text, occurrence)
			return
		}
		rec, addErr = s.add(r, color)
	})
	if err != nil {
		return highlight.Record{}, err
	}
	return rec, addErr
}

// add runs on the loop.
func (s *Session) add(r dom.Range, color string) (highlight.Record, error) {
	id, err := s.hl.Add(r, color)
	if err != nil {
		return highlight.Record{}, err
	}
	rec, _ := s.hl.Record(id)
	s.emit(Event{Type: EventHighlightAdded, ID: id, Color: rec.Color})
	return rec, nil
}

// Restyle changes a highlight's color. It reports whether the highlight
// still exists afterwards; unknown ids are a no-op.
func (s *Session) Restyle(ctx context.Context, id, color string) (bool, error) {
	var exists bool
	err := s.do(ctx, func() {
		_, known := s.hl.Record(id)
		s.hl.Restyle(id, color)
		if !known {
			return
		}
		if _, exists = s.hl.Record(id); exists {
			s.emit(Event{Type: EventHighlightRestyled, ID: id, Color: color})
		} else {
			s.emit(Event{Type: EventHighlightRemoved, ID: id})
		}
	})
	return exists, err
}

// Focus focuses a highlight and reports where its first marker sits. The
// boolean is false when the highlight has no markers.
func (s *Session) Focus(ctx context.Context, id string) (highlight.FocusResult, bool, error) {
	var (
		res highlight.FocusResult
		ok  bool
	)
	err := s.do(ctx, func() { res, ok = s.hl.Focus(id) })
	return res, ok, err
}

// Blur clears focus.
func (s *Session) Blur(ctx context.Context) error {
	return s.do(ctx, s.hl.Blur)
}

// Erase removes a highlight. Unknown ids are a no-op and report false.
func (s *Session) Erase(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := s.do(ctx, func() {
		if removed = s.hl.Erase(id); removed {
			s.emit(Event{Type: EventHighlightRemoved, ID: id})
		}
	})
	return removed, err
}

// ClearAll removes every highlight and returns how many there were.
func (s *Session) ClearAll(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func() {
		if n = s.hl.ClearAll(); n > 0 {
			s.emit(Event{Type: EventHighlightsCleared, Count: n})
		}
	})
	return n, err
}

// Records returns the collection in arrival order.
func (s *Session) Records(ctx context.Context) ([]highlight.Record, error) {
	var out []highlight.Record
	err := s.do(ctx, func() { out = s.hl.Records() })
	return out, err
}

// Sorted returns the collection newest first.
func (s *Session) Sorted(ctx context.Context) ([]highlight.Record, error) {
	var out []highlight.Record
	err := s.do(ctx, func() { out = s.hl.Sorted() })
	return out, err
}

// Collect returns every highlight with its sanitized marker markup.
func (s *Session) Collect(ctx context.Context) ([]highlight.Collected, error) {
	var out []highlight.Collected
	err := s.do(ctx, func() { out = s.hl.Collect() })
	return out, err
}

// Render returns the current markup of the document, markers included.
func (s *Session) Render(ctx context.Context) (string, error) {
	var (
		out       string
		renderErr error
	)
	if err := s.do(ctx, func() { out, renderErr = dom.Render(s.root) }); err != nil {
		return "", err
	}
	return out, renderErr
}

// Reload drops the in-memory collection, including any unsaved change,
// and loads the stored one again.
func (s *Session) Reload(ctx context.Context) error {
	if err := s.load(ctx); err != nil {
		return err
	}
	s.emit(Event{Type: EventReloaded})
	return nil
}

// ApplyOptions replaces the highlight tunables.
func (s *Session) ApplyOptions(ctx context.Context, opts highlight.Options) error {
	return s.do(ctx, func() { s.hl.SetOptions(opts) })
}

// Options returns the highlight tunables in use.
func (s *Session) Options(ctx context.Context) (highlight.Options, error) {
	var opts highlight.Options
	err := s.do(ctx, func() { opts = s.hl.Options() })
	return opts, err
}

// Print clears focus and asks clients to print the document.
func (s *Session) Print(ctx context.Context) error {
	return s.do(ctx, func() {
		s.hl.Blur()
		s.emit(Event{Type: EventPrintRequested})
	})
}

// Flush writes a pending save now.
func (s *Session) Flush(ctx context.Context) error {
	var flushErr error
	if err := s.do(ctx, func() { flushErr = s.hl.Flush(ctx) }); err != nil {
		return err
	}
	return flushErr
}

// Close flushes a pending save and stops the loop. Later operations fail
// with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.Flush(ctx)
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.cancel()
	s.loop.Close()
	if err != nil {
		s.log.Warn("flush on close failed", "error", err)
	}
	return err
}
