// Package loop runs the work of one document on a single goroutine.
//
// Everything that touches a document tree is posted to its Loop, so tree
// mutation never needs locking. Blocking work (storage calls) runs through
// Go on its own goroutine and posts its continuation back.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"markd/internal/logging"
)

// ErrClosed is returned by Do once the loop has stopped.
var ErrClosed = errors.New("loop: closed")

// Scheduler is what a component needs to defer work onto its owning
// thread.
type Scheduler interface {
	// After runs fn on the owning thread once d has elapsed. The returned
	// function cancels it; cancelling after fn ran is a no-op.
	After(d time.Duration, fn func()) (cancel func())

	// Post queues fn on the owning thread.
	Post(fn func())

	// Go runs fn off the owning thread.
	Go(fn func())
}

// IdleScheduler is implemented by schedulers that can run work when the
// owning thread has nothing else queued.
type IdleScheduler interface {
	Scheduler

	// Idle runs fn once the queue drains, or after timeout at the latest.
	Idle(timeout time.Duration, fn func())
}

// Loop is the goroutine-backed IdleScheduler.
type Loop struct {
	log   *logging.Logger
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	idle   []*idleTask

	bg sync.WaitGroup
}

type idleTask struct {
	fn  func()
	ran bool
}

// New starts a loop. queue is the capacity of the task channel.
func New(log *logging.Logger, queue int) *Loop {
	if log == nil {
		log = logging.Nop()
	}
	if queue <= 0 {
		queue = 64
	}
	l := &Loop{
		log:   log,
		tasks: make(chan func(), queue),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-l.quit:
			for {
				select {
				case fn := <-l.tasks:
					l.exec(fn)
				default:
					return
				}
			}
		}
		if len(l.tasks) == 0 {
			l.runIdle()
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (l *Loop) runIdle() {
	l.mu.Lock()
	pending := l.idle
	l.idle = nil
	l.mu.Unlock()

	for _, t := range pending {
		if !t.ran {
			t.ran = true
			l.exec(t.fn)
		}
	}
}

// Post implements Scheduler. Work posted after Close is dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	select {
	case l.tasks <- fn:
	case <-l.quit:
	}
}

// After implements Scheduler.
func (l *Loop) After(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		t.Stop()
	}
}

// Go implements Scheduler.
func (l *Loop) Go(fn func()) {
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		fn()
	}()
}

// Idle implements IdleScheduler.
func (l *Loop) Idle(timeout time.Duration, fn func()) {
	t := &idleTask{fn: fn}
	l.mu.Lock()
	l.idle = append(l.idle, t)
	l.mu.Unlock()

	// Wake the loop so an empty queue is noticed. A full queue needs no
	// wake, and this may run on the loop itself.
	select {
	case l.tasks <- func() {}:
	default:
	}
	if timeout > 0 {
		time.AfterFunc(timeout, func() {
			l.Post(func() {
				if !t.ran {
					t.ran = true
					fn()
				}
			})
		})
	}
}

// Do runs fn on the loop and waits for it to return. When ctx ends or
// the loop closes before fn starts, fn never runs; once it has started,
// Do waits for it and reports success.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	const (
		queued int32 = iota
		started
		abandoned
	)
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var state atomic.Int32
	finished := make(chan struct{})
	task := func() {
		if !state.CompareAndSwap(queued, started) {
			return
		}
		defer close(finished)
		fn()
	}
	select {
	case l.tasks <- task:
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	select {
	case <-finished:
		return nil
	case <-l.done:
		err = ErrClosed
	case <-ctx.Done():
		err = ctx.Err()
	}
	if state.CompareAndSwap(queued, abandoned) {
		return err
	}
	<-finished
	return nil
}

// Close drains queued work, stops the loop and waits for background work
// started with Go.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.quit)
	<-l.done
	l.bg.Wait()
}
