package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := New(nil, 4)
	defer l.Close()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLoopAfterAndCancel(t *testing.T) {
	l := New(nil, 0)
	defer l.Close()

	fired := make(chan struct{})
	var cancelledRan atomic.Bool

	cancel := l.After(10*time.Millisecond, func() { cancelledRan.Store(true) })
	cancel()
	l.After(20*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, cancelledRan.Load())
}

func TestLoopIdleRunsWhenQueueDrains(t *testing.T) {
	l := New(nil, 0)
	defer l.Close()

	ran := make(chan struct{})
	l.Idle(time.Hour, func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback did not run")
	}
}

func TestLoopGoPostsBack(t *testing.T) {
	l := New(nil, 0)
	defer l.Close()

	result := make(chan int, 1)
	l.Go(func() {
		v := 42
		l.Post(func() { result <- v })
	})
	assert.Equal(t, 42, <-result)
}

func TestLoopDoAfterClose(t *testing.T) {
	l := New(nil, 0)
	l.Close()
	l.Close()
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrClosed)
}

func TestLoopRecoversPanics(t *testing.T) {
	l := New(nil, 0)
	defer l.Close()

	l.Post(func() { panic("boom") })
	var ok bool
	require.NoError(t, l.Do(context.Background(), func() { ok = true }))
	assert.True(t, ok)
}

func TestLoopDoContextCancel(t *testing.T) {
	l := New(nil, 0)
	defer l.Close()

	block := make(chan struct{})
	l.Post(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

func TestManualAdvance(t *testing.T) {
	m := NewManual()
	var order []string

	m.After(300*time.Millisecond, func() { order = append(order, "b") })
	cancel := m.After(100*time.Millisecond, func() { order = append(order, "x") })
	m.After(100*time.Millisecond, func() {
		order = append(order, "a")
		m.Post(func() { order = append(order, "a-post") })
	})
	cancel()
	assert.Equal(t, 2, m.Pending())

	m.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"a", "a-post"}, order)
	assert.Equal(t, 200*time.Millisecond, m.Now())

	m.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"a", "a-post", "b"}, order)
	assert.Equal(t, 0, m.Pending())
}

func TestManualIdleAfterQueue(t *testing.T) {
	m := NewManual()
	var order []string
	m.Idle(time.Second, func() { order = append(order, "idle") })
	m.Post(func() { order = append(order, "task") })
	m.Drain()
	assert.Equal(t, []string{"task", "idle"}, order)

	var s Scheduler = WithoutIdle(m)
	_, isIdle := s.(IdleScheduler)
	assert.False(t, isIdle)
}

func TestLoopIdleFromFullQueue(t *testing.T) {
	l := New(nil, 4)
	defer l.Close()

	ran := make(chan struct{})
	l.Post(func() {
	fill:
		for {
			select {
			case l.tasks <- func() {}:
			default:
				break fill
			}
		}
		l.Idle(0, func() { close(ran) })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Do(ctx, func() {}))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback did not run")
	}
}

func TestLoopDoGivesUpWhileQueueFull(t *testing.T) {
	l := New(nil, 2)
	defer l.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	l.Post(func() {
		close(started)
		<-block
	})
	<-started
	l.Post(func() {})
	l.Post(func() {})

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Do(ctx, func() { ran.Store(true) }), context.DeadlineExceeded)

	close(block)
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, ran.Load())
}

func TestLoopDoSkipsAbandonedWork(t *testing.T) {
	l := New(nil, 0)
	defer l.Close()

	block := make(chan struct{})
	l.Post(func() { <-block })

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Do(ctx, func() { ran.Store(true) }), context.DeadlineExceeded)

	close(block)
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, ran.Load(), "work queued by a cancelled Do must not run")
}
