// Package embedq schedules background embedding refreshes.
//
// Writes to cards, memories, and relationships null the row's cached
// embedding; the queue re-embeds those rows off the turn's critical path. A
// single worker processes tasks in submission order, and a pending-key set
// coalesces duplicate submissions: enqueueing a key that is already waiting
// or running is a no-op, so a burst of writes to the same story costs one
// sweep, not one per write.
//
// Failures are logged and dropped, never retried. The next write to the same
// row nulls its embedding again and re-enqueues, so a transient provider
// outage heals on its own.
package embedq

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of embedding work, typically a [Refresher] method bound to
// its arguments.
type Task func(ctx context.Context) error

// Queue is a concurrency-1 task scheduler with per-key deduplication.
// Construct with [New]; the zero value is not usable.
type Queue struct {
	mu      sync.Mutex
	idle    *sync.Cond
	pending map[string]struct{}
	jobs    chan job
	closed  bool

	done chan struct{}
}

type job struct {
	key  string
	task Task
}

// options holds optional configuration collected from functional options.
type options struct {
	buffer int
}

// Opt is a functional option for [New].
type Opt func(*options)

// WithBuffer sets the job channel capacity. Once the buffer is full, Enqueue
// drops new keys instead of blocking the caller. Default 256.
func WithBuffer(n int) Opt {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// New creates a Queue and starts its worker goroutine.
// Callers must Close the queue when done with it.
func New(opts ...Opt) *Queue {
	o := options{buffer: 256}
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue{
		pending: map[string]struct{}{},
		jobs:    make(chan job, o.buffer),
		done:    make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)
	go q.work()
	return q
}

// Enqueue submits task under key. Returns true if the task was accepted,
// false if the key is already pending, the buffer is full, or the queue is
// closed. A rejected task is dropped silently: pending keys mean equivalent
// work is already scheduled, and a full buffer means the sweep that
// eventually runs will pick the rows up anyway.
func (q *Queue) Enqueue(key string, task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, dup := q.pending[key]; dup {
		return false
	}

	select {
	case q.jobs <- job{key: key, task: task}:
		q.pending[key] = struct{}{}
		return true
	default:
		slog.Warn("embedq: buffer full, dropping task", "key", key)
		return false
	}
}

// Pending reports how many keys are currently waiting or running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain blocks until the queue is idle (no pending keys) or ctx is done.
// Returns ctx.Err() when cancelled before idling.
func (q *Queue) Drain(ctx context.Context) error {
	var cancelled bool
	waitDone := make(chan struct{})
	go func() {
		q.mu.Lock()
		for len(q.pending) > 0 && !cancelled {
			q.idle.Wait()
		}
		q.mu.Unlock()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		cancelled = true
		q.mu.Unlock()
		q.idle.Broadcast()
		<-waitDone
		return ctx.Err()
	}
}

// Close stops accepting tasks, lets the worker finish everything already
// queued, and waits for it to exit. Safe to call once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.jobs)
	<-q.done
}

// work is the single worker loop. Each task runs under context.Background:
// refresh work belongs to no particular request and should not die with one.
func (q *Queue) work() {
	defer close(q.done)
	for j := range q.jobs {
		if err := j.task(context.Background()); err != nil {
			slog.Warn("embedq: task failed", "key", j.key, "err", err)
		}

		q.mu.Lock()
		delete(q.pending, j.key)
		q.idle.Broadcast()
		q.mu.Unlock()
	}
}
