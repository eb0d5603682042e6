// Package queue serialises outgoing requests through a single worker that
// enforces a minimum spacing between request starts.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMinDelay is the spacing applied when New is given a non-positive delay.
const DefaultMinDelay = 100 * time.Millisecond

// Priorities. Lower numbers are served first; equal priorities keep FIFO order.
const (
	PriorityHigh   = -10
	PriorityNormal = 0
	PriorityLow    = 10
)

// ErrClosed is returned for work submitted to, or still queued in, a closed queue.
var ErrClosed = errors.New("queue closed")

type startedKey struct{}

// StartedAt returns the start stamp the queue recorded for the unit running
// with ctx. Consecutive stamps of one queue are at least minDelay apart.
func StartedAt(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startedKey{}).(time.Time)
	return t, ok
}

type item struct {
	id       string
	priority int
	ctx      context.Context
	fn       func(context.Context) error
	enqueued time.Time
	running  bool // guarded by Queue.mu
	done     chan error
}

// Queue is a single-lane request queue. The zero value is not usable; use New.
type Queue struct {
	name     string
	minDelay time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	items     []*item
	lastStart time.Time
	closed    bool

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// New starts a queue worker. name only appears in log lines.
func New(name string, minDelay time.Duration, logger *slog.Logger) *Queue {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		name:     name,
		minDelay: minDelay,
		log:      logger.With("queue", name),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go q.run()
	return q
}

// MinDelay returns the configured spacing.
func (q *Queue) MinDelay() time.Duration {
	return q.minDelay
}

// Do appends fn at the tail and blocks until it ran. The error is fn's error,
// ErrClosed, or ctx.Err() when ctx ended before fn started.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	return q.enqueue(ctx, PriorityNormal, false, fn)
}

// DoPriority is Do with an explicit priority.
func (q *Queue) DoPriority(ctx context.Context, priority int, fn func(context.Context) error) error {
	return q.enqueue(ctx, priority, false, fn)
}

// DoRetry puts fn at the head of the queue. Used for retries of a request
// that already waited its turn once.
func (q *Queue) DoRetry(ctx context.Context, fn func(context.Context) error) error {
	return q.enqueue(ctx, PriorityHigh, true, fn)
}

// Submit runs fn through q and returns its result.
func Submit[R any](ctx context.Context, q *Queue, fn func(context.Context) (R, error)) (R, error) {
	var out R
	err := q.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Len returns the number of units waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the worker. Units that have not started fail with ErrClosed;
// running units are not interrupted.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	close(q.stop)
	<-q.stopped

	for _, it := range pending {
		it.done <- ErrClosed
	}
}

func (q *Queue) enqueue(ctx context.Context, priority int, head bool, fn func(context.Context) error) error {
	it := &item{
		id:       uuid.NewString(),
		priority: priority,
		ctx:      ctx,
		fn:       fn,
		enqueued: time.Now(),
		done:     make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.insertLocked(it, head)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		if !it.running && q.removeLocked(it) {
			q.mu.Unlock()
			return ctx.Err()
		}
		q.mu.Unlock()
		// Already started (or failed by Close): wait for its outcome.
		return <-it.done
	}
}

// insertLocked keeps items ordered by priority, FIFO within a priority.
func (q *Queue) insertLocked(it *item, head bool) {
	if head {
		q.items = append([]*item{it}, q.items...)
		return
	}
	pos := len(q.items)
	for i, other := range q.items {
		if other.priority > it.priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = it
}

func (q *Queue) removeLocked(it *item) bool {
	for i, other := range q.items {
		if other == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// pop takes the next unit and stamps its start. Returns nil when empty.
func (q *Queue) pop() (*item, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, time.Time{}
	}
	it := q.items[0]
	q.items = q.items[1:]
	it.running = true
	q.lastStart = time.Now()
	return it, q.lastStart
}

func (q *Queue) untilNextSlot() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastStart.IsZero() {
		return 0
	}
	return q.minDelay - time.Since(q.lastStart)
}

func (q *Queue) run() {
	defer close(q.stopped)

	for {
		if wait := q.untilNextSlot(); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-q.stop:
				timer.Stop()
				return
			}
			continue
		}

		it, started := q.pop()
		if it == nil {
			select {
			case <-q.wake:
			case <-q.stop:
				return
			}
			continue
		}

		q.log.Debug("queue start", "id", it.id, "waited", started.Sub(it.enqueued))
		go q.execute(it, started)
	}
}

func (q *Queue) execute(it *item, started time.Time) {
	ctx := context.WithValue(it.ctx, startedKey{}, started)
	it.done <- it.fn(ctx)
}
