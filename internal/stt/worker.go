package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrWorkerClosed is returned when work is submitted to a stopped worker.
var ErrWorkerClosed = errors.New("stt: decode worker closed")

// DecodeWorker runs submitted work items one at a time, in submission order,
// on a single dedicated goroutine.
type DecodeWorker struct {
	log *slog.Logger

	mu    sync.Mutex
	queue *workQueue
}

type workQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *workQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *workQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next blocks until an item is available. It returns false once the queue
// is closed and drained.
func (q *workQueue) next() (func(), bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			fn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return fn, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.notify
	}
}

// abandon closes the queue and discards items that have not started.
func (q *workQueue) abandon() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return n
}

func (q *workQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// NewDecodeWorker creates a stopped worker.
func NewDecodeWorker(logger *slog.Logger) *DecodeWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecodeWorker{log: logger.With(slog.String("component", "decode-worker"))}
}

// Start launches the consumer goroutine. Starting a running worker is a no-op.
func (w *DecodeWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queue != nil {
		return
	}
	q := newWorkQueue()
	w.queue = q
	go w.run(q)
}

func (w *DecodeWorker) run(q *workQueue) {
	defer close(q.done)
	for {
		fn, ok := q.next()
		if !ok {
			return
		}
		w.invoke(fn)
	}
}

func (w *DecodeWorker) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("decode work item panicked", slog.String("error", fmt.Sprint(r)))
		}
	}()
	fn()
}

// Submit enqueues fn. It returns false when the worker is not running.
func (w *DecodeWorker) Submit(fn func()) bool {
	w.mu.Lock()
	q := w.queue
	w.mu.Unlock()
	if q == nil {
		return false
	}
	return q.push(fn)
}

// Barrier waits until every item submitted before it has run, up to timeout.
func (w *DecodeWorker) Barrier(ctx context.Context, timeout time.Duration) error {
	reached := make(chan struct{})
	if !w.Submit(func() { close(reached) }) {
		return ErrWorkerClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-reached:
		return nil
	case <-timer.C:
		return fmt.Errorf("decode worker barrier: timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue, waits up to timeout for queued items to finish and
// leaves the worker ready to be started again.
func (w *DecodeWorker) Stop(timeout time.Duration) {
	w.mu.Lock()
	q := w.queue
	w.queue = nil
	w.mu.Unlock()
	if q == nil {
		return
	}
	q.close()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.done:
	case <-timer.C:
		w.log.Warn("decode worker did not stop in time", slog.Duration("timeout", timeout))
	}
}

// Reset discards every queued item and continues on a fresh queue and
// goroutine. An item already running finishes on the old goroutine. It
// returns the number of discarded items and does nothing when stopped.
func (w *DecodeWorker) Reset() int {
	w.mu.Lock()
	old := w.queue
	if old == nil {
		w.mu.Unlock()
		return 0
	}
	q := newWorkQueue()
	w.queue = q
	w.mu.Unlock()

	go w.run(q)
	return old.abandon()
}

// Running reports whether the worker accepts work.
func (w *DecodeWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue != nil
}
