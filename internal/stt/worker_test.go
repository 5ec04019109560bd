package stt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDecodeWorkerRunsInOrder(t *testing.T) {
	w := NewDecodeWorker(newLogger())
	w.Start()
	defer w.Stop(time.Second)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !w.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	if err := w.Barrier(context.Background(), time.Second); err != nil {
		t.Fatalf("barrier: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("expected 100 items, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d ran out of order (%d)", i, v)
		}
	}
}

func TestDecodeWorkerSurvivesPanic(t *testing.T) {
	w := NewDecodeWorker(newLogger())
	w.Start()
	defer w.Stop(time.Second)

	w.Submit(func() { panic("boom") })
	ran := make(chan struct{})
	w.Submit(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker stopped after panic")
	}
}

func TestDecodeWorkerStopAndRestart(t *testing.T) {
	w := NewDecodeWorker(newLogger())
	if w.Submit(func() {}) {
		t.Fatal("submit should fail before start")
	}
	if err := w.Barrier(context.Background(), time.Second); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("expected ErrWorkerClosed, got %v", err)
	}

	w.Start()
	done := make(chan struct{})
	w.Submit(func() {
		time.Sleep(10 * time.Millisecond)
		close(done)
	})
	w.Stop(time.Second)
	select {
	case <-done:
	default:
		t.Fatal("queued item should finish before stop returns")
	}
	if w.Running() {
		t.Fatal("worker should not be running after stop")
	}

	w.Start()
	defer w.Stop(time.Second)
	if !w.Running() {
		t.Fatal("worker should run after restart")
	}
	if err := w.Barrier(context.Background(), time.Second); err != nil {
		t.Fatalf("barrier after restart: %v", err)
	}
}

func TestDecodeWorkerBarrierTimeout(t *testing.T) {
	w := NewDecodeWorker(newLogger())
	w.Start()
	block := make(chan struct{})
	w.Submit(func() { <-block })
	err := w.Barrier(context.Background(), 20*time.Millisecond)
	close(block)
	w.Stop(time.Second)
	if err == nil {
		t.Fatal("expected barrier timeout")
	}
}

func TestDecodeWorkerStopIsBounded(t *testing.T) {
	w := NewDecodeWorker(newLogger())
	w.Start()
	block := make(chan struct{})
	defer close(block)
	w.Submit(func() { <-block })

	start := time.Now()
	w.Stop(30 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("stop waited %s for a stuck item", elapsed)
	}
}

func TestDecodeWorkerResetDiscardsQueued(t *testing.T) {
	w := NewDecodeWorker(newLogger())
	w.Start()
	defer w.Stop(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	w.Submit(func() {
		close(started)
		<-block
	})
	<-started

	var stale atomic.Bool
	w.Submit(func() { stale.Store(true) })
	if err := w.Barrier(context.Background(), 20*time.Millisecond); err == nil {
		t.Fatal("expected barrier timeout")
	}
	// The stale item and the barrier marker are both still queued.
	if dropped := w.Reset(); dropped != 2 {
		t.Fatalf("expected 2 dropped items, got %d", dropped)
	}
	close(block)

	if err := w.Barrier(context.Background(), time.Second); err != nil {
		t.Fatalf("barrier after reset: %v", err)
	}
	if stale.Load() {
		t.Fatal("item queued before reset must not run")
	}
	if !w.Running() {
		t.Fatal("worker should keep running after reset")
	}
}
