package stt

import (
	"context"
	"errors"
)

// ErrNotStreaming is returned when a streaming call is made on a backend
// that only supports whole-buffer transcription.
var ErrNotStreaming = errors.New("stt: backend does not support streaming")

// Guard serializes every call into a backend. At most one load, transcribe,
// decode or release call is in flight regardless of the caller.
type Guard struct {
	backend Backend
	slot    chan struct{}
}

// NewGuard wraps backend.
func NewGuard(backend Backend) *Guard {
	return &Guard{backend: backend, slot: make(chan struct{}, 1)}
}

func (g *Guard) acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Guard) release() { <-g.slot }

// Do runs fn with exclusive access to the backend. Once started, fn runs to
// completion even if ctx is cancelled.
func (g *Guard) Do(ctx context.Context, fn func(Backend) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	return fn(g.backend)
}

// DoStreaming is Do for streaming backends.
func (g *Guard) DoStreaming(ctx context.Context, fn func(StreamingBackend) error) error {
	sb, ok := g.backend.(StreamingBackend)
	if !ok {
		return ErrNotStreaming
	}
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	return fn(sb)
}

// Load loads the model at path.
func (g *Guard) Load(ctx context.Context, path string) error {
	return g.Do(ctx, func(b Backend) error { return b.Load(ctx, path) })
}

// Transcribe runs one whole-buffer inference.
func (g *Guard) Transcribe(ctx context.Context, samples []float32, opts TranscribeOptions) (Result, error) {
	var res Result
	err := g.Do(ctx, func(b Backend) error {
		var err error
		res, err = b.Transcribe(ctx, samples, opts)
		return err
	})
	return res, err
}

// Release frees the backend model. It waits for any in-flight call.
func (g *Guard) Release() error {
	return g.Do(context.Background(), func(b Backend) error { return b.Release() })
}
