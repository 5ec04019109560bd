package stt

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// AudioSource is the read side of the capture buffer. Sample indices are
// absolute for the session.
type AudioSource interface {
	SampleCount() int
	BufferSeconds() float64
	// RelativeEnergy returns normalized energy values, most recent last.
	RelativeEnergy() []float32
	// TryGetSlice returns false if the range was evicted or not yet captured.
	TryGetSlice(start, end int) ([]float32, bool)
}

// Hooks receive loop output. Either field may be nil.
type Hooks struct {
	OnUpdate  func(transcript.Update)
	OnMetrics func(LoopMetrics)
}

func (h Hooks) update(u transcript.Update) {
	if h.OnUpdate != nil {
		h.OnUpdate(u)
	}
}

func (h Hooks) metrics(m LoopMetrics) {
	if h.OnMetrics != nil {
		h.OnMetrics(m)
	}
}

// Loop is one of the two inference scheduling strategies. Run blocks until
// ctx is cancelled; Finish produces the final text once Run has returned.
type Loop interface {
	Run(ctx context.Context) error
	Finish(ctx context.Context) string
	Current() transcript.Update
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
