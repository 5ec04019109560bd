package stt

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tone(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func silence(n int) []float32 {
	return make([]float32, n)
}

// concurrencyBackend records the maximum number of concurrent calls it observes.
type concurrencyBackend struct {
	inflight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	delay    time.Duration
}

func (p *concurrencyBackend) enter() func() {
	n := p.inflight.Add(1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	p.calls.Add(1)
	time.Sleep(p.delay)
	return func() { p.inflight.Add(-1) }
}

func (p *concurrencyBackend) Load(context.Context, string) error {
	defer p.enter()()
	return nil
}

func (p *concurrencyBackend) Transcribe(context.Context, []float32, TranscribeOptions) (Result, error) {
	defer p.enter()()
	return Result{Text: "counted"}, nil
}

func (p *concurrencyBackend) Release() error {
	defer p.enter()()
	return nil
}

// scriptedBackend returns canned results in order, repeating the last one.
type scriptedBackend struct {
	mu      sync.Mutex
	results []Result
	errs    []error
	calls   []int
}

func (s *scriptedBackend) Load(context.Context, string) error { return nil }
func (s *scriptedBackend) Release() error { return nil }

func (s *scriptedBackend) Transcribe(_ context.Context, samples []float32, _ TranscribeOptions) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.calls)
	s.calls = append(s.calls, len(samples))
	if i < len(s.errs) && s.errs[i] != nil {
		return Result{}, s.errs[i]
	}
	if len(s.results) == 0 {
		return Result{}, nil
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

func (s *scriptedBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func words(text string) Result {
	return Result{Text: text, Segments: []transcript.Segment{{Text: text}}, InferenceTime: 50 * time.Millisecond}
}

// fakeStream is a streaming backend whose readiness and endpoints are set by
// the test.
type fakeStream struct {
	accepted    int
	readyLeft   int
	alwaysReady bool
	decodes     int
	partial     string
	endpointAt  int
	resets      int
	finished    bool
	finalTail   string
}

func (f *fakeStream) Load(context.Context, string) error { return nil }
func (f *fakeStream) Release() error { return nil }
func (f *fakeStream) Transcribe(context.Context, []float32, TranscribeOptions) (Result, error) {
	return Result{}, nil
}

func (f *fakeStream) AcceptWaveform(_ int, samples []float32) error {
	f.accepted += len(samples)
	f.readyLeft++
	return nil
}

func (f *fakeStream) Ready() bool {
	return f.alwaysReady || f.readyLeft > 0
}

func (f *fakeStream) Decode() error {
	f.decodes++
	if f.readyLeft > 0 {
		f.readyLeft--
	}
	if f.finished && f.finalTail != "" {
		f.partial = f.finalTail
	}
	return nil
}

func (f *fakeStream) Partial() transcript.Segment { return transcript.Segment{Text: f.partial} }

func (f *fakeStream) EndpointDetected() bool {
	return f.endpointAt > 0 && f.accepted >= f.endpointAt
}

func (f *fakeStream) ResetStream() {
	f.resets++
	f.partial = ""
	f.accepted = 0
	f.endpointAt = 0
	f.finished = false
}

func (f *fakeStream) InputFinished() {
	f.finished = true
	f.readyLeft++
}
