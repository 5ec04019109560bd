package stt

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func newTestEngine(t *testing.T, b Backend, maxIter int) *StreamingEngine {
	t.Helper()
	e := NewStreamingEngine(NewGuard(b), StreamingConfig{SampleRate: 16000, MaxDecodeIterations: maxIter, DrainTimeout: time.Second}, nil, newLogger())
	e.Start()
	t.Cleanup(func() { e.Stop(time.Second) })
	return e
}

func barrier(t *testing.T, e *StreamingEngine) {
	t.Helper()
	if err := e.worker.Barrier(context.Background(), time.Second); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func TestStreamingEnginePartialAndEndpoint(t *testing.T) {
	f := &fakeStream{partial: "hello there", endpointAt: 3200}
	e := newTestEngine(t, f, 0)

	e.Feed(silence(1600))
	barrier(t, e)
	if got := e.Snapshot().Text; got != "hello there" {
		t.Fatalf("expected partial, got %q", got)
	}
	if u, _ := e.Take(); len(u) != 0 {
		t.Fatalf("unexpected utterances %v", u)
	}

	e.Feed(silence(1600))
	barrier(t, e)
	u, snap := e.Take()
	if len(u) != 1 || u[0] != "hello there" {
		t.Fatalf("expected endpoint utterance, got %v", u)
	}
	if snap.Text != "" {
		t.Fatalf("expected empty partial after endpoint, got %q", snap.Text)
	}
	if f.resets != 1 {
		t.Fatalf("expected one stream reset, got %d", f.resets)
	}
	if u, _ := e.Take(); len(u) != 0 {
		t.Fatalf("utterances should be taken once, got %v", u)
	}
}

func TestStreamingEngineDecodeRunawayIsCapped(t *testing.T) {
	f := &fakeStream{alwaysReady: true, partial: "never stored"}
	e := newTestEngine(t, f, 10)
	before := e.Snapshot().Seq

	e.Feed(silence(160))
	barrier(t, e)
	if f.decodes != 10 {
		t.Fatalf("expected decode loop capped at 10, got %d", f.decodes)
	}
	if e.Snapshot().Seq != before {
		t.Fatal("capped feed must leave the snapshot untouched")
	}

	f.alwaysReady = false
	f.partial = "recovered"
	e.Feed(silence(160))
	barrier(t, e)
	if got := e.Snapshot().Text; got != "recovered" {
		t.Fatalf("engine should keep working after a capped feed, got %q", got)
	}
}

func TestStreamingEngineDrain(t *testing.T) {
	f := &fakeStream{partial: "good", finalTail: "goodbye"}
	e := newTestEngine(t, f, 0)

	e.Feed(silence(1600))
	text, err := e.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if text != "goodbye" {
		t.Fatalf("expected drained tail, got %q", text)
	}
	if f.resets != 1 {
		t.Fatalf("drain should reset the stream, got %d resets", f.resets)
	}
	if got := e.Snapshot().Text; got != "" {
		t.Fatalf("expected cleared snapshot, got %q", got)
	}
}

// alternatingStream reports a partial on odd feeds and an endpoint for the
// same text on even feeds.
type alternatingStream struct {
	fakeStream
	feeds int
}

func (a *alternatingStream) AcceptWaveform(int, []float32) error {
	a.feeds++
	return nil
}

func (a *alternatingStream) Partial() transcript.Segment {
	return transcript.Segment{Text: fmt.Sprintf("u%d", (a.feeds+1)/2)}
}

func (a *alternatingStream) EndpointDetected() bool { return a.feeds%2 == 0 }

func TestStreamingEngineTakeNeverRepeatsUtteranceAsPartial(t *testing.T) {
	e := newTestEngine(t, &alternatingStream{}, 0)

	const feeds = 400
	go func() {
		for i := 0; i < feeds; i++ {
			e.Feed(silence(10))
		}
	}()

	var confirmed []string
	deadline := time.Now().Add(5 * time.Second)
	for len(confirmed) < feeds/2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d utterances", len(confirmed))
		}
		u, snap := e.Take()
		confirmed = append(confirmed, u...)
		if snap.Text != "" && slices.Contains(confirmed, snap.Text) {
			t.Fatalf("partial %q was already confirmed", snap.Text)
		}
	}
	for i, text := range confirmed {
		if want := fmt.Sprintf("u%d", i+1); text != want {
			t.Fatalf("utterance %d: expected %q, got %q", i, want, text)
		}
	}
}

// stallingStream blocks its first AcceptWaveform until gate is closed.
type stallingStream struct {
	fakeStream
	gate  chan struct{}
	once  sync.Once
	total int
}

func (s *stallingStream) AcceptWaveform(rate int, samples []float32) error {
	s.once.Do(func() { <-s.gate })
	s.total += len(samples)
	return s.fakeStream.AcceptWaveform(rate, samples)
}

func TestStreamingEngineDrainTimeoutDiscardsQueuedFeeds(t *testing.T) {
	f := &stallingStream{gate: make(chan struct{})}
	e := NewStreamingEngine(NewGuard(f), StreamingConfig{SampleRate: 16000, DrainTimeout: 20 * time.Millisecond}, nil, newLogger())
	e.Start()
	t.Cleanup(func() { e.Stop(time.Second) })

	e.Feed(silence(100))
	e.Feed(silence(200))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.Drain(context.Background()); err != nil {
			t.Errorf("drain: %v", err)
		}
	}()
	time.Sleep(200 * time.Millisecond)
	close(f.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return")
	}

	barrier(t, e)
	if f.total != 100 {
		t.Fatalf("queued feed ran after drain, accepted %d samples", f.total)
	}
	e.Feed(silence(50))
	barrier(t, e)
	if f.total != 150 {
		t.Fatalf("engine should accept new feeds after drain, accepted %d", f.total)
	}
}

func TestStreamingEngineFeedWhenStopped(t *testing.T) {
	e := NewStreamingEngine(NewGuard(&fakeStream{}), StreamingConfig{}, nil, newLogger())
	if e.Feed(silence(10)) {
		t.Fatal("feed should be rejected before start")
	}
	if !e.Feed(nil) {
		t.Fatal("empty feed is always accepted")
	}
}

func TestStreamingEngineWithMockRecognizer(t *testing.T) {
	m := NewMockStreamingRecognizer(16000)
	if err := m.Load(context.Background(), ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	e := newTestEngine(t, m, 0)

	for i := 0; i < 10; i++ {
		e.Feed(tone(1600))
	}
	for i := 0; i < 10; i++ {
		e.Feed(silence(1600))
	}
	barrier(t, e)
	u, _ := e.Take()
	if len(u) != 1 || u[0] != "the quick" {
		t.Fatalf("expected one utterance of two words, got %v", u)
	}
}

func TestStreamingLoopPromotesEndpoints(t *testing.T) {
	f := &fakeStream{partial: "hello"}
	e := newTestEngine(t, f, 0)
	buf := audio.NewBuffer(16000, 0)

	var updates atomic.Int32
	l := NewStreamingLoop(e, buf, nil, Hooks{OnUpdate: func(transcript.Update) { updates.Add(1) }}, nil, 0, newLogger())
	ctx := context.Background()

	buf.Append(silence(1600))
	l.poll(ctx)
	barrier(t, e)
	l.poll(ctx)
	if got := l.Current(); got.Hypothesis != "hello" || got.Confirmed != "" {
		t.Fatalf("unexpected transcript %+v", got)
	}

	f.endpointAt = 3200
	buf.Append(silence(1600))
	l.poll(ctx)
	barrier(t, e)
	l.poll(ctx)
	if got := l.Current(); got.Confirmed != "hello" || got.Hypothesis != "" {
		t.Fatalf("expected promoted utterance, got %+v", got)
	}

	f.finalTail = "world"
	buf.Append(silence(800))
	if got := l.Finish(ctx); got != "hello world" {
		t.Fatalf("expected final text, got %q", got)
	}
	if f.accepted != 0 {
		t.Fatalf("stream should be reset after finish")
	}
	if updates.Load() < 3 {
		t.Fatalf("expected updates for each change, got %d", updates.Load())
	}
}

func TestStreamingLoopSkipsEvictedAudio(t *testing.T) {
	f := &fakeStream{}
	e := newTestEngine(t, f, 0)
	buf := audio.NewBuffer(16000, 1)
	l := NewStreamingLoop(e, buf, nil, Hooks{}, nil, 0, newLogger())

	buf.Append(silence(32000))
	l.poll(context.Background())
	barrier(t, e)
	if f.accepted != 0 {
		t.Fatalf("evicted range must not be fed, accepted %d", f.accepted)
	}
	if l.lastFed != 32000 {
		t.Fatalf("expected feed marker to skip ahead, got %d", l.lastFed)
	}

	buf.Append(silence(1600))
	l.poll(context.Background())
	barrier(t, e)
	if f.accepted != 1600 {
		t.Fatalf("expected new audio fed, accepted %d", f.accepted)
	}
}

func TestStreamingLoopRunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t, &fakeStream{}, 0)
	l := NewStreamingLoop(e, audio.NewBuffer(16000, 0), nil, Hooks{}, nil, 10*time.Millisecond, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
