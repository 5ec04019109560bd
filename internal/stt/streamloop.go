package stt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

const streamingPollInterval = 100 * time.Millisecond

// StreamingLoop feeds newly captured audio to a StreamingEngine and folds
// its partials and endpoints into a StreamingTranscript.
type StreamingLoop struct {
	engine   *StreamingEngine
	source   AudioSource
	acc      *transcript.StreamingTranscript
	hooks    Hooks
	metrics  *Metrics
	log      *slog.Logger
	interval time.Duration

	lastFed int
	seenSeq uint64

	mu      sync.Mutex
	current transcript.Update
}

// NewStreamingLoop creates a loop that polls source every interval. A zero
// interval uses the default of 100ms.
func NewStreamingLoop(engine *StreamingEngine, source AudioSource, acc *transcript.StreamingTranscript, h Hooks, metrics *Metrics, interval time.Duration, logger *slog.Logger) *StreamingLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if acc == nil {
		acc = &transcript.StreamingTranscript{}
	}
	if interval <= 0 {
		interval = streamingPollInterval
	}
	return &StreamingLoop{
		engine:   engine,
		source:   source,
		acc:      acc,
		hooks:    h,
		metrics:  metrics,
		log:      logger.With(slog.String("component", "streaming-loop")),
		interval: interval,
	}
}

// Run polls until ctx is cancelled. It never waits on inference.
func (l *StreamingLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

func (l *StreamingLoop) poll(ctx context.Context) {
	samples := l.source.SampleCount()
	l.feedNew(samples)
	// Every commit bumps Seq, so an unchanged Seq means no new utterances.
	if l.engine.Snapshot().Seq != l.seenSeq {
		utterances, snap := l.engine.Take()
		l.collect(ctx, utterances)
		l.acc.SetHypothesis(snap.Text)
		l.seenSeq = snap.Seq
	}
	l.publish(l.acc.Snapshot())

	m := LoopMetrics{
		Samples:       samples,
		BufferSeconds: l.source.BufferSeconds(),
		Delay:         l.interval,
	}
	l.metrics.ObserveLoop(m)
	l.hooks.metrics(m)
}

// feedNew submits every sample captured since the previous feed. If the
// buffer evicted part of that range the gap is skipped.
func (l *StreamingLoop) feedNew(samples int) {
	if samples <= l.lastFed {
		return
	}
	chunk, ok := l.source.TryGetSlice(l.lastFed, samples)
	if !ok {
		l.log.Warn("audio evicted before it was fed", slog.Int("from", l.lastFed), slog.Int("to", samples))
		l.lastFed = samples
		return
	}
	if !l.engine.Feed(chunk) {
		l.log.Warn("decode worker not running, dropping audio", slog.Int("samples", len(chunk)))
	}
	l.lastFed = samples
}

func (l *StreamingLoop) collect(ctx context.Context, utterances []string) {
	for _, text := range utterances {
		if l.acc.Endpoint(text) {
			l.metrics.RecordEndpoint(ctx)
		}
	}
}

func (l *StreamingLoop) publish(u transcript.Update) {
	l.mu.Lock()
	changed := u != l.current
	l.current = u
	l.mu.Unlock()
	if changed {
		l.hooks.update(u)
	}
}

// Current returns the last published transcript.
func (l *StreamingLoop) Current() transcript.Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Finish feeds any remaining audio, drains the engine and returns the full
// session text. It must only be called after Run has returned.
func (l *StreamingLoop) Finish(ctx context.Context) string {
	l.feedNew(l.source.SampleCount())
	tail, err := l.engine.Drain(ctx)
	if err != nil {
		l.log.Warn("streaming drain failed", slogError(err))
	}
	utterances, _ := l.engine.Take()
	l.collect(ctx, utterances)
	l.acc.Finalize(tail)
	u := l.acc.Snapshot()
	l.publish(u)
	return u.Text()
}
