package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// ErrDecodeRunaway is returned when a backend keeps reporting ready past
// the decode iteration limit.
var ErrDecodeRunaway = errors.New("stt: decode loop exceeded iteration limit")

const (
	defaultMaxDecodeIterations = 1024
	defaultDrainTimeout        = 2 * time.Second
)

// StreamingConfig tunes the streaming engine.
type StreamingConfig struct {
	SampleRate          int
	MaxDecodeIterations int
	DrainTimeout        time.Duration
}

// Snapshot is the most recent decode result. Readers may observe a result
// older than the latest feed while the worker catches up.
type Snapshot struct {
	Text     string
	Language string
	Seq      uint64
}

// StreamingEngine drives a StreamingBackend through a DecodeWorker, which is
// the only caller into the backend while a streaming model is loaded.
type StreamingEngine struct {
	guard   *Guard
	worker  *DecodeWorker
	cfg     StreamingConfig
	log     *slog.Logger
	metrics *Metrics

	latest atomic.Pointer[Snapshot]
	seq    atomic.Uint64

	mu         sync.Mutex
	utterances []string
}

// NewStreamingEngine creates an engine around guard. The worker is started
// by Start.
func NewStreamingEngine(guard *Guard, cfg StreamingConfig, metrics *Metrics, logger *slog.Logger) *StreamingEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MaxDecodeIterations <= 0 {
		cfg.MaxDecodeIterations = defaultMaxDecodeIterations
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	e := &StreamingEngine{
		guard:   guard,
		worker:  NewDecodeWorker(logger),
		cfg:     cfg,
		log:     logger.With(slog.String("component", "streaming-engine")),
		metrics: metrics,
	}
	e.latest.Store(&Snapshot{})
	return e
}

// Start launches the decode worker.
func (e *StreamingEngine) Start() { e.worker.Start() }

// Stop shuts the decode worker down, waiting up to timeout.
func (e *StreamingEngine) Stop(timeout time.Duration) { e.worker.Stop(timeout) }

// Feed enqueues samples to be accepted and decoded. It never blocks on
// inference.
func (e *StreamingEngine) Feed(samples []float32) bool {
	if len(samples) == 0 {
		return true
	}
	return e.worker.Submit(func() { e.feed(samples) })
}

func (e *StreamingEngine) feed(samples []float32) {
	ctx := context.Background()
	start := time.Now()
	err := e.guard.DoStreaming(ctx, func(b StreamingBackend) error {
		if err := b.AcceptWaveform(e.cfg.SampleRate, samples); err != nil {
			return fmt.Errorf("accept waveform: %w", err)
		}
		if err := e.decodeLoop(b); err != nil {
			return err
		}
		partial := b.Partial()
		if !b.EndpointDetected() {
			e.commit(partial, nil)
			return nil
		}
		b.ResetStream()
		e.commit(transcript.Segment{DetectedLanguage: partial.DetectedLanguage}, &partial.Text)
		return nil
	})
	e.metrics.RecordInference(ctx, time.Since(start), "streaming")
	switch {
	case err == nil:
	case errors.Is(err, ErrDecodeRunaway):
		e.metrics.RecordRunaway(ctx)
		e.log.Warn("decode loop capped", slog.Int("max_iterations", e.cfg.MaxDecodeIterations), slog.Int("samples", len(samples)))
	default:
		e.metrics.RecordFailure(ctx, "feed")
		e.log.Warn("streaming feed failed", slogError(err))
	}
}

func (e *StreamingEngine) decodeLoop(b StreamingBackend) error {
	for i := 0; b.Ready(); i++ {
		if i >= e.cfg.MaxDecodeIterations {
			return ErrDecodeRunaway
		}
		if err := b.Decode(); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	return nil
}

// commit publishes seg as the latest snapshot. An endpoint utterance is
// queued under the same lock so Take never pairs it with the partial it
// replaced.
func (e *StreamingEngine) commit(seg transcript.Segment, utterance *string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if utterance != nil {
		e.utterances = append(e.utterances, *utterance)
	}
	e.latest.Store(&Snapshot{Text: seg.Text, Language: seg.DetectedLanguage, Seq: e.seq.Add(1)})
}

// Snapshot returns the latest decoded text without blocking.
func (e *StreamingEngine) Snapshot() Snapshot {
	return *e.latest.Load()
}

// Take returns, and forgets, the utterances whose endpoint was detected since
// the last call, together with the snapshot that followed them.
func (e *StreamingEngine) Take() ([]string, Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.utterances
	e.utterances = nil
	return out, *e.latest.Load()
}

// Drain waits for queued feeds, then decodes whatever the backend still
// holds and resets it for reuse. It returns the final text.
func (e *StreamingEngine) Drain(ctx context.Context) (string, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "stt.streaming.drain")
	defer span.End()

	if err := e.worker.Barrier(ctx, e.cfg.DrainTimeout); err != nil {
		// Feeds still queued belong to this session and must not reach the
		// backend after it is reset.
		dropped := e.worker.Reset()
		e.log.Warn("decode worker drain incomplete, queue discarded", slog.Int("dropped", dropped), slogError(err))
	}

	var final transcript.Segment
	err := e.guard.DoStreaming(ctx, func(b StreamingBackend) error {
		b.InputFinished()
		err := e.decodeLoop(b)
		final = b.Partial()
		b.ResetStream()
		return err
	})
	e.commit(transcript.Segment{}, nil)
	span.SetAttributes(attribute.Int("final_chars", len(final.Text)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return final.Text, err
	}
	return final.Text, nil
}

// Reset clears the latest snapshot and pending utterances.
func (e *StreamingEngine) Reset() {
	e.mu.Lock()
	e.utterances = nil
	e.mu.Unlock()
	e.commit(transcript.Segment{}, nil)
}
