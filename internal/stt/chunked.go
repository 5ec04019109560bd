package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

const metricsReportInterval = 250 * time.Millisecond

var errSliceUnavailable = errors.New("stt: audio slice unavailable")

// ChunkedConfig tunes the chunked loop.
type ChunkedConfig struct {
	SampleRate     int
	ChunkSeconds   float64
	Threads        int
	Language       string
	VADEnabled     bool
	VADThreshold   float32
	SilencePreroll int
}

// ChunkedLoop re-invokes a whole-buffer backend on growing windows of audio
// and reconciles the overlapping results.
type ChunkedLoop struct {
	cfg     ChunkedConfig
	guard   *Guard
	source  AudioSource
	window  *transcript.WindowManager
	pacer   Pacer
	hooks   Hooks
	metrics *Metrics
	log     *slog.Logger

	lastProcessed int

	mu      sync.Mutex
	current transcript.Update
}

// NewChunkedLoop creates a loop reading from source. window is owned by the
// loop for the lifetime of the session.
func NewChunkedLoop(cfg ChunkedConfig, guard *Guard, source AudioSource, window *transcript.WindowManager, hooks Hooks, metrics *Metrics, logger *slog.Logger) *ChunkedLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if window == nil {
		window = transcript.NewWindowManager(cfg.SampleRate, cfg.ChunkSeconds)
	}
	return &ChunkedLoop{
		cfg:     cfg,
		guard:   guard,
		source:  source,
		window:  window,
		hooks:   hooks,
		metrics: metrics,
		log:     logger.With(slog.String("component", "chunked-loop")),
	}
}

// Run iterates until ctx is cancelled. Iteration errors are logged and the
// loop continues after a fixed backoff.
func (l *ChunkedLoop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		delay, err := l.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.metrics.RecordFailure(ctx, "chunked")
			l.log.Warn("inference iteration failed", slogError(err))
			delay = errorBackoff
		}
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// step runs one iteration and returns the delay before the next.
func (l *ChunkedLoop) step(ctx context.Context) (time.Duration, error) {
	samples := l.source.SampleCount()
	l.report(samples)

	if samples <= l.lastProcessed {
		return l.pacer.Delay(), nil
	}

	if l.cfg.VADEnabled {
		energies := l.source.RelativeEnergy()
		if len(energies) > 0 && energies[len(energies)-1] < l.cfg.VADThreshold {
			if l.window.MarkSilent() > l.cfg.SilencePreroll {
				return l.pacer.Delay(), nil
			}
		} else {
			l.window.MarkVoiced()
		}
	}

	slice, ok := l.window.ComputeSlice(samples)
	if !ok {
		return l.pacer.Delay(), nil
	}
	audio, ok := l.source.TryGetSlice(slice.StartSample, slice.EndSample)
	if !ok {
		return 0, fmt.Errorf("%w: [%d, %d)", errSliceUnavailable, slice.StartSample, slice.EndSample)
	}

	res, elapsed, err := l.infer(ctx, audio)
	if err != nil {
		return 0, err
	}

	segments := res.Segments
	if len(segments) == 0 && res.Text != "" {
		segments = []transcript.Segment{{Text: res.Text, DetectedLanguage: res.DetectedLanguage}}
	}
	l.window.ProcessResult(segments, slice.OffsetMS)
	l.lastProcessed = slice.EndSample

	cost := res.InferenceTime
	if cost <= 0 {
		cost = elapsed
	}
	l.pacer.Observe(cost)
	l.metrics.RecordInference(ctx, cost, "chunked")
	l.publish(l.window.Snapshot())
	return l.pacer.Delay(), nil
}

// infer dispatches the backend call so metrics keep being reported while it
// runs. A call in flight when ctx is cancelled still runs to completion and
// its result is kept.
func (l *ChunkedLoop) infer(ctx context.Context, audio []float32) (Result, time.Duration, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "stt.chunked.transcribe")
	defer span.End()
	span.SetAttributes(attribute.Int("samples", len(audio)))

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	opts := TranscribeOptions{Threads: l.cfg.Threads, Language: l.cfg.Language}
	go func() {
		res, err := l.guard.Transcribe(context.WithoutCancel(ctx), audio, opts)
		done <- outcome{res: res, err: err}
	}()

	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()
	var out outcome
wait:
	for {
		select {
		case out = <-done:
			break wait
		case <-ticker.C:
			l.report(l.source.SampleCount())
		case <-ctx.Done():
			out = <-done
			break wait
		}
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		return Result{}, 0, fmt.Errorf("transcribe: %w", out.err)
	}
	return out.res, time.Since(start), nil
}

func (l *ChunkedLoop) report(samples int) {
	m := LoopMetrics{
		Samples:        samples,
		BufferSeconds:  float64(samples) / float64(l.cfg.SampleRate),
		EMAInferenceMS: l.pacer.EMA(),
		Delay:          l.pacer.Delay(),
	}
	l.metrics.ObserveLoop(m)
	l.hooks.metrics(m)
}

func (l *ChunkedLoop) publish(u transcript.Update) {
	l.mu.Lock()
	changed := u != l.current
	l.current = u
	l.mu.Unlock()
	if changed {
		l.hooks.update(u)
	}
}

// Current returns the last published transcript.
func (l *ChunkedLoop) Current() transcript.Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Finish returns confirmed and hypothesis text joined. It must only be
// called after Run has returned.
func (l *ChunkedLoop) Finish(_ context.Context) string {
	u := l.window.Snapshot()
	l.publish(u)
	return u.Text()
}
