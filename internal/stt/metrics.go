package stt

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/stt"

// LoopMetrics is reported by the scheduling loops on every iteration.
type LoopMetrics struct {
	Samples        int
	BufferSeconds  float64
	EMAInferenceMS float64
	Delay          time.Duration
}

// Metrics exports scheduler instruments through OpenTelemetry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	inference metric.Float64Histogram
	failures  metric.Int64Counter
	endpoints metric.Int64Counter
	runaways  metric.Int64Counter
	gauges    metric.Registration

	mu   sync.Mutex
	last LoopMetrics
}

// NewMetrics registers instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error
	if m.inference, err = meter.Float64Histogram("scribe.inference.duration",
		metric.WithDescription("Backend inference latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("scribe.inference.errors",
		metric.WithDescription("Soft-failed loop iterations")); err != nil {
		return nil, err
	}
	if m.endpoints, err = meter.Int64Counter("scribe.streaming.endpoints",
		metric.WithDescription("Utterance endpoints promoted to confirmed text")); err != nil {
		return nil, err
	}
	if m.runaways, err = meter.Int64Counter("scribe.streaming.decode_runaways",
		metric.WithDescription("Feeds that hit the decode iteration limit")); err != nil {
		return nil, err
	}

	bufferGauge, err := meter.Float64ObservableGauge("scribe.buffer.seconds",
		metric.WithDescription("Captured audio duration of the active session"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	emaGauge, err := meter.Float64ObservableGauge("scribe.inference.ema",
		metric.WithDescription("Smoothed inference time"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	delayGauge, err := meter.Float64ObservableGauge("scribe.loop.delay",
		metric.WithDescription("Current loop delay"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	m.gauges, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		last := m.snapshot()
		obs.ObserveFloat64(bufferGauge, last.BufferSeconds)
		obs.ObserveFloat64(emaGauge, last.EMAInferenceMS)
		obs.ObserveFloat64(delayGauge, float64(last.Delay)/float64(time.Millisecond))
		return nil
	}, bufferGauge, emaGauge, delayGauge)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Close unregisters the gauge callback. Calling it again is a no-op.
func (m *Metrics) Close() error {
	if m == nil || m.gauges == nil {
		return nil
	}
	reg := m.gauges
	m.gauges = nil
	return reg.Unregister()
}

func (m *Metrics) snapshot() LoopMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// ObserveLoop stores the latest loop metrics for the observable gauges.
func (m *Metrics) ObserveLoop(lm LoopMetrics) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.last = lm
	m.mu.Unlock()
}

// RecordInference records one backend call.
func (m *Metrics) RecordInference(ctx context.Context, d time.Duration, mode string) {
	if m == nil {
		return
	}
	m.inference.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordFailure counts a soft-failed iteration at stage.
func (m *Metrics) RecordFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordEndpoint counts a promoted utterance.
func (m *Metrics) RecordEndpoint(ctx context.Context) {
	if m == nil {
		return
	}
	m.endpoints.Add(ctx, 1)
}

// RecordRunaway counts a capped decode loop.
func (m *Metrics) RecordRunaway(ctx context.Context) {
	if m == nil {
		return
	}
	m.runaways.Add(ctx, 1)
}
