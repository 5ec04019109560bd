package stt

import (
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/embedded"
	"go.opentelemetry.io/otel/metric/noop"
)

// countingMeter tracks gauge callback registrations.
type countingMeter struct {
	noop.Meter
	registered   atomic.Int32
	unregistered atomic.Int32
}

func (m *countingMeter) RegisterCallback(metric.Callback, ...metric.Observable) (metric.Registration, error) {
	m.registered.Add(1)
	return &countingRegistration{meter: m}, nil
}

type countingRegistration struct {
	embedded.Registration
	meter *countingMeter
}

func (r *countingRegistration) Unregister() error {
	r.meter.unregistered.Add(1)
	return nil
}

func TestMetricsCloseUnregistersGauges(t *testing.T) {
	meter := &countingMeter{}
	m, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if meter.registered.Load() != 1 {
		t.Fatalf("expected one callback, got %d", meter.registered.Load())
	}
	m.ObserveLoop(LoopMetrics{BufferSeconds: 1.5, Delay: 200 * time.Millisecond})

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if meter.unregistered.Load() != 1 {
		t.Fatalf("expected one unregister, got %d", meter.unregistered.Load())
	}

	var none *Metrics
	if err := none.Close(); err != nil {
		t.Fatalf("nil metrics close: %v", err)
	}
}
