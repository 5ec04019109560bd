// Package audio holds captured 16 kHz mono samples for the inference loops.
package audio

import (
	"math"
	"sync"
)

const (
	// DefaultSampleRate is the rate every backend expects.
	DefaultSampleRate = 16000

	energyFloorDB = -60.0
	maxEnergies   = 1024
)

// Buffer accumulates float samples from a single producer and serves
// snapshot reads to the active loop. Old samples are evicted once the buffer
// exceeds its retention; sample indices stay absolute.
//
// Eviction only advances head. The backing array is compacted once the dead
// prefix is at least as long as the live samples, so appends stay amortised
// O(len(samples)) at full retention.
type Buffer struct {
	mu         sync.RWMutex
	sampleRate int
	maxSamples int
	// base is the absolute index of samples[head].
	base     int
	head     int
	samples  []float32
	energies []float32
}

// NewBuffer creates a buffer retaining at most retentionSeconds of audio.
// A non-positive retention keeps everything.
func NewBuffer(sampleRate int, retentionSeconds float64) *Buffer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	maxSamples := 0
	if retentionSeconds > 0 {
		maxSamples = int(retentionSeconds * float64(sampleRate))
	}
	return &Buffer{sampleRate: sampleRate, maxSamples: maxSamples}
}

// Append adds samples and records their relative energy.
func (b *Buffer) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	energy := RelativeEnergy(samples)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, samples...)
	b.energies = append(b.energies, energy)
	if len(b.energies) >= 2*maxEnergies {
		n := copy(b.energies, b.energies[len(b.energies)-maxEnergies:])
		b.energies = b.energies[:n]
	}
	if live := len(b.samples) - b.head; b.maxSamples > 0 && live > b.maxSamples {
		drop := live - b.maxSamples
		b.head += drop
		b.base += drop
	}
	if b.head > 0 && b.head >= len(b.samples)-b.head {
		n := copy(b.samples, b.samples[b.head:])
		b.samples = b.samples[:n]
		b.head = 0
	}
}

// SampleCount returns the total number of samples captured, including
// evicted ones.
func (b *Buffer) SampleCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.base + len(b.samples) - b.head
}

// BufferSeconds returns the captured duration in seconds.
func (b *Buffer) BufferSeconds() float64 {
	return float64(b.SampleCount()) / float64(b.sampleRate)
}

// RelativeEnergy returns recent per-append energy values in [0, 1], most
// recent last.
func (b *Buffer) RelativeEnergy() []float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := max(len(b.energies)-maxEnergies, 0)
	return append([]float32(nil), b.energies[start:]...)
}

// TryGetSlice copies samples [start, end). It returns false when the range
// has been evicted or not yet captured.
func (b *Buffer) TryGetSlice(start, end int) ([]float32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if start < b.base || start > end || end > b.base+len(b.samples)-b.head {
		return nil, false
	}
	off := b.head - b.base
	out := make([]float32, end-start)
	copy(out, b.samples[start+off:end+off])
	return out, true
}

// RelativeEnergy maps the RMS level of samples onto [0, 1] where 0 is at or
// below -60 dBFS and 1 is full scale.
func RelativeEnergy(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	rel := (db - energyFloorDB) / -energyFloorDB
	switch {
	case rel < 0:
		return 0
	case rel > 1:
		return 1
	}
	return float32(rel)
}
