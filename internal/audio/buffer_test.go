package audio

import (
	"encoding/binary"
	"testing"
)

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestBufferSliceAndCount(t *testing.T) {
	b := NewBuffer(16000, 0)
	b.Append(constant(16000, 0.5))
	b.Append(constant(8000, 0))

	if got := b.SampleCount(); got != 24000 {
		t.Fatalf("expected 24000 samples, got %d", got)
	}
	if got := b.BufferSeconds(); got != 1.5 {
		t.Fatalf("expected 1.5s, got %v", got)
	}
	slice, ok := b.TryGetSlice(15999, 16001)
	if !ok {
		t.Fatal("expected slice")
	}
	if slice[0] != 0.5 || slice[1] != 0 {
		t.Fatalf("unexpected slice contents %v", slice)
	}
	if _, ok := b.TryGetSlice(0, 24001); ok {
		t.Fatal("expected failure for range not yet captured")
	}
	if _, ok := b.TryGetSlice(10, 5); ok {
		t.Fatal("expected failure for inverted range")
	}
}

func TestBufferEviction(t *testing.T) {
	b := NewBuffer(1000, 2)
	for i := 0; i < 5; i++ {
		b.Append(constant(1000, float32(i)/10))
	}
	if got := b.SampleCount(); got != 5000 {
		t.Fatalf("expected absolute count 5000, got %d", got)
	}
	if _, ok := b.TryGetSlice(0, 1000); ok {
		t.Fatal("expected evicted range to be unavailable")
	}
	slice, ok := b.TryGetSlice(3000, 3002)
	if !ok {
		t.Fatal("expected retained range")
	}
	if slice[0] != 0.3 {
		t.Fatalf("unexpected sample %v", slice[0])
	}
}

func TestBufferEvictionCompactsLazily(t *testing.T) {
	b := NewBuffer(1000, 2)
	b.Append(constant(2000, 0))

	// 20ms frames at full retention must not copy the retained window.
	for i := 0; i < 50; i++ {
		b.Append(constant(20, float32(i)))
	}
	if b.head != 1000 {
		t.Fatalf("expected eviction to advance head to 1000, got %d", b.head)
	}

	for i := 50; i < 500; i++ {
		b.Append(constant(20, float32(i)))
	}
	if got := b.SampleCount(); got != 12000 {
		t.Fatalf("expected absolute count 12000, got %d", got)
	}
	if live := len(b.samples) - b.head; live != 2000 {
		t.Fatalf("expected 2000 live samples, got %d", live)
	}
	if b.head > len(b.samples)-b.head {
		t.Fatalf("dead prefix %d exceeds live samples", b.head)
	}
	if _, ok := b.TryGetSlice(9999, 10001); ok {
		t.Fatal("expected evicted range to be unavailable")
	}
	slice, ok := b.TryGetSlice(10000, 12000)
	if !ok {
		t.Fatal("expected retained range")
	}
	for i, v := range slice {
		if want := float32(400 + i/20); v != want {
			t.Fatalf("sample %d: expected %v, got %v", 10000+i, want, v)
		}
	}
}

func TestBufferEnergiesAreBounded(t *testing.T) {
	b := NewBuffer(16000, 0)
	for i := 0; i < 3*maxEnergies; i++ {
		b.Append(constant(1, 0))
	}
	b.Append(constant(1, 1))
	energies := b.RelativeEnergy()
	if len(energies) != maxEnergies {
		t.Fatalf("expected %d energies, got %d", maxEnergies, len(energies))
	}
	if energies[len(energies)-1] != 1 {
		t.Fatalf("expected most recent energy last, got %v", energies[len(energies)-1])
	}
	if len(b.energies) >= 2*maxEnergies {
		t.Fatalf("energy history grew to %d", len(b.energies))
	}
}

func BenchmarkBufferAppendAtRetention(b *testing.B) {
	buf := NewBuffer(DefaultSampleRate, 600)
	buf.Append(make([]float32, 600*DefaultSampleRate))
	frame := constant(320, 0.1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Append(frame)
	}
}

func TestRelativeEnergy(t *testing.T) {
	if got := RelativeEnergy(constant(100, 0)); got != 0 {
		t.Fatalf("expected silence to be 0, got %v", got)
	}
	if got := RelativeEnergy(constant(100, 1)); got != 1 {
		t.Fatalf("expected full scale to be 1, got %v", got)
	}
	mid := RelativeEnergy(constant(100, 0.03))
	if mid <= 0 || mid >= 1 {
		t.Fatalf("expected intermediate energy, got %v", mid)
	}

	b := NewBuffer(16000, 0)
	b.Append(constant(10, 0))
	b.Append(constant(10, 1))
	energies := b.RelativeEnergy()
	if len(energies) != 2 || energies[1] != 1 {
		t.Fatalf("expected most recent energy last, got %v", energies)
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm, uint16(16384))
	neg := int16(-32768)
	binary.LittleEndian.PutUint16(pcm[2:], uint16(neg))

	samples, err := PCM16ToFloat32(pcm, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if samples[0] != 0.5 || samples[1] != -1 {
		t.Fatalf("unexpected samples %v", samples)
	}

	stereo, err := PCM16ToFloat32(pcm, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stereo) != 1 || stereo[0] != -0.25 {
		t.Fatalf("unexpected downmix %v", stereo)
	}

	if _, err := PCM16ToFloat32([]byte{1}, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}
