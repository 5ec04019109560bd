package audio

import (
	"encoding/binary"
	"fmt"
)

// PCM16ToFloat32 converts little-endian signed 16-bit PCM to samples in
// [-1, 1). Multi-channel input is down-mixed to mono by averaging.
func PCM16ToFloat32(pcm []byte, channels int) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / 2 / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			offset := (i*channels + c) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[offset:]))) / 32768.0
		}
		samples[i] = sum / float32(channels)
	}
	return samples, nil
}

// Float32ToInt16 clamps samples to [-1, 1] and scales them to 16-bit ints.
func Float32ToInt16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int(s * 32767)
	}
	return out
}
