package stt

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// TranscribeOptions carries per-call decoding parameters.
type TranscribeOptions struct {
	Threads  int
	Language string
}

// Result captures the output of one Transcribe call.
type Result struct {
	Text             string
	Segments         []transcript.Segment
	DetectedLanguage string
	InferenceTime    time.Duration
}

// Backend abstracts speech recognition engines. Implementations are not
// reentrant; callers go through a Guard.
type Backend interface {
	Load(ctx context.Context, path string) error
	Transcribe(ctx context.Context, samples []float32, opts TranscribeOptions) (Result, error)
	// Release frees the model. It must be idempotent and safe when never loaded.
	Release() error
}

// StreamingBackend is implemented by backends that keep their own decode
// state and accept audio incrementally.
type StreamingBackend interface {
	Backend
	AcceptWaveform(sampleRate int, samples []float32) error
	// Ready reports whether enough audio is buffered for another Decode.
	Ready() bool
	Decode() error
	Partial() transcript.Segment
	EndpointDetected() bool
	ResetStream()
	InputFinished()
}

// IsStreaming reports whether b supports incremental decoding.
func IsStreaming(b Backend) bool {
	_, ok := b.(StreamingBackend)
	return ok
}
