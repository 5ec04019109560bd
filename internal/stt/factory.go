package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewBackend builds the backend selected by cfg.Mode.
func NewBackend(cfg config.STTConfig) (Backend, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(cfg.SampleRate), nil
	case "mock-streaming":
		return NewMockStreamingRecognizer(cfg.SampleRate), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
