package stt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// ErrBackendNotLoaded is returned by backends used before Load.
var ErrBackendNotLoaded = errors.New("stt: backend model not loaded")

var defaultScript = strings.Fields("the quick brown fox jumps over the lazy dog while the band plays on")

func scriptWords(script []string, n int) string {
	if len(script) == 0 {
		script = defaultScript
	}
	words := make([]string, n)
	for i := range words {
		words[i] = script[i%len(script)]
	}
	return strings.Join(words, " ")
}

// MockRecognizer is a whole-buffer backend that emits one word per
// WordSeconds of audio as a single segment without timestamps.
type MockRecognizer struct {
	SampleRate  int
	WordSeconds float64
	Latency     time.Duration
	Language    string
	Script      []string

	loaded bool
}

// NewMockRecognizer returns a mock with half-second words.
func NewMockRecognizer(sampleRate int) *MockRecognizer {
	return &MockRecognizer{SampleRate: sampleRate, WordSeconds: 0.5, Language: "en"}
}

func (m *MockRecognizer) Load(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.loaded = true
	return nil
}

func (m *MockRecognizer) Transcribe(ctx context.Context, samples []float32, _ TranscribeOptions) (Result, error) {
	if !m.loaded {
		return Result{}, ErrBackendNotLoaded
	}
	start := time.Now()
	if m.Latency > 0 && !sleepCtx(ctx, m.Latency) {
		return Result{}, ctx.Err()
	}
	perWord := int(m.WordSeconds * float64(m.SampleRate))
	if perWord <= 0 {
		perWord = 1
	}
	text := scriptWords(m.Script, len(samples)/perWord)
	res := Result{DetectedLanguage: m.Language, InferenceTime: time.Since(start)}
	if text != "" {
		res.Text = text
		res.Segments = []transcript.Segment{{Text: text, DetectedLanguage: m.Language}}
	}
	return res, nil
}

func (m *MockRecognizer) Release() error {
	m.loaded = false
	return nil
}

// MockStreamingRecognizer decodes audio in 100ms frames. Voiced frames
// accumulate words; a run of silence after at least one word is reported as
// an endpoint.
type MockStreamingRecognizer struct {
	SampleRate      int
	WordSeconds     float64
	EndpointSeconds float64
	Threshold       float32
	Language        string
	Script          []string

	loaded   bool
	pending  []float32
	finished bool
	voiced   int
	silence  int
	words    int
}

// NewMockStreamingRecognizer returns a mock that ends an utterance after
// 800ms of silence.
func NewMockStreamingRecognizer(sampleRate int) *MockStreamingRecognizer {
	return &MockStreamingRecognizer{
		SampleRate:      sampleRate,
		WordSeconds:     0.5,
		EndpointSeconds: 0.8,
		Threshold:       0.3,
		Language:        "en",
	}
}

func (m *MockStreamingRecognizer) Load(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.loaded = true
	m.ResetStream()
	return nil
}

// Transcribe runs a fresh decode over samples without touching stream state.
func (m *MockStreamingRecognizer) Transcribe(ctx context.Context, samples []float32, _ TranscribeOptions) (Result, error) {
	if !m.loaded {
		return Result{}, ErrBackendNotLoaded
	}
	start := time.Now()
	scratch := *m
	scratch.ResetStream()
	if err := scratch.AcceptWaveform(m.SampleRate, samples); err != nil {
		return Result{}, err
	}
	scratch.InputFinished()
	for scratch.Ready() {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		_ = scratch.Decode()
	}
	seg := scratch.Partial()
	res := Result{Text: seg.Text, DetectedLanguage: m.Language, InferenceTime: time.Since(start)}
	if seg.Text != "" {
		res.Segments = []transcript.Segment{seg}
	}
	return res, nil
}

// Release drops the model. Calling it more than once is harmless.
func (m *MockStreamingRecognizer) Release() error {
	m.loaded = false
	m.ResetStream()
	return nil
}

func (m *MockStreamingRecognizer) frameSize() int {
	if n := m.SampleRate / 10; n > 0 {
		return n
	}
	return 1
}

func (m *MockStreamingRecognizer) AcceptWaveform(_ int, samples []float32) error {
	if !m.loaded {
		return ErrBackendNotLoaded
	}
	m.pending = append(m.pending, samples...)
	return nil
}

func (m *MockStreamingRecognizer) Ready() bool {
	if m.finished {
		return len(m.pending) > 0
	}
	return len(m.pending) >= m.frameSize()
}

func (m *MockStreamingRecognizer) Decode() error {
	n := m.frameSize()
	if n > len(m.pending) {
		n = len(m.pending)
	}
	if n == 0 {
		return nil
	}
	frame := m.pending[:n]
	m.pending = m.pending[n:]

	if audio.RelativeEnergy(frame) < m.Threshold {
		m.silence += n
		return nil
	}
	m.silence = 0
	m.voiced += n
	perWord := int(m.WordSeconds * float64(m.SampleRate))
	if perWord <= 0 {
		perWord = 1
	}
	for m.voiced >= perWord {
		m.voiced -= perWord
		m.words++
	}
	return nil
}

func (m *MockStreamingRecognizer) Partial() transcript.Segment {
	return transcript.Segment{Text: scriptWords(m.Script, m.words), DetectedLanguage: m.Language}
}

func (m *MockStreamingRecognizer) EndpointDetected() bool {
	return m.words > 0 && float64(m.silence) >= m.EndpointSeconds*float64(m.SampleRate)
}

func (m *MockStreamingRecognizer) ResetStream() {
	m.pending = nil
	m.finished = false
	m.voiced = 0
	m.silence = 0
	m.words = 0
}

func (m *MockStreamingRecognizer) InputFinished() {
	m.finished = true
}
