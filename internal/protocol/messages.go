package protocol

import (
	"errors"
	"fmt"
	"time"
)

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionState      = "stt.session.state"
)

// AudioFrameSubject is the subject producers publish a session's audio on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// AudioFrame carries interleaved little-endian PCM16 from a capture device.
// A frame with Final set ends the session after its samples are consumed;
// it may carry no audio.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

var ErrMissingSession = errors.New("audio frame without session id")

// Validate checks the frame is decodable. Zero SampleRate and Channels mean
// the receiver's configured values.
func (f AudioFrame) Validate() error {
	if f.SessionID == "" {
		return ErrMissingSession
	}
	if f.SampleRate < 0 || f.Channels < 0 {
		return fmt.Errorf("negative audio format %d Hz x %d", f.SampleRate, f.Channels)
	}
	channels := max(f.Channels, 1)
	if len(f.PCM)%(2*channels) != 0 {
		return fmt.Errorf("pcm length %d is not a whole number of %d-channel samples", len(f.PCM), channels)
	}
	return nil
}

// Transcript is published on every transcript change and once more when the
// session stops. Text is the full session text; Confirmed and Hypothesis
// split it into the stable prefix and the tentative tail.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Confirmed  string    `json:"confirmed"`
	Hypothesis string    `json:"hypothesis,omitempty"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionEvent is published when a recording session changes state.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}
