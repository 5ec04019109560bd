package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventTranscript     = "transcript.final"
)

// SessionPayload is stored with session lifecycle events.
type SessionPayload struct {
	Mode     string `json:"mode"`
	Samples  int    `json:"samples,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// TranscriptPayload is stored with the final transcript of a session.
type TranscriptPayload struct {
	Text string `json:"text"`
}

func (s *Store) SessionStarted(ctx context.Context, sessionID string, p SessionPayload) error {
	if s.disabled() {
		return nil
	}
	if err := s.upsertSession(ctx, sessionID, p.Mode); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return s.appendJSON(ctx, sessionID, EventSessionStarted, p)
}

func (s *Store) SessionStopped(ctx context.Context, sessionID string, p SessionPayload) error {
	if s.disabled() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ?, samples = ? WHERE session_id = ?`,
		s.now(), p.Samples, sessionID); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return s.appendJSON(ctx, sessionID, EventSessionStopped, p)
}

// FinalTranscript stores the text produced when a session stopped, both on
// the session summary and in its timeline.
func (s *Store) FinalTranscript(ctx context.Context, sessionID, text string) error {
	if s.disabled() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET final_text = ? WHERE session_id = ?`, text, sessionID); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return s.appendJSON(ctx, sessionID, EventTranscript, TranscriptPayload{Text: text})
}

// LastTranscript returns the final transcript of a session. ok is false when
// the session is unknown or has not stopped yet.
func (s *Store) LastTranscript(ctx context.Context, sessionID string) (text string, ok bool, err error) {
	sess, found, err := s.GetSession(ctx, sessionID)
	if err != nil || !found || !sess.HasFinal {
		return "", false, err
	}
	return sess.FinalText, true, nil
}

func (s *Store) appendJSON(ctx context.Context, sessionID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	evt := Event{SessionID: sessionID, Type: eventType, Payload: data}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	return s.AppendEvent(ctx, evt)
}
