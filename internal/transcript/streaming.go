package transcript

// StreamingTranscript accumulates text for backends that detect utterance
// endpoints themselves. Confirmed text only grows until Reset.
type StreamingTranscript struct {
	confirmed  string
	hypothesis string
}

// SetHypothesis replaces the current hypothesis.
func (s *StreamingTranscript) SetHypothesis(text string) {
	s.hypothesis = joinText(text)
}

// Endpoint promotes text to confirmed and clears the hypothesis. It reports
// whether confirmed text grew.
func (s *StreamingTranscript) Endpoint(text string) bool {
	s.hypothesis = ""
	text = joinText(text)
	if text == "" {
		return false
	}
	s.confirmed = joinText(s.confirmed, text)
	return true
}

// Finalize promotes the final drained text, if any.
func (s *StreamingTranscript) Finalize(text string) {
	s.Endpoint(text)
}

// ConfirmedText returns all promoted utterances.
func (s *StreamingTranscript) ConfirmedText() string { return s.confirmed }

// HypothesisText returns the in-progress utterance.
func (s *StreamingTranscript) HypothesisText() string { return s.hypothesis }

// Snapshot returns the current confirmed/hypothesis pair.
func (s *StreamingTranscript) Snapshot() Update {
	return Update{Confirmed: s.confirmed, Hypothesis: s.hypothesis}
}

// Reset clears both confirmed and hypothesis text.
func (s *StreamingTranscript) Reset() {
	s.confirmed = ""
	s.hypothesis = ""
}
