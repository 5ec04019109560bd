package transcript

// WindowManager turns overlapping transcription results into a confirmed
// prefix and a volatile hypothesis. It is not safe for concurrent use; the
// active loop owns it exclusively.
type WindowManager struct {
	sampleRate   int
	chunkSeconds float64

	completedChunksText       string
	confirmed                 []Segment
	prevUnconfirmed           []Segment
	lastConfirmedSegmentEndMS int64
	consecutiveSilentWindows  int
}

// NewWindowManager creates a manager for audio at sampleRate split into
// chunks of chunkSeconds.
func NewWindowManager(sampleRate int, chunkSeconds float64) *WindowManager {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if chunkSeconds <= 0 {
		chunkSeconds = 15
	}
	return &WindowManager{sampleRate: sampleRate, chunkSeconds: chunkSeconds}
}

// ComputeSlice returns the audio range to infer on next given the number of
// samples captured so far. The open chunk is finalized (possibly several
// times) when the buffer has grown past its end. It returns false when there
// is no new audio in the open chunk.
func (w *WindowManager) ComputeSlice(currentBufferSamples int) (Slice, bool) {
	bufferSeconds := float64(currentBufferSamples) / float64(w.sampleRate)
	for bufferSeconds > w.chunkStartSeconds()+w.chunkSeconds {
		w.finalizeChunk()
		w.lastConfirmedSegmentEndMS += int64(w.chunkSeconds * 1000)
	}

	start := int(w.lastConfirmedSegmentEndMS * int64(w.sampleRate) / 1000)
	end := int((w.chunkStartSeconds() + w.chunkSeconds) * float64(w.sampleRate))
	if currentBufferSamples < end {
		end = currentBufferSamples
	}
	if end <= start {
		return Slice{}, false
	}
	return Slice{StartSample: start, EndSample: end, OffsetMS: w.lastConfirmedSegmentEndMS}, true
}

func (w *WindowManager) chunkStartSeconds() float64 {
	return float64(w.lastConfirmedSegmentEndMS) / 1000
}

// finalizeChunk is the only place completedChunksText grows.
func (w *WindowManager) finalizeChunk() {
	text := joinSegments(w.confirmed, w.prevUnconfirmed)
	if text != "" {
		w.completedChunksText = joinText(w.completedChunksText, text)
	}
	w.confirmed = nil
	w.prevUnconfirmed = nil
}

// ProcessResult reconciles the segments returned for a slice starting at
// sliceOffsetMS with the previous call's unconfirmed tail.
func (w *WindowManager) ProcessResult(segments []Segment, sliceOffsetMS int64) {
	adjusted := make([]Segment, len(segments))
	for i, seg := range segments {
		if sliceOffsetMS != 0 {
			seg.StartMS += sliceOffsetMS
			seg.EndMS += sliceOffsetMS
		}
		adjusted[i] = seg
	}

	if len(adjusted) == 1 && adjusted[0].StartMS == sliceOffsetMS && adjusted[0].EndMS == sliceOffsetMS {
		// Backends without timestamps return the whole window each time, so
		// the single segment replaces rather than appends.
		if joinText(adjusted[0].Text) == "" {
			return
		}
		w.confirmed = adjusted
		w.prevUnconfirmed = nil
		return
	}

	k := 0
	for k < len(adjusted) && k < len(w.prevUnconfirmed) {
		if normalize(adjusted[k].Text) != normalize(w.prevUnconfirmed[k].Text) {
			break
		}
		k++
	}
	// Appending without dedup can repeat phrases after repeated
	// divergence and reconvergence.
	w.confirmed = append(w.confirmed, adjusted[:k]...)
	w.prevUnconfirmed = adjusted[k:]
}

// MarkSilent records a silent window and returns the consecutive count.
func (w *WindowManager) MarkSilent() int {
	w.consecutiveSilentWindows++
	return w.consecutiveSilentWindows
}

// MarkVoiced resets the silence counter.
func (w *WindowManager) MarkVoiced() {
	w.consecutiveSilentWindows = 0
}

// SilentWindows returns the number of consecutive silent windows observed.
func (w *WindowManager) SilentWindows() int {
	return w.consecutiveSilentWindows
}

// ChunkStartMS returns the start of the open chunk.
func (w *WindowManager) ChunkStartMS() int64 {
	return w.lastConfirmedSegmentEndMS
}

// Reset returns the manager to its initial state.
func (w *WindowManager) Reset() {
	w.completedChunksText = ""
	w.confirmed = nil
	w.prevUnconfirmed = nil
	w.lastConfirmedSegmentEndMS = 0
	w.consecutiveSilentWindows = 0
}

// ConfirmedText returns finalized chunks followed by segments confirmed in
// the open chunk.
func (w *WindowManager) ConfirmedText() string {
	return joinText(w.completedChunksText, joinSegments(w.confirmed))
}

// HypothesisText returns the most recent unconfirmed tail.
func (w *WindowManager) HypothesisText() string {
	return joinSegments(w.prevUnconfirmed)
}

// ConfirmedSegments returns a copy of the segments confirmed in the open chunk.
func (w *WindowManager) ConfirmedSegments() []Segment {
	return append([]Segment(nil), w.confirmed...)
}

// Snapshot returns the current confirmed/hypothesis pair.
func (w *WindowManager) Snapshot() Update {
	return Update{Confirmed: w.ConfirmedText(), Hypothesis: w.HypothesisText()}
}
