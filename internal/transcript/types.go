package transcript

import "strings"

// Segment is one piece of recognized text. StartMS == EndMS == 0 means the
// backend reported no real timestamps.
type Segment struct {
	Text             string
	StartMS          int64
	EndMS            int64
	DetectedLanguage string
}

// Slice describes the audio range to feed to the backend next.
type Slice struct {
	StartSample int
	EndSample   int
	OffsetMS    int64
}

// SampleCount returns the number of samples covered by the slice.
func (s Slice) SampleCount() int {
	return s.EndSample - s.StartSample
}

// Update is the confirmed/hypothesis pair published to observers.
type Update struct {
	Confirmed  string
	Hypothesis string
}

// Text returns confirmed and hypothesis joined into a single line.
func (u Update) Text() string {
	return joinText(u.Confirmed, u.Hypothesis)
}

func joinText(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

func joinSegments(lists ...[]Segment) string {
	var parts []string
	for _, list := range lists {
		for _, seg := range list {
			parts = append(parts, seg.Text)
		}
	}
	return joinText(parts...)
}

// normalize lowercases and collapses whitespace for comparison.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
