package logstream

import "bytes"

// DefaultMaxLineLength bounds the partial-line buffer; a longer fragment is
// cut into pieces of this size, never leaving an empty remainder
const DefaultMaxLineLength = 64 * 1024

// LineSplitter turns arbitrary chunks into complete lines, carrying any
// trailing fragment over to the next chunk
type LineSplitter struct {
	partial []byte
	max     int
}

func NewLineSplitter(maxLineLength int) *LineSplitter {
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}
	return &LineSplitter{max: maxLineLength}
}

// Feed appends chunk and returns every line it completes, without the newline
func (s *LineSplitter) Feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			s.partial = append(s.partial, chunk...)
			break
		}
		s.partial = append(s.partial, chunk[:i]...)
		lines = append(lines, string(s.partial))
		s.partial = s.partial[:0]
		chunk = chunk[i+1:]
	}
	// a fragment of exactly max bytes may still end at the next newline
	for len(s.partial) > s.max {
		lines = append(lines, string(s.partial[:s.max]))
		s.partial = append(s.partial[:0], s.partial[s.max:]...)
	}
	return lines
}

// Flush returns the remaining fragment at end of stream, if non-empty
func (s *LineSplitter) Flush() (string, bool) {
	if len(s.partial) == 0 {
		return "", false
	}
	line := string(s.partial)
	s.partial = s.partial[:0]
	return line, true
}
