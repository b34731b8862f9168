package logstream

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/core-tools/hsu-podpilot/pkg/logging"
)

// Stream names a child's output stream
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Decision is the outcome of classifying one line
type Decision struct {
	Level logging.Level
	Text  string
	Emit  bool

	// InTraceback is the traceback state to carry to the service's next line
	InTraceback bool
}

var (
	daemonTimestamp = regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(\.\d+)? `)
	ansiEscape      = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[@-Z\\-_]`)
	failureWords    = []string{"error", "fatal", "panic", "exception"}
)

// Normalize strips a leading daemon timestamp, ANSI escapes and carriage returns
func Normalize(line string) string {
	line = daemonTimestamp.ReplaceAllString(line, "")
	line = ansiEscape.ReplaceAllString(line, "")
	return strings.ReplaceAll(line, "\r", "")
}

// Classify decides severity and emission for one line of service output
// given the service's current traceback state. It has no side effects.
func (r *Rules) Classify(service string, stream Stream, line string, inTraceback bool) Decision {
	text := Normalize(line)

	if r.IsProgressBar(text) {
		return Decision{InTraceback: inTraceback}
	}

	blank := strings.TrimSpace(text) == ""

	switch {
	case r.IsTracebackStart(text):
		return Decision{Level: logging.ErrorLevel, Text: Sanitize(text), Emit: true, InTraceback: true}
	case inTraceback && blank:
		return Decision{InTraceback: false}
	case inTraceback:
		return Decision{Level: logging.ErrorLevel, Text: Sanitize(text), Emit: true, InTraceback: true}
	case blank:
		return Decision{}
	}

	if level, ok := r.ServiceLevel(service, text); ok {
		return Decision{Level: level, Text: Sanitize(text), Emit: true}
	}

	if stream == Stderr {
		lower := strings.ToLower(text)
		for _, w := range failureWords {
			if strings.Contains(lower, w) {
				return Decision{Level: logging.ErrorLevel, Text: Sanitize(text), Emit: true}
			}
		}
		return Decision{Level: logging.WarnLevel, Text: Sanitize(text), Emit: true}
	}

	return Decision{Level: logging.InfoLevel, Text: Sanitize(text), Emit: true}
}

// Sanitize escapes newlines and carriage returns and removes every other
// control character except tab, so one record can never render as two
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "�")
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		switch {
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteRune(c)
		case unicode.IsControl(c):
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
