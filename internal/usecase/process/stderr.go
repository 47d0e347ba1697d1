package process

import (
	"io"
	"log/slog"
	"regexp"
	"strings"
)

var infoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^Loaded cached credentials`),
	regexp.MustCompile(`^Using cached credentials`),
	regexp.MustCompile(`(?i)cached credentials (loaded|used)`),
	regexp.MustCompile(`^\[[^\]]+\]\s*(Loaded|Using|Authenticated)\b`),
}

// IsInfoMessage reports whether a stderr chunk is a benign notice rather than
// an error signal. It only affects log severity, never success or failure.
func IsInfoMessage(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, re := range infoPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// stderrSink tees stderr into w and logs each chunk at debug or warn level.
type stderrSink struct {
	w      io.Writer
	logger *slog.Logger
}

func (s *stderrSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if text := strings.TrimSpace(string(p)); text != "" {
		if IsInfoMessage(text) {
			s.logger.Debug("cli stderr", "text", text)
		} else {
			s.logger.Warn("cli stderr", "text", text)
		}
	}
	return n, err
}
