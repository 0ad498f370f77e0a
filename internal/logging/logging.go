package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Key constants for structured log fields.
const (
	KeyComponent = "component"
	KeySession   = "sessionId"
	KeyStrategy  = "strategy"
	KeyResource  = "resource"
	KeyState     = "state"
)

// switchWriter lets component loggers created before Init pick up the
// configured output once Init runs.
type switchWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	return w.Write(p)
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

var (
	output = &switchWriter{w: os.Stderr}
	root   = zerolog.New(output).With().Timestamp().Logger()
)

// Init configures the output format ("json" or "console"), level and writer.
func Init(format, level string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}
	output.set(w)
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return parsed
}

// L returns a logger tagged with the given component.
func L(component string) zerolog.Logger {
	return root.With().Str(KeyComponent, component).Logger()
}
