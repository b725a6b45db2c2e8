// Package cplog provides the structured logger shared by every cryptpilot
// component. It wraps zerolog the way the upstream agent wraps it for its
// own KairosLogger: a small convenience surface (Debugf/Infof/...) plus
// direct access to the underlying zerolog.Logger for structured fields.
package cplog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger is the shared logging handle. The zero value is unusable; use New.
type Logger struct {
	Logger zerolog.Logger
}

func New(component string) *Logger {
	return &Logger{
		Logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Timestamp().Str("component", component).Logger(),
	}
}

// NewWithWriter is used by tests that want to capture output.
func NewWithWriter(component string, w io.Writer) *Logger {
	return &Logger{Logger: zerolog.New(w).With().Timestamp().Str("component", component).Logger()}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.Logger.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.Logger.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.Logger.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.Logger.Error().Msgf(format, args...) }

func (l *Logger) SetLevel(level zerolog.Level) {
	l.Logger = l.Logger.Level(level)
}

// verbose is the global, read/write-lock-guarded flag described in spec §5
// and §9: every blocking LUKS/subprocess call reads it before executing.
var (
	verboseMu sync.RWMutex
	verbose   bool
)

func SetVerbose(v bool) {
	verboseMu.Lock()
	defer verboseMu.Unlock()
	verbose = v
}

func Verbose() bool {
	verboseMu.RLock()
	defer verboseMu.RUnlock()
	return verbose
}

// Default is the process-wide logger used by packages that don't carry
// their own injected logger (mirrors the teacher's package-level Log).
var Default = New("cryptpilot")
