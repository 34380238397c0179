package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// recentErrors keeps the last error-level messages for the health
// surface.
var recentErrors = struct {
	mu   sync.Mutex
	ring []string
}{}

const recentErrorsCap = 20

type recentErrorsHook struct{}

func (recentErrorsHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.ErrorLevel || message == "" {
		return
	}
	recentErrors.mu.Lock()
	defer recentErrors.mu.Unlock()
	recentErrors.ring = append(recentErrors.ring, message)
	if len(recentErrors.ring) > recentErrorsCap {
		recentErrors.ring = recentErrors.ring[len(recentErrors.ring)-recentErrorsCap:]
	}
}

// RecentErrors returns the most recent error-level messages, oldest
// first.
func RecentErrors() []string {
	recentErrors.mu.Lock()
	defer recentErrors.mu.Unlock()
	out := make([]string, len(recentErrors.ring))
	copy(out, recentErrors.ring)
	return out
}

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	Logger = Logger.Hook(recentErrorsHook{})
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithConversation creates a child logger with conversation_id field
func WithConversation(conversationID string) zerolog.Logger {
	return Logger.With().Str("conversation_id", conversationID).Logger()
}

// WithInstance creates a child logger with instance field
func WithInstance(name string) zerolog.Logger {
	return Logger.With().Str("instance", name).Logger()
}

// WithJobID creates a child logger with job_id field
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}
