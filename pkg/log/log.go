package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components never log through
// it directly; they take child loggers via WithComponent or
// WithAssignment so every line carries its correlation fields.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	// Level is a zerolog level string ("debug", "info", "warn",
	// "error"). Unparseable or empty values fall back to info.
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init configures the root logger. Called once at process start, before
// any component takes a child logger.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		// Logs go to stderr so transmit subprocess output on stdout
		// stays separable.
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger scoped to one controller or
// agent component ("dispatch", "monitor", "api", "agent", ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithAssignment creates a child logger correlated to one
// challenge/runner pair, so every line of an assignment's life — assign,
// complete, requeue — can be grepped by either id.
func WithAssignment(challengeID, runnerID string) zerolog.Logger {
	return Logger.With().
		Str("challenge_id", challengeID).
		Str("runner_id", runnerID).
		Logger()
}
