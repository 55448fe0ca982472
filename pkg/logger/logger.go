package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls how the process logger is built.
type Config struct {
	Level  string    // trace, debug, info, warn, error; anything else means info
	Pretty bool      // human-readable console output for local runs
	Out    io.Writer // defaults to stdout
}

// New builds the root logger for the process. Sync runs emit a lot of
// per-day debug lines, so the chosen level is applied globally rather
// than per logger.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Logger()
}

// SetGlobalLogger routes the zerolog package-level logger through l so
// code logging via log.Logger shares the same sink and level.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
