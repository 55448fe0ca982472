package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_LevelParsing(t *testing.T) {
	testCases := []struct {
		name  string
		level string
		want  zerolog.Level
	}{
		{"trace", "trace", zerolog.TraceLevel},
		{"debug", "debug", zerolog.DebugLevel},
		{"info", "info", zerolog.InfoLevel},
		{"warn", "warn", zerolog.WarnLevel},
		{"error", "error", zerolog.ErrorLevel},
		{"mixed case", "DEBUG", zerolog.DebugLevel},
		{"unknown falls back to info", "verbose", zerolog.InfoLevel},
		{"empty falls back to info", "", zerolog.InfoLevel},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			New(Config{Level: tc.level})
			assert.Equal(t, tc.want, zerolog.GlobalLevel())
		})
	}
}

func TestNew_WritesToConfiguredOut(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Out: &buf})

	log.Info().Str("resource", "daily_raw").Msg("sync complete")

	out := buf.String()
	assert.Contains(t, out, "sync complete")
	assert.Contains(t, out, "daily_raw")
	// Caller annotation is part of the root logger.
	assert.Contains(t, out, "logger_test.go")
}

func TestNew_LevelFiltersLowerEvents(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Out: &buf})

	log.Info().Msg("below threshold")
	assert.Empty(t, buf.String())

	log.Warn().Msg("at threshold")
	assert.Contains(t, buf.String(), "at threshold")
}

func TestNew_PrettyConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Pretty: true, Out: &buf})

	log.Info().Msg("console line")

	// ConsoleWriter renders the message in plain text, not JSON.
	out := buf.String()
	assert.Contains(t, out, "console line")
	assert.NotContains(t, out, `"message"`)
}

func TestNew_TimestampFormat(t *testing.T) {
	New(Config{Level: "info"})
	assert.Equal(t, "2006-01-02T15:04:05Z07:00", zerolog.TimeFieldFormat)
}

func TestSetGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Out: &buf})

	SetGlobalLogger(log)
	defer SetGlobalLogger(zerolog.Logger{})

	log.Info().Msg("routed through shared sink")
	assert.Contains(t, buf.String(), "routed through shared sink")
}
