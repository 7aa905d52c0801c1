package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorbus/ibus/internal/config"
)

func TestNewLoggerWithOutput_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer

	cfg := &config.Config{
		Logging: config.LoggingConfig{
			Sinks: []config.Sink{{Type: config.SinkStdout, Level: WarnLevel}},
		},
	}

	log := NewLoggerWithOutput(cfg, &buf)
	log.Info().Msg("should be suppressed")
	log.Warn().Msg("should appear")

	require.NotContains(t, buf.String(), "should be suppressed")
	assert.Contains(t, buf.String(), "should appear")
}

func TestWithComponent_TagsEvents(t *testing.T) {
	var buf bytes.Buffer

	cfg := &config.Config{Logging: config.LoggingConfig{Sinks: []config.Sink{{Type: config.SinkStdout, Level: DebugLevel}}}}
	log := NewLoggerWithOutput(cfg, &buf).WithComponent("CAN")
	log.Debug().Msg("configured baud rate")

	assert.Contains(t, buf.String(), `"component":"CAN"`)
	assert.Contains(t, buf.String(), "configured baud rate")
}

func TestNoOp_NeverPanics(t *testing.T) {
	log := NoOp()
	log.WithComponent("X").Info().Str("k", "v").Int("n", 1).Err(nil).Msgf("%s", "ignored")
}
