package obs

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, logLevel(in), in)
	}
}

func TestSampleRatio(t *testing.T) {
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")
	assert.Equal(t, 0.25, sampleRatio())
	t.Setenv("TRACE_SAMPLE_RATIO", "3")
	assert.Equal(t, 1.0, sampleRatio())
	t.Setenv("TRACE_SAMPLE_RATIO", "")
	assert.Equal(t, 1.0, sampleRatio())
}

func TestInitWithoutCollector(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, logger := Init(" ")
	assert.NotNil(t, logger)
	assert.NoError(t, shutdown(t.Context()))
}
