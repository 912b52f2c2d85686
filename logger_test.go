package getext

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLogLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		lines = append(lines, entry)
	}
	return lines
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug")

	logger.Debug("starting", "requestID", "abc", "attempt", 2)
	logger.Error("failed", "error", "boom")

	lines := decodeLogLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "debug", lines[0]["level"])
	assert.Equal(t, "starting", lines[0]["message"])
	assert.Equal(t, "abc", lines[0]["requestID"])
	assert.Equal(t, float64(2), lines[0]["attempt"])
	assert.Equal(t, "getext", lines[0]["component"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := decodeLogLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
}

func TestWriterLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "")

	logger.Debug("hidden")
	logger.Info("shown")

	assert.Len(t, decodeLogLines(t, &buf), 1)
}

func TestZerologLoggerWrapsExisting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf).With().Str("service", "billing").Logger())

	logger.Info("hello", "k", "v")

	lines := decodeLogLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "billing", lines[0]["service"])
	assert.Equal(t, "v", lines[0]["k"])
}

func TestSimpleLoggerDoesNotPanic(t *testing.T) {
	logger := NewSimpleLogger()
	assert.NotPanics(t, func() {
		logger.Debug("debug message")
		logger.Info("info message")
		logger.Warn("warn message")
		logger.Error("error message")
	})
}

func TestClientDebugLogging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	var buf bytes.Buffer
	client := New(WithDebug(), WithLogger(NewWriterLogger(&buf, "debug")), WithStatusValidation())

	_, err := client.Get(WithRequestID(context.Background(), "req-9"), server.URL)
	require.Error(t, err)

	lines := decodeLogLines(t, &buf)
	require.NotEmpty(t, lines)
	messages := make([]string, 0, len(lines))
	for _, l := range lines {
		messages = append(messages, l["message"].(string))
		assert.Equal(t, "req-9", l["requestID"])
	}
	assert.Contains(t, messages, "Starting request")
	assert.Contains(t, messages, "Response rejected")
}

func TestDefaultDebugConfig(t *testing.T) {
	cfg := DefaultDebugConfig()

	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.LogRequests)
	assert.True(t, cfg.LogRetries)
	assert.True(t, cfg.LogDelegates)
	require.NotNil(t, cfg.RequestIDGen)
	assert.NotEqual(t, cfg.RequestIDGen(), cfg.RequestIDGen())
}
