package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerWritesFieldsAndTraceID(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "bookwarehouse", func(context.Context) string { return "abc123" })

	log.Info(context.Background(), "order placed", "order_id", "o-1", "copies", 3)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "order placed", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "bookwarehouse", lines[0]["service"])
	assert.Equal(t, "o-1", lines[0]["order_id"])
	assert.EqualValues(t, 3, lines[0]["copies"])
	assert.Equal(t, "abc123", lines[0]["trace_id"])
	assert.Contains(t, lines[0]["caller"], "logger_test.go")
}

func TestLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "svc", nil)

	log.Debug(context.Background(), "dropped")
	log.Info(context.Background(), "dropped")
	log.Warn(context.Background(), "kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.NotContains(t, lines[0], "trace_id")
}

func TestLoggerErrorsAndBadKeys(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "svc", func(context.Context) string { return "" })

	log.With("component", "store").Error(context.Background(), "write failed", "error", errors.New("boom"), "dangling")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Equal(t, "dangling", lines[0]["!BADKEY"])
	assert.Equal(t, "store", lines[0]["component"])
	assert.NotContains(t, lines[0], "trace_id")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Error(context.Background(), "nothing", "k", "v")
	})
}
