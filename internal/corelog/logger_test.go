package corelog

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "agentcore-test", "debug")

	logger.Info("lock acquired", map[string]interface{}{"file_path": "a.go", "agent_id": "agent-1"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "lock acquired", entry["message"])
	require.Equal(t, "a.go", entry["file_path"])
}

func TestJSONLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "svc", "warn")

	logger.Debug("should be filtered", nil)
	logger.Info("also filtered", nil)
	logger.Warn("kept", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "kept")
}

func TestJSONLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "svc", "info")
	scoped := logger.WithComponent("lock/manager")
	scoped.Info("hello", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "lock/manager", entry["component"])
}

func TestJSONLoggerRequestIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "svc", "info")
	ctx := WithRequestID(context.Background(), "req-42")

	logger.InfoWithContext(ctx, "processing", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "req-42", entry["request_id"])
}

func TestNoOpLoggerNeverPanics(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Info("x", nil)
	l.Error("x", nil)
	l.Warn("x", nil)
	l.Debug("x", nil)
	l.InfoWithContext(context.Background(), "x", nil)
	if cal, ok := l.(ComponentAwareLogger); ok {
		cal.WithComponent("x").Info("y", nil)
	}
}
