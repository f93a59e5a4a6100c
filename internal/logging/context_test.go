package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", NodeExecutionID(ctx))
	assert.Equal(t, "", ActorID(ctx))

	ctx = WithRunID(ctx, "run-123")
	ctx = WithNodeID(ctx, "extract")
	ctx = WithNodeExecutionID(ctx, "ne-9")
	ctx = WithActorID(ctx, "alice")

	assert.Equal(t, "run-123", RunID(ctx))
	assert.Equal(t, "extract", NodeID(ctx))
	assert.Equal(t, "ne-9", NodeExecutionID(ctx))
	assert.Equal(t, "alice", ActorID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRunID(context.Background(), "run-abc")
	ctx = WithNodeID(ctx, "load")
	ctx = WithActorID(ctx, "svc")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "node_id=load")
	assert.Contains(t, output, "actor_id=svc")
	assert.NotContains(t, output, "node_execution_id")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithNodeExecutionID(WithRunID(context.Background(), "run-1"), "ne-1")
	logger.InfoContext(ctx, "finished")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-1")
	assert.Contains(t, output, "node_execution_id=ne-1")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With("component", "controller")

	logger.InfoContext(WithRunID(context.Background(), "run-2"), "hello")

	output := buf.String()
	assert.Contains(t, output, "component=controller")
	assert.Contains(t, output, "run_id=run-2")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "json")
	logger.DebugContext(WithRunID(context.Background(), "run-3"), "dbg")
	assert.Contains(t, buf.String(), `"run_id":"run-3"`)

	buf.Reset()
	logger = New(&buf, "warn", "text")
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
}

func TestNewLeveled_FollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	logger := NewLeveled(&buf, lv, "text")

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	lv.Set(slog.LevelInfo)
	logger.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}
