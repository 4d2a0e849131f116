package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_WritesRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "logs", "app.log")
	errLog := filepath.Join(dir, "logs", "error.log")

	log, err := NewLogger(
		WithLevel("debug"),
		WithEncoding("json"),
		WithOutputPaths([]string{appLog}),
		WithErrorPaths([]string{errLog}),
		WithInitialFields(map[string]interface{}{"service": "test"}),
	)
	require.NoError(t, err)

	log.Info("hello", String("k", "v"))
	log.Error("boom", Strings("steps", []string{"extract"}))
	_ = log.Sync()

	app, err := os.ReadFile(appLog)
	require.NoError(t, err)
	assert.Contains(t, string(app), `"message":"hello"`)
	assert.Contains(t, string(app), `"service":"test"`)

	errs, err := os.ReadFile(errLog)
	require.NoError(t, err)
	assert.Contains(t, string(errs), "boom")
	assert.NotContains(t, string(errs), "hello")
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(WithLevel("loud"), WithOutputPaths([]string{"stdout"}))
	assert.Error(t, err)
}

func TestTestLogger_WithSharesEntries(t *testing.T) {
	log := NewTestLogger()
	child := log.With(String("step", "extract")).Named("orchestrator")
	child.Warn("rolled back")
	log.Info("plain")

	entries := log.GetEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "orchestrator", entries[0].Logger)
	assert.Len(t, entries[0].Fields, 1)
	assert.Equal(t, 1, log.CountLevel("INFO"))
	assert.True(t, log.HasMessage("rolled back"))

	log.Clear()
	assert.Empty(t, log.GetEntries())
}

func TestContextLogger_FromContext(t *testing.T) {
	base := NewTestLogger()
	cl := NewContextLogger(base)

	ctx := WithPipeline(context.Background(), "idx", "doc", "exec")
	ctx = WithRequestID(ctx, "req-1")
	cl.FromContext(ctx).Info("step done")

	entries := base.GetEntries()
	require.Len(t, entries, 1)
	keys := make([]string, 0, len(entries[0].Fields))
	for _, f := range entries[0].Fields {
		keys = append(keys, f.Key)
	}
	assert.ElementsMatch(t, []string{"request_id", "index", "documentId", "executionId"}, keys)
}
