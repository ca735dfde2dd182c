package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoTextStdout(t *testing.T) {
	log, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.False(t, log.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, log.Enabled(context.Background(), slog.LevelInfo))
}

func TestNewRespectsLevel(t *testing.T) {
	t.Run("debug is case-insensitive", func(t *testing.T) {
		log, err := New(Config{Level: "debug"})
		require.NoError(t, err)
		assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))
	})

	t.Run("warn filters info", func(t *testing.T) {
		log, err := New(Config{Level: "WARN"})
		require.NoError(t, err)
		assert.False(t, log.Enabled(context.Background(), slog.LevelInfo))
		assert.True(t, log.Enabled(context.Background(), slog.LevelWarn))
	})

	t.Run("unrecognized level falls back to info", func(t *testing.T) {
		log, err := New(Config{Level: "bogus"})
		require.NoError(t, err)
		assert.True(t, log.Enabled(context.Background(), slog.LevelInfo))
		assert.False(t, log.Enabled(context.Background(), slog.LevelDebug))
	})
}

func TestNewJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := New(Config{Level: "INFO", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("hello", "key", "value")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestNewTextFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := New(Config{Level: "INFO", Format: "text", Output: path})
	require.NoError(t, err)

	log.Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "msg=hello"))
}

func TestNewRejectsUnwritableOutput(t *testing.T) {
	_, err := New(Config{Output: filepath.Join(t.TempDir(), "missing-dir", "out.log")})
	require.Error(t, err)
}

func TestOpContextArgs(t *testing.T) {
	t.Run("nil context yields no args", func(t *testing.T) {
		var oc *OpContext
		assert.Nil(t, oc.Args())
	})

	t.Run("only populated fields appear", func(t *testing.T) {
		oc := &OpContext{BNR: "42"}
		assert.Equal(t, []any{"bnr", "42"}, oc.Args())
	})

	t.Run("all fields appear in order", func(t *testing.T) {
		oc := &OpContext{BNR: "42", Peer: "10.0.0.1:9000", Op: "acquire"}
		assert.Equal(t, []any{"bnr", "42", "peer", "10.0.0.1:9000", "op", "acquire"}, oc.Args())
	})
}

func TestOpContextRoundTripsThroughContext(t *testing.T) {
	oc := &OpContext{BNR: "7"}
	ctx := WithOpContext(context.Background(), oc)

	got := OpContextFrom(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "7", got.BNR)

	assert.Nil(t, OpContextFrom(context.Background()))
	assert.Nil(t, OpContextFrom(nil))
}
