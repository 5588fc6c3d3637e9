package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLogger_PrefixAndArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, slog.LevelDebug).With("store", "main")

	ctx := WithDefaultArgs(context.Background(), "op", "commit")
	log.InfoCtx(ctx, "committed", "index", 3)

	out := buf.String()
	assert.Contains(t, out, "[dstate] committed")
	assert.Contains(t, out, "store=main")
	assert.Contains(t, out, "index=3")
	assert.Contains(t, out, "op=commit")
}

func TestDefaultLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
