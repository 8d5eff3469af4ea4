package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factcache/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" DEBUG ": slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNewHandler_JSONByDefaultForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, config.LogConfig{Level: "info"}))

	logger.Debug("hidden")
	logger.Info("cache refreshed", "kind", "trending")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cache refreshed", line["msg"])
	assert.Equal(t, "trending", line["kind"])
}

func TestNewHandler_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, config.LogConfig{Level: "debug", Format: "text"}))

	logger.Debug("record verified", "id", "rec-01")

	out := buf.String()
	assert.Contains(t, out, "record verified")
	assert.Contains(t, out, "id=rec-01")
	assert.NotContains(t, out, "\033[", "colors are off when not writing to a terminal")
}
