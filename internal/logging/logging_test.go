package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesTerminalAndFile(t *testing.T) {
	var term bytes.Buffer
	file := filepath.Join(t.TempDir(), "app", "app.log")

	logger, closeFn, err := New(Options{Level: "debug", File: file, Terminal: &term})
	require.NoError(t, err)

	logger.Debug("sandbox executed", "engine", "starlark")
	require.NoError(t, closeFn())

	assert.Contains(t, term.String(), "sandbox executed")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"engine":"starlark"`)
}

func TestNew_RespectsLevel(t *testing.T) {
	var term bytes.Buffer
	logger, _, err := New(Options{Level: "warn", Terminal: &term})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, term.String(), "hidden")
	assert.Contains(t, term.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("ERROR")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestToJournalKey(t *testing.T) {
	assert.Equal(t, "REQUEST_ID", toJournalKey("request.id"))
}
