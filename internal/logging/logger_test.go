package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestKernelLoggerWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	l, err := New(Config{Level: "debug", OutputPaths: []string{path}})
	require.NoError(t, err)

	l.Kernel("kern_1").Debug("retype", zap.Int("count", 2))
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"logger":"kernel"`)
	assert.Contains(t, string(raw), `"instance":"kern_1"`)
	assert.Contains(t, string(raw), `"count":2`)
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	l, err := New(Config{Level: "warn", OutputPaths: []string{path}})
	require.NoError(t, err)

	l.Component("api").Info("hidden")
	l.Component("api").Warn("shown")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hidden")
	assert.Contains(t, string(raw), "shown")
}

func TestNopNeverFails(t *testing.T) {
	assert.NotPanics(t, func() { NewNop().Kernel("x").Error("dropped") })
}
