package cachestore

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReportsAtomicRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msal-cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	var calls atomic.Int32
	w := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		OnChange: func() { calls.Add(1) },
	})
	require.NoError(t, w.Start())
	defer w.Stop()
	assert.True(t, w.IsRunning())

	require.NoError(t, writeFileAtomic(path, []byte(`{"Account":{}}`)))

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "msal-cache.json")

	var calls atomic.Int32
	w := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		OnChange: func() { calls.Add(1) },
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("a: b"), 0o600))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestWatcher_StopCancelsPendingCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msal-cache.json")

	var calls atomic.Int32
	w := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: time.Hour,
		OnChange: func() { calls.Add(1) },
	})
	require.NoError(t, w.Start())

	w.triggerDebounced()
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	assert.False(t, w.IsRunning())
	assert.Zero(t, calls.Load())
}

func TestWatcher_CheckForChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msal-cache.json")
	w := NewWatcher(WatcherConfig{Path: path})

	assert.False(t, w.checkForChanges(), "missing file, nothing recorded yet")

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	assert.True(t, w.checkForChanges())
	assert.False(t, w.checkForChanges())

	require.NoError(t, os.Remove(path))
	assert.True(t, w.checkForChanges())
}
