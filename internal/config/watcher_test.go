package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	w, err := NewConfigWatcher(path)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	got := make(chan *Config, 4)
	w.AddCallback(func(c *Config) { got <- c })
	require.NoError(t, w.Start())
	defer w.Stop()

	// Ensure a newer mtime on filesystems with coarse timestamps.
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o600))
	require.NoError(t, os.Chtimes(path, later, later))

	select {
	case c := <-got:
		assert.Equal(t, 9001, c.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestConfigWatcher_InvalidFileKeepsCallbacksQuiet(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	w, err := NewConfigWatcher(path)
	require.NoError(t, err)

	called := false
	w.AddCallback(func(*Config) { called = true })

	require.NoError(t, os.WriteFile(path, []byte("output:\n  mode: nonsense\n"), 0o600))
	assert.Error(t, w.TriggerReload())
	assert.False(t, called)
}

func TestConfigWatcher_StartTwice(t *testing.T) {
	w, err := NewConfigWatcher(writeConfig(t, "{}"))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()
	assert.Error(t, w.Start())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestNewConfigWatcher_RequiresPath(t *testing.T) {
	_, err := NewConfigWatcher("")
	assert.Error(t, err)
}
