package chatsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	assert.Equal(t, "chatsync/"+Version, opts.UserAgent)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, time.Second, opts.ReconnectMin)
	assert.GreaterOrEqual(t, opts.ReconnectMax, opts.ReconnectMin)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: wss://chat.example.com/v0/channels
device_id: dev-1234
auto_reconnect: true
reconnect_min: 500ms
reconnect_max: 30s
`), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/v0/channels", opts.ServerURL)
	assert.Equal(t, "dev-1234", opts.DeviceID)
	assert.Equal(t, 500*time.Millisecond, opts.ReconnectMin)
	assert.Equal(t, 30*time.Second, opts.ReconnectMax)
	// Unset fields keep their defaults.
	assert.Equal(t, "en", opts.Lang)
}

func TestLoadOptionsClampsBackoff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
reconnect_min: 10s
reconnect_max: 1s
`), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, opts.ReconnectMin, opts.ReconnectMax)
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
