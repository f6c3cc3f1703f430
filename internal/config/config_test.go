package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "post.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAppliesFileThenFlagOverrides(t *testing.T) {
	path := writeTempConfig(t, `
[general]
node_id = "from-file"
sync_interval_ms = 750

[network]
port = 9000
overlay_base_url = "http://localhost:41112/status"

[clipboard]
max_size_bytes = 2048

[encryption]
key_rotation_hours = 12
skew_window_s = 30
`)

	c, err := Load(Flags{ConfigPath: path, Port: 9100})
	require.NoError(t, err)

	require.Equal(t, "from-file", c.General.NodeID)
	require.Equal(t, 9100, c.Network.Port) // flag wins over file
	require.Equal(t, "http://localhost:41112/status", c.Network.OverlayBaseURL)
	require.Equal(t, 2048, c.Clipboard.MaxSizeBytes)
	require.Equal(t, 12, c.Encryption.KeyRotationHours)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	c, err := Load(Flags{DataDir: t.TempDir()})
	require.NoError(t, err)

	require.Equal(t, 8412, c.Network.Port)
	require.Equal(t, 500, c.General.SyncIntervalMs)
	require.Equal(t, 1<<20, c.Clipboard.MaxSizeBytes)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := writeTempConfig(t, `
[network]
port = 99999
`)
	_, err := Load(Flags{ConfigPath: path})
	require.Error(t, err)
}

func TestFlagNodeIDOverridesFile(t *testing.T) {
	path := writeTempConfig(t, `
[general]
node_id = "from-file"
`)
	c, err := Load(Flags{ConfigPath: path, NodeID: "from-flag"})
	require.NoError(t, err)
	require.Equal(t, "from-flag", c.General.NodeID)
}
