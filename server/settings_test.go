package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Backend: BackendConfig{Host: "127.0.0.1", Port: 25566},
		Status: StatusConfig{
			VersionName:     "Loadless",
			VersionProtocol: 754,
			MaxPlayers:      100,
			Motd:            "default motd",
			OfflineLabel:    "Offline",
			Favicon:         "server-icon.png",
		},
	}
}

func TestSettings_Defaults(t *testing.T) {
	settings := NewSettings(testConfig())

	assert.Equal(t, "127.0.0.1:25566", settings.BackendAddress())
	assert.Equal(t, StatusSettings{
		VersionName:     "Loadless",
		VersionProtocol: 754,
		MaxPlayers:      100,
		OnlinePlayers:   0,
		Motd:            "default motd",
		OfflineLabel:    "Offline",
		FaviconPath:     "server-icon.png",
	}, settings.Status())
}

func TestSettings_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  host: mc.internal
  port: 25600
status:
  motd: "from file"
  max-players: 20
`), 0o644))

	settings := NewSettings(testConfig())
	require.NoError(t, settings.Load(path))

	assert.Equal(t, "mc.internal:25600", settings.BackendAddress())
	status := settings.Status()
	assert.Equal(t, "from file", status.Motd)
	assert.Equal(t, 20, status.MaxPlayers)
	assert.Equal(t, "Loadless", status.VersionName, "values missing from the file keep their defaults")
}

func TestSettings_LoadMissingFileUsesDefaults(t *testing.T) {
	settings := NewSettings(testConfig())
	require.NoError(t, settings.Load(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Equal(t, "default motd", settings.Status().Motd)
}

func TestSettings_LoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("status: [unclosed"), 0o644))

	settings := NewSettings(testConfig())
	assert.Error(t, settings.Load(path))
	assert.Equal(t, "default motd", settings.Status().Motd)
}

func TestSettings_ReloadDiscardsSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("status:\n  motd: first\n"), 0o644))

	settings := NewSettings(testConfig())
	require.NoError(t, settings.Load(path))

	settings.Set(SettingStatusMotd, "overridden")
	assert.Equal(t, "overridden", settings.Status().Motd)

	require.NoError(t, os.WriteFile(path, []byte("status:\n  motd: second\n"), 0o644))
	require.NoError(t, settings.Reload())
	assert.Equal(t, "second", settings.Status().Motd)
}

func TestSettings_WatchForChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("status:\n  motd: before\n"), 0o644))

	settings := NewSettings(testConfig())
	settings.debounce = 50 * time.Millisecond
	require.NoError(t, settings.Load(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, settings.WatchForChanges(ctx))

	require.NoError(t, os.WriteFile(path, []byte("status:\n  motd: after\n"), 0o644))

	assert.Eventually(t, func() bool {
		return settings.Status().Motd == "after"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSettings_WatchRequiresFile(t *testing.T) {
	settings := NewSettings(testConfig())
	assert.Error(t, settings.WatchForChanges(context.Background()))
}
