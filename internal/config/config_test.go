package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Setenv("PRINTSHELL_USER_DATA_DIR", t.TempDir())
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "backend", c.Backend.Dir)
	assert.Equal(t, "jre", c.Backend.JREDir)
	assert.Equal(t, 23333, c.Backend.PreferredPort)
	assert.Equal(t, 20, c.Backend.PortAttempts)
	assert.Equal(t, "256m", c.Backend.MaxHeap)
	assert.Equal(t, 5*time.Second, c.Backend.GracePeriod)
	assert.True(t, c.Backend.UseOSEnv)
	assert.Equal(t, "/api/system/status", c.Readiness.Path)
	assert.Equal(t, time.Second, c.Readiness.Interval)
	assert.Equal(t, 30, c.Readiness.MaxAttempts)
	assert.Equal(t, 2*time.Second, c.Readiness.Timeout)
	assert.Equal(t, "/print-ws/websocket", c.Stream.Path)
	assert.Equal(t, 5*time.Second, c.Stream.ReconnectDelay)
	assert.Equal(t, 30*time.Second, c.Stream.HeartbeatInterval)
	assert.Equal(t, 4*time.Second, c.Stream.StompHeartbeat)
	assert.Equal(t, time.Hour, c.Updates.CheckInterval)
	assert.Equal(t, "127.0.0.1:0", c.UI.Listen)
	assert.Equal(t, 10, c.Log.MaxSizeMB)
	assert.True(t, c.Store.History)
	assert.Equal(t, 30*24*time.Hour, c.Store.HistoryRetention)
	assert.False(t, c.Packaged)
	assert.Equal(t, "1.0.0", c.AppVersion)
}

func TestDerivedPaths(t *testing.T) {
	data := t.TempDir()
	t.Setenv("PRINTSHELL_USER_DATA_DIR", data)
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(data, "data"), c.Backend.DataDir)
	assert.Equal(t, filepath.Join(data, "logs"), c.Backend.LogDir)
	assert.Equal(t, filepath.Join(data, "updates"), c.Updates.DownloadDir)
	assert.Equal(t, filepath.Join(data, "printshell.db"), c.Store.Path)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "printshell.toml")
	body := `
user_data_dir = "` + filepath.ToSlash(dir) + `"
packaged = true

[backend]
dir = "server"
preferred_port = 24000
grace_period = "750ms"
env = ["SPRING_PROFILES_ACTIVE=desktop"]
env_files = ["backend.env"]

[readiness]
max_attempts = 5
interval = "200ms"

[updates]
feed_url = "https://updates.example.com/printshell"

[log]
level = "debug"
max_backups = 9
`
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
	t.Setenv("PRINTSHELL_BACKEND_PREFERRED_PORT", "25000")

	c, err := Load(file)
	require.NoError(t, err)

	assert.True(t, c.Packaged)
	assert.Equal(t, filepath.Join(dir, "server"), c.Backend.Dir)
	assert.Equal(t, []string{filepath.Join(dir, "backend.env")}, c.Backend.EnvFiles)
	assert.Equal(t, 25000, c.Backend.PreferredPort)
	assert.Equal(t, 750*time.Millisecond, c.Backend.GracePeriod)
	assert.Equal(t, []string{"SPRING_PROFILES_ACTIVE=desktop"}, c.Backend.Env)
	assert.Equal(t, 5, c.Readiness.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, c.Readiness.Interval)
	assert.Equal(t, "https://updates.example.com/printshell", c.Updates.FeedURL)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 9, c.Log.MaxBackups)
	assert.Equal(t, 7, c.Log.MaxAgeDays)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(file, []byte("user_data_dir = \""+filepath.ToSlash(dir)+"\"\n[backend]\npreferred_port = 70000\n[readiness]\nmax_attempts = 0\n"), 0o600))

	_, err := Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.preferred_port")
	assert.Contains(t, err.Error(), "readiness.max_attempts")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".printshell"), expandHome("~/.printshell"))
	assert.Equal(t, "/abs", expandHome("/abs"))
}
