package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/bale/internal/config"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	configDir := filepath.Join(dir, "bale")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Remote)
	assert.Nil(t, cfg.Defaults.Workers)
	assert.Nil(t, cfg.Defaults.Cleanup)
}

func TestLoad_FullConfig(t *testing.T) {
	writeConfig(t, `
[defaults]
remote = "backup@nas:/srv/bale"
budget = "150GiB"
workers = 4
state_dir = "~/bale-state"
compression = "zstd"
transport = "rsync"
bwlimit = "20MB"
cleanup = true
ssh_key = "~/.ssh/id_ed25519"
ssh_port = 2222
transfer_retries = 5
`)

	cfg, err := config.Load()
	require.NoError(t, err)
	d := cfg.Defaults

	require.NotNil(t, d.Remote)
	assert.Equal(t, "backup@nas:/srv/bale", *d.Remote)
	require.NotNil(t, d.Budget)
	assert.Equal(t, "150GiB", *d.Budget)
	require.NotNil(t, d.Workers)
	assert.Equal(t, 4, *d.Workers)
	require.NotNil(t, d.StateDir)
	assert.Equal(t, "~/bale-state", *d.StateDir)
	require.NotNil(t, d.Compression)
	assert.Equal(t, "zstd", *d.Compression)
	require.NotNil(t, d.Transport)
	assert.Equal(t, "rsync", *d.Transport)
	require.NotNil(t, d.BWLimit)
	assert.Equal(t, "20MB", *d.BWLimit)
	require.NotNil(t, d.Cleanup)
	assert.True(t, *d.Cleanup)
	require.NotNil(t, d.SSHKey)
	require.NotNil(t, d.SSHPort)
	assert.Equal(t, 2222, *d.SSHPort)
	require.NotNil(t, d.TransferRetries)
	assert.Equal(t, 5, *d.TransferRetries)
}

func TestLoad_PartialConfig(t *testing.T) {
	writeConfig(t, `
[defaults]
workers = 8
`)
	cfg, err := config.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Defaults.Workers)
	assert.Equal(t, 8, *cfg.Defaults.Workers)
	assert.Nil(t, cfg.Defaults.Remote)
	assert.Nil(t, cfg.Defaults.Budget)
}

func TestLoad_InvalidTOML(t *testing.T) {
	writeConfig(t, `this is not valid toml [[[`)
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_UnknownKey(t *testing.T) {
	writeConfig(t, `
[defaults]
verify = true
`)
	_, err := config.Load()
	require.ErrorContains(t, err, "defaults.verify")
}

func TestPath_XDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/bale/config.toml", config.Path())
}

func TestPath_Fallback(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/operator")
	assert.Equal(t, "/home/operator/.config/bale/config.toml", config.Path())
}

func TestDefaultStateDir(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/var/state")
	assert.Equal(t, "/var/state/bale", config.DefaultStateDir())

	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("HOME", "/home/operator")
	assert.Equal(t, "/home/operator/.local/state/bale", config.DefaultStateDir())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := config.ExpandPath("~/keys/id")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "keys", "id"), got)

	got, err = config.ExpandPath("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"4096", 4096},
		{"1KiB", 1024},
		{"100MB", 100_000_000},
		{"150GiB", 150 << 30},
		{"2 TB", 2_000_000_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := config.ParseSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "0", "lots", "-5GB"} {
		_, err := config.ParseSize(bad)
		assert.Error(t, err, bad)
	}
}
