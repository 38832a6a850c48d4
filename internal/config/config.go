package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
)

// Config represents the optional bale configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. Nil means unset.
type DefaultsConfig struct {
	Remote          *string `toml:"remote"`
	Budget          *string `toml:"budget"`
	Workers         *int    `toml:"workers"`
	StateDir        *string `toml:"state_dir"`
	Compression     *string `toml:"compression"`
	Transport       *string `toml:"transport"`
	BWLimit         *string `toml:"bwlimit"`
	Cleanup         *bool   `toml:"cleanup"`
	SSHKey          *string `toml:"ssh_key"`
	SSHPort         *int    `toml:"ssh_port"`
	TransferRetries *int    `toml:"transfer_retries"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "bale", "config.toml")
}

// DefaultStateDir is where runs, archives and the journal live unless
// configured otherwise.
func DefaultStateDir() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "bale")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "bale")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path, rejecting unknown keys.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(p string) (string, error) {
	out, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return out, nil
}

// ParseSize parses a human size such as "150GiB", "100MB" or "4096".
// The result must be positive.
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: must be between 1 byte and %s", s, humanize.IBytes(math.MaxInt64))
	}
	return int64(n), nil
}
