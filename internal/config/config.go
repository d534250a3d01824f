// Package config loads the controller-side configuration from TOML and
// resolves the runtime directory where session sockets and info files
// live. Every field has a working default: an empty or absent config
// file is a valid configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cluesmith/codev/internal/constants"
)

// EnvRunDir overrides the runtime directory when set. It wins over
// both the config file and the XDG fallback chain.
const EnvRunDir = "CODEV_RUN_DIR"

// Duration wraps time.Duration so TOML values can be written as
// strings like "15s" or "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Restart configures automatic daemon respawn after a child exits.
type Restart struct {
	// Enabled turns restarts on. Off by default: an exited session
	// stays inspectable until the orchestrator decides what to do.
	Enabled bool `toml:"enabled"`

	// Delay is the pause before each respawn.
	Delay Duration `toml:"delay"`

	// MaxRestarts caps respawns within one ResetAfter window. Once the
	// cap is hit the session is left in its exited state.
	MaxRestarts int `toml:"max_restarts"`

	// ResetAfter is how long a child must stay up before the restart
	// counter goes back to zero.
	ResetAfter Duration `toml:"reset_after"`
}

// Config is the full controller configuration.
type Config struct {
	// RunDir holds session sockets and info files. Empty means resolve
	// via DefaultRunDir.
	RunDir string `toml:"run_dir"`

	// StorePath is the session metadata database. Empty means
	// <RunDir>/sessions.db.
	StorePath string `toml:"store_path"`

	// ReplayBytes sizes each daemon's output replay buffer.
	ReplayBytes int `toml:"replay_bytes"`

	// PingInterval and PongTimeout govern connection liveness probes.
	PingInterval Duration `toml:"ping_interval"`
	PongTimeout  Duration `toml:"pong_timeout"`

	// KillGrace is how long Kill waits between the polite terminate
	// and the forced SIGKILL.
	KillGrace Duration `toml:"kill_grace"`

	Restart Restart `toml:"restart"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ReplayBytes:  0, // 0 means the daemon's built-in default
		PingInterval: Duration{constants.DefaultPingInterval},
		PongTimeout:  Duration{constants.DefaultPongTimeout},
		KillGrace:    Duration{constants.DefaultKillGrace},
		Restart: Restart{
			Enabled:     false,
			Delay:       Duration{constants.DefaultRestartDelay},
			MaxRestarts: constants.DefaultMaxRestarts,
			ResetAfter:  Duration{constants.DefaultRestartReset},
		},
	}
}

// Load reads the config file at path, layering it over Default. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultPath returns the standard config file location,
// $XDG_CONFIG_HOME/codev/config.toml with the usual ~/.config
// fallback.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "codev", "config.toml")
}

// ResolveRunDir applies the precedence chain for the runtime
// directory: CODEV_RUN_DIR, then the configured run_dir, then
// $XDG_RUNTIME_DIR/codev, then ~/.codev/run.
func (c Config) ResolveRunDir() string {
	if dir := os.Getenv(EnvRunDir); dir != "" {
		return dir
	}
	if c.RunDir != "" {
		return c.RunDir
	}
	if base := os.Getenv("XDG_RUNTIME_DIR"); base != "" {
		return filepath.Join(base, "codev")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), fmt.Sprintf("codev-%d", os.Getuid()))
	}
	return filepath.Join(home, ".codev", "run")
}

// ResolveStorePath returns the session database path, defaulting to
// sessions.db inside the run dir.
func (c Config) ResolveStorePath() string {
	if c.StorePath != "" {
		return c.StorePath
	}
	return filepath.Join(c.ResolveRunDir(), "sessions.db")
}

func (c Config) validate() error {
	if c.ReplayBytes < 0 {
		return fmt.Errorf("replay_bytes must not be negative, got %d", c.ReplayBytes)
	}
	if c.PingInterval.Duration <= 0 {
		return errors.New("ping_interval must be positive")
	}
	if c.PongTimeout.Duration <= 0 {
		return errors.New("pong_timeout must be positive")
	}
	if c.KillGrace.Duration < 0 {
		return errors.New("kill_grace must not be negative")
	}
	if c.Restart.MaxRestarts < 0 {
		return fmt.Errorf("restart.max_restarts must not be negative, got %d", c.Restart.MaxRestarts)
	}
	if c.Restart.Enabled && c.Restart.Delay.Duration < 0 {
		return errors.New("restart.delay must not be negative")
	}
	return nil
}
