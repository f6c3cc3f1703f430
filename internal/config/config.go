// Package config loads the daemon's TOML configuration, then layers CLI
// flag overrides on top (flags win). TOML decoding uses
// github.com/BurntSushi/toml.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/post-sync/post/internal/posterr"
)

// Config is the fully resolved configuration, TOML defaults overridden by
// any CLI flags the operator passed explicitly.
type Config struct {
	General struct {
		NodeID         string `toml:"node_id"`
		SyncIntervalMs int    `toml:"sync_interval_ms"`
	} `toml:"general"`

	Network struct {
		Port           int    `toml:"port"`
		OverlayBaseURL string `toml:"overlay_base_url"`
	} `toml:"network"`

	Clipboard struct {
		MaxSizeBytes int `toml:"max_size_bytes"`
	} `toml:"clipboard"`

	Encryption struct {
		KeyRotationHours int `toml:"key_rotation_hours"`
		SkewWindowS      int `toml:"skew_window_s"`

		// PBKDF2Rounds is recognized but ignored. The session key path is
		// X25519+HKDF, not a password-derived key, so this config key has
		// no effect unless a future password-wrapped identity feature
		// adopts it.
		PBKDF2Rounds int `toml:"pbkdf2_rounds"`
	} `toml:"encryption"`

	DataDir string `toml:"-"`
}

// Defaults returns the daemon's built-in configuration defaults.
func Defaults() Config {
	var c Config
	c.General.SyncIntervalMs = 500
	c.Network.Port = 8412
	c.Clipboard.MaxSizeBytes = 1 << 20
	c.Encryption.KeyRotationHours = 24
	c.Encryption.SkewWindowS = 120
	return c
}

// Flags holds the CLI flag values parsed alongside the TOML file. A flag
// left at its zero value is treated as "not set" and does not override the
// file.
type Flags struct {
	ConfigPath string
	NodeID     string
	Port       int
	OverlayURL string
	DataDir    string
}

// ParseFlags registers and parses the daemon's command-line flags.
func ParseFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("post", flag.ContinueOnError)

	var f Flags
	fs.StringVar(&f.ConfigPath, "config", "", "Path to post.toml configuration file")
	fs.StringVar(&f.NodeID, "node-id", "", "Override the persisted node id")
	fs.IntVar(&f.Port, "port", 0, "Transport listen port (overrides config)")
	fs.StringVar(&f.OverlayURL, "overlay-base-url", "", "Overlay local API base URL (overrides config)")
	fs.StringVar(&f.DataDir, "data-dir", "", "Directory for identity.bin and peers.json")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// Load reads the TOML file at f.ConfigPath (if non-empty) over top of
// Defaults, then applies flags, then validates. A given path that cannot be
// read or decoded is a config error.
func Load(f Flags) (Config, error) {
	c := Defaults()

	if f.ConfigPath != "" {
		if _, err := toml.DecodeFile(f.ConfigPath, &c); err != nil {
			return Config{}, posterr.New(posterr.KindConfig, "load", err)
		}
	}

	if f.NodeID != "" {
		c.General.NodeID = f.NodeID
	}
	if f.Port != 0 {
		c.Network.Port = f.Port
	}
	if f.OverlayURL != "" {
		c.Network.OverlayBaseURL = f.OverlayURL
	}
	c.DataDir = f.DataDir
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return posterr.New(posterr.KindConfig, "validate", fmt.Errorf("network.port %d out of range", c.Network.Port))
	}
	if c.General.SyncIntervalMs <= 0 {
		return posterr.New(posterr.KindConfig, "validate", fmt.Errorf("general.sync_interval_ms must be positive"))
	}
	if c.Clipboard.MaxSizeBytes <= 0 {
		return posterr.New(posterr.KindConfig, "validate", fmt.Errorf("clipboard.max_size_bytes must be positive"))
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/post"
	}
	return ".post"
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.General.SyncIntervalMs) * time.Millisecond
}

func (c Config) KeyRotationInterval() time.Duration {
	return time.Duration(c.Encryption.KeyRotationHours) * time.Hour
}

func (c Config) SkewWindow() time.Duration {
	return time.Duration(c.Encryption.SkewWindowS) * time.Second
}
