// Package config loads the per-profile rtc.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied to fields left unset in the file.
const (
	DefaultReconnectAttempts = 8
	DefaultReconnectBackoff  = 2 * time.Second
	DefaultActivityDecay     = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// Config is the realtime core configuration for one profile.
type Config struct {
	// RelayURL is the ws(s) endpoint of the relay server.
	RelayURL string `toml:"relay_url"`

	// ReconnectAttempts bounds automatic reconnection after a
	// transport-level disconnect. ReconnectBackoffMS is the fixed
	// delay between attempts.
	ReconnectAttempts  int `toml:"reconnect_attempts"`
	ReconnectBackoffMS int `toml:"reconnect_backoff_ms"`

	// ActivityDecayMS is the window after which an unrefreshed
	// typing/recording/uploading signal decays on its own.
	ActivityDecayMS int `toml:"activity_decay_ms"`

	// ICEServers are STUN/TURN URLs handed to the peer connection.
	ICEServers []string `toml:"ice_servers"`

	DefaultProfile string `toml:"default_profile"`
}

// Load reads config from path and fills in defaults. A missing file is
// an error; callers that tolerate absence use LoadOrDefault.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to pure defaults
// when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) {
		def := &Config{}
		def.applyDefaults()
		return def, nil
	}
	return nil, err
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ReconnectBackoff returns the fixed backoff as a duration.
func (c *Config) ReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoffMS) * time.Millisecond
}

// ActivityDecay returns the transient-activity decay window.
func (c *Config) ActivityDecay() time.Duration {
	return time.Duration(c.ActivityDecayMS) * time.Millisecond
}

func (c *Config) applyDefaults() {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectBackoffMS <= 0 {
		c.ReconnectBackoffMS = int(DefaultReconnectBackoff / time.Millisecond)
	}
	if c.ActivityDecayMS <= 0 {
		c.ActivityDecayMS = int(DefaultActivityDecay / time.Millisecond)
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
}

func (c *Config) validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("config: relay_url is required")
	}
	return nil
}
