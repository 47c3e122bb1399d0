// Package config loads the provisiond daemon configuration from HCL.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the daemon configuration.
type Config struct {
	// StatePath is the SQLite database holding desired segment state.
	StatePath string `hcl:"state_path,optional"`

	// RunDir holds staged daemon configs and pid files.
	RunDir string `hcl:"run_dir,optional"`

	// HostapdBin is the hostapd binary used for AP instances.
	HostapdBin string `hcl:"hostapd_bin,optional"`

	// ApplyTimeoutSecs bounds the Activating step of every driver
	// operation. A timeout converts to a driver failure plus rollback.
	ApplyTimeoutSecs int `hcl:"apply_timeout_secs,optional"`

	API *APIConfig `hcl:"api,block"`
	Log *LogConfig `hcl:"log,block"`
}

// APIConfig configures the HTTP/WebSocket surface.
type APIConfig struct {
	Listen string `hcl:"listen,optional"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StatePath:        "/var/lib/provisiond/state.db",
		RunDir:           "/run/provisiond",
		HostapdBin:       "hostapd",
		ApplyTimeoutSecs: 30,
		API:              &APIConfig{Listen: "127.0.0.1:9311"},
		Log:              &LogConfig{Level: "info"},
	}
}

// Load reads an HCL config file, filling unset fields with defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	var loaded Config
	if err := hclsimple.DecodeFile(path, nil, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.merge(&loaded)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	if o.StatePath != "" {
		c.StatePath = o.StatePath
	}
	if o.RunDir != "" {
		c.RunDir = o.RunDir
	}
	if o.HostapdBin != "" {
		c.HostapdBin = o.HostapdBin
	}
	if o.ApplyTimeoutSecs > 0 {
		c.ApplyTimeoutSecs = o.ApplyTimeoutSecs
	}
	if o.API != nil && o.API.Listen != "" {
		c.API.Listen = o.API.Listen
	}
	if o.Log != nil {
		if o.Log.Level != "" {
			c.Log.Level = o.Log.Level
		}
		c.Log.JSON = o.Log.JSON
	}
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.ApplyTimeoutSecs < 1 {
		return fmt.Errorf("apply_timeout_secs must be positive")
	}
	return nil
}

// ApplyTimeout returns the Activating-step timeout as a duration.
func (c *Config) ApplyTimeout() time.Duration {
	return time.Duration(c.ApplyTimeoutSecs) * time.Second
}
