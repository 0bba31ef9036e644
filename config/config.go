package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TomlTenant seeds a tenant and its feed URLs at startup.
type TomlTenant struct {
	ID    string   `toml:"id"`
	Feeds []string `toml:"feeds,omitempty"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	PollIntervalSeconds int          `toml:"poll_interval_seconds"`
	DebounceSeconds     int          `toml:"debounce_seconds"`
	LogBound            int          `toml:"log_bound"`
	SnapshotSize        int          `toml:"snapshot_size"`
	ClientBuffer        int          `toml:"client_buffer"`
	Tenants             []TomlTenant `toml:"tenants"`
}

// Default returns the configuration used when no file is provided.
func Default() *TomlConfig {
	return &TomlConfig{
		PollIntervalSeconds: 60,
		DebounceSeconds:     5,
		LogBound:            25,
		SnapshotSize:        25,
		ClientBuffer:        10,
	}
}

// LoadConfig reads a TOML configuration file. Values not present in the file
// keep their defaults.
func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func (c *TomlConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *TomlConfig) DebounceDelay() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}
