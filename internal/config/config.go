// Package config handles mcphub configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcphub.yaml, ~/.config/mcphub/config.yaml, /etc/mcphub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcphub.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphub", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphub/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphub configuration.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Health    HealthConfig    `yaml:"health"`
	// CallTimeoutSec bounds each peer call (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// TLSInsecureSkipVerify disables certificate verification when
	// dialing https peers. Local/development setups only.
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
	LogLevel              string `yaml:"log_level"`
}

// DiscoveryConfig defines where peers come from: a static list, an
// MQTT broker, or both.
type DiscoveryConfig struct {
	Peers []StaticPeer `yaml:"peers"`
	MQTT  MQTTConfig   `yaml:"mqtt"`
}

// StaticPeer declares one peer in the config file.
type StaticPeer struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Endpoint: "stdio:cmd args", "ws://...", or "https://...".
	Endpoint string `yaml:"endpoint"`
	// Headers ride on HTTP and WebSocket requests to this peer.
	Headers map[string]string `yaml:"headers"`
}

// MQTTConfig defines the broker connection for MQTT discovery.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// BridgeConfig defines the HTTP status/call bridge.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port (default: ":8080")
}

// HealthConfig defines probe and reconnect pacing, in seconds. Zero
// values take defaults.
type HealthConfig struct {
	ProbeIntervalSec   int `yaml:"probe_interval_sec"`
	ProbeTimeoutSec    int `yaml:"probe_timeout_sec"`
	RefreshIntervalSec int `yaml:"refresh_interval_sec"`
	InitialBackoffSec  int `yaml:"initial_backoff_sec"`
	MaxBackoffSec      int `yaml:"max_backoff_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		CallTimeoutSec: 30,
	}
}
