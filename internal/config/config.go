// Package config loads the wfd-sinks YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/costinm/wfd-sinks/pkg/l2"
	"github.com/costinm/wfd-sinks/pkg/mice"
	"github.com/costinm/wfd-sinks/pkg/wfdp2p"
)

const (
	BackendNetworkManager = "networkmanager"
	BackendWPA            = "wpa_supplicant"

	DefaultBackend      = BackendNetworkManager
	DefaultRemovalMatch = "peer"

	minRescanInterval = time.Second
)

type Config struct {
	// Empty keeps logging silent unless WFD_LOG_LEVEL is set.
	LogLevel string `yaml:"log_level"`

	Backend string `yaml:"backend"`

	// Interface selects the Wi-Fi interface, for example wlan0. Empty picks
	// the first P2P capable one.
	Interface string `yaml:"interface"`

	RescanInterval time.Duration `yaml:"rescan_interval"`
	RemovalMatch   string        `yaml:"removal_match"`

	WPA  WPAConfig  `yaml:"wpa"`
	MICE MICEConfig `yaml:"mice"`
}

type WPAConfig struct {
	// Dir is the wpa_supplicant control directory.
	Dir string `yaml:"dir"`
}

type MICEConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BrowseInterval time.Duration `yaml:"browse_interval"`
}

// Default returns the configuration used without a config file.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads a YAML file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.RescanInterval == 0 {
		c.RescanInterval = wfdp2p.DefaultRescanInterval
	}
	if c.RemovalMatch == "" {
		c.RemovalMatch = DefaultRemovalMatch
	}
	if c.WPA.Dir == "" {
		c.WPA.Dir = l2.DefaultDir
	}
	if c.MICE.BrowseInterval == 0 {
		c.MICE.BrowseInterval = mice.DefaultBrowseInterval
	}
}

// Validate checks a config changed after Load.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendNetworkManager, BackendWPA:
	default:
		return fmt.Errorf("unknown backend %q, want %s or %s", c.Backend, BackendNetworkManager, BackendWPA)
	}
	if c.RescanInterval < minRescanInterval {
		return fmt.Errorf("rescan_interval %v is below %v", c.RescanInterval, minRescanInterval)
	}
	if _, err := wfdp2p.ParseRemovalMatch(c.RemovalMatch); err != nil {
		return err
	}
	if c.MICE.BrowseInterval < 0 {
		return fmt.Errorf("mice.browse_interval %v is negative", c.MICE.BrowseInterval)
	}
	return nil
}

// Match returns the parsed removal_match.
func (c *Config) Match() wfdp2p.RemovalMatch {
	m, _ := wfdp2p.ParseRemovalMatch(c.RemovalMatch)
	return m
}
