package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opendlt/accumen-appsdk/engine/gas"
	"github.com/opendlt/accumen-appsdk/engine/router"
	"github.com/opendlt/accumen-appsdk/engine/runtime"
)

// Config represents the node configuration
type Config struct {
	Chain string `yaml:"chain"`

	Runtime struct {
		Backend      string `yaml:"backend"` // "compiler" | "interpreter"
		MemoryPages  uint32 `yaml:"memoryPages"`
		CacheSize    int    `yaml:"cacheSize"`
		CallDeadline string `yaml:"callDeadline"` // node-local wall clock valve, off when empty
		AllowWASI    bool   `yaml:"allowWASI"`
		AllowFloat   bool   `yaml:"allowFloat"` // breaks cross-backend determinism for NaNs
		// must match on every node of a network
		Metering runtime.Metering `yaml:"metering"`
	} `yaml:"runtime"`

	Router struct {
		MaxDepth   uint32 `yaml:"maxDepth"`
		Reentrancy string `yaml:"reentrancy"` // "allow" | "deny-direct" | "deny"
	} `yaml:"router"`

	Gas struct {
		Limit    uint64        `yaml:"limit"`
		Schedule *gas.Schedule `yaml:"schedule"`
	} `yaml:"gas"`

	Storage struct {
		Backend string `yaml:"backend"` // "memory" | "badger" | "bolt"
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // "console" | "json"
	} `yaml:"log"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var config Config
	// unset schedule entries keep their default cost
	config.Gas.Schedule = gas.DefaultSchedule()
	config.Runtime.Metering = runtime.DefaultMetering()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for empty fields
func (c *Config) setDefaults() {
	if c.Chain == "" {
		c.Chain = "devnet"
	}

	if c.Runtime.Backend == "" {
		c.Runtime.Backend = "compiler"
	}
	if c.Runtime.MemoryPages == 0 {
		c.Runtime.MemoryPages = 256 // 16 MiB
	}
	if c.Runtime.CacheSize == 0 {
		c.Runtime.CacheSize = 64
	}
	if c.Runtime.Metering == (runtime.Metering{}) {
		c.Runtime.Metering = runtime.DefaultMetering()
	}

	if c.Router.MaxDepth == 0 {
		c.Router.MaxDepth = 16
	}
	if c.Router.Reentrancy == "" {
		c.Router.Reentrancy = "allow"
	}

	if c.Gas.Limit == 0 {
		c.Gas.Limit = 10_000_000
	}
	if c.Gas.Schedule == nil {
		c.Gas.Schedule = gas.DefaultSchedule()
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Path == "" && c.Storage.Backend != "memory" {
		c.Storage.Path = "data/state"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// validate performs basic validation of config values
func (c *Config) validate() error {
	switch c.Runtime.Backend {
	case "compiler", "interpreter":
	default:
		return fmt.Errorf("runtime backend must be 'compiler' or 'interpreter', got %s", c.Runtime.Backend)
	}

	if c.Runtime.MemoryPages > 65536 {
		return fmt.Errorf("memory pages must be at most 65536, got %d", c.Runtime.MemoryPages)
	}
	if c.Runtime.CacheSize < 1 {
		return fmt.Errorf("cache size must be at least 1, got %d", c.Runtime.CacheSize)
	}

	if c.Runtime.CallDeadline != "" {
		if _, err := time.ParseDuration(c.Runtime.CallDeadline); err != nil {
			return fmt.Errorf("invalid call deadline %s: %w", c.Runtime.CallDeadline, err)
		}
	}

	if err := c.Runtime.Metering.Validate(); err != nil {
		return fmt.Errorf("invalid guest metering: %w", err)
	}

	switch c.Router.Reentrancy {
	case "allow", "deny-direct", "deny":
	default:
		return fmt.Errorf("reentrancy must be 'allow', 'deny-direct' or 'deny', got %s", c.Router.Reentrancy)
	}

	switch c.Storage.Backend {
	case "memory":
	case "badger", "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
	default:
		return fmt.Errorf("storage backend must be 'memory', 'badger' or 'bolt', got %s", c.Storage.Backend)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be 'console' or 'json', got %s", c.Log.Format)
	}

	return nil
}

// CallDeadlineDuration returns the per-call deadline, zero when disabled
func (c *Config) CallDeadlineDuration() time.Duration {
	if c.Runtime.CallDeadline == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Runtime.CallDeadline)
	if err != nil {
		// This should not happen if validation passed
		return 0
	}
	return d
}

// AdapterOptions returns the runtime adapter options the config describes
func (c *Config) AdapterOptions() runtime.Options {
	return runtime.Options{
		CacheSize:      c.Runtime.CacheSize,
		MaxMemoryPages: c.Runtime.MemoryPages,
		AllowWASI:      c.Runtime.AllowWASI,
		AllowFloat:     c.Runtime.AllowFloat,
		CallDeadline:   c.CallDeadlineDuration(),
		Metering:       c.Runtime.Metering,
	}
}

// RouterConfig returns the call router configuration
func (c *Config) RouterConfig() router.Config {
	// validated already
	policy, _ := router.ParsePolicy(c.Router.Reentrancy)
	return router.Config{MaxDepth: c.Router.MaxDepth, Reentrancy: policy}
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Chain: %s, Backend: %s, MaxDepth: %d, Reentrancy: %s, Storage: %s}",
		c.Chain, c.Runtime.Backend, c.Router.MaxDepth, c.Router.Reentrancy, c.Storage.Backend)
}
