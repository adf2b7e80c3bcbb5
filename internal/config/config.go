// Package config is used to load the hook configuration from the environment
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/spf13/viper"
)

const envPrefix = "lazyhook"

// Config is the configuration struct
type Config struct {
	// Debug turns on debug logging (LAZYHOOK_DEBUG).
	Debug bool `mapstructure:"debug"`
	// Arch overrides the stub helper layout picked from the image header (LAZYHOOK_ARCH).
	Arch string `mapstructure:"arch"`
}

func (c *Config) verify() error {
	c.Arch = strings.ToLower(strings.TrimSpace(c.Arch))
	switch c.Arch {
	case "", "arm64", "x86_64":
	case "amd64":
		c.Arch = "x86_64"
	case "aarch64":
		c.Arch = "arm64"
	default:
		return fmt.Errorf("config: unsupported arch %q", c.Arch)
	}
	return nil
}

// LoadConfig loads the configuration from LAZYHOOK_* environment variables
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault("debug", false)
	v.SetDefault("arch", "")

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	if c.Debug {
		log.SetLevel(log.DebugLevel)
	}

	return &c, nil
}

var (
	once    sync.Once
	current *Config
)

// Get returns the configuration loaded on first use. An invalid environment
// is logged and replaced by the zero configuration.
func Get() *Config {
	once.Do(func() {
		c, err := LoadConfig()
		if err != nil {
			log.WithError(err).Warn("ignoring LAZYHOOK_* environment")
			c = &Config{}
		}
		current = c
	})
	return current
}
