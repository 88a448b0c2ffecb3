package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "SYNCBRIDGE"

type Config struct {
	PageDSN        string        `yaml:"page_dsn" mapstructure:"page_dsn"`
	ExtensionDSN   string        `yaml:"extension_dsn" mapstructure:"extension_dsn"`
	SharedArea     string        `yaml:"shared_area" mapstructure:"shared_area"`
	Interval       time.Duration `yaml:"interval" mapstructure:"interval"`
	IntervalJitter float64       `yaml:"interval_jitter" mapstructure:"interval_jitter"`
	ValidateValues bool          `yaml:"validate" mapstructure:"validate"`
	Listen         string        `yaml:"listen" mapstructure:"listen"`
	Token          string        `yaml:"token" mapstructure:"token"`
	Verbose        bool          `yaml:"verbose" mapstructure:"verbose"`
	// Origins are host patterns of pages allowed to open the event stream.
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

func DefaultConfig() *Config {
	return &Config{
		PageDSN:        "file://syncbridge-page.json?encoding=strings",
		ExtensionDSN:   "sqlite://syncbridge-extension.db",
		SharedArea:     "local",
		Interval:       5 * time.Second,
		IntervalJitter: 0,
		ValidateValues: false,
		Listen:         "127.0.0.1:8765",
	}
}

// SetDefaults registers every key with v so environment variables are seen
// by Unmarshal even when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("page_dsn", d.PageDSN)
	v.SetDefault("extension_dsn", d.ExtensionDSN)
	v.SetDefault("shared_area", d.SharedArea)
	v.SetDefault("interval", d.Interval)
	v.SetDefault("interval_jitter", d.IntervalJitter)
	v.SetDefault("validate", d.ValidateValues)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("token", d.Token)
	v.SetDefault("origins", d.Origins)
	v.SetDefault("verbose", d.Verbose)
}

// Load reads configuration from, in increasing precedence: defaults, the
// config file, SYNCBRIDGE_* environment variables and any flags already
// bound to v. An empty configFile searches for syncbridge.yaml in the
// working directory and the user config directory.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("syncbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "syncbridge"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors and fills soft defaults.
func (c *Config) Validate() error {
	c.PageDSN = strings.TrimSpace(c.PageDSN)
	c.ExtensionDSN = strings.TrimSpace(c.ExtensionDSN)
	if c.PageDSN == "" {
		return fmt.Errorf("config: page_dsn is required")
	}
	if c.ExtensionDSN == "" {
		return fmt.Errorf("config: extension_dsn is required")
	}
	if c.PageDSN == c.ExtensionDSN {
		return fmt.Errorf("config: page_dsn and extension_dsn must name different stores")
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.IntervalJitter < 0 || c.IntervalJitter > 1 {
		return fmt.Errorf("config: interval_jitter must be between 0 and 1, got %v", c.IntervalJitter)
	}
	if strings.TrimSpace(c.SharedArea) == "" {
		c.SharedArea = "local"
	}
	c.Token = strings.TrimSpace(c.Token)
	var origins []string
	for _, origin := range c.Origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	c.Origins = origins
	return nil
}
