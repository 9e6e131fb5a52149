// Package config loads the application configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/api"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/capture"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/cleanup"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/handler"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/jobqueue"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/scheduler"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/scores"
)

// envPrefix namespaces environment variable overrides, e.g.
// SCOREHUB_JOBQUEUE_BASE_URL overrides jobqueue.base_url.
const envPrefix = "SCOREHUB"

// Redis holds connection settings for the shared session and page
// cache store.
type Redis struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// SetDefaults fills in zero values.
func (r *Redis) SetDefaults() {
	if r.Addr == "" {
		r.Addr = "localhost:6379"
	}
}

// Config is the root application configuration.
type Config struct {
	Logger    logger.Config    `mapstructure:"logger" yaml:"logger"`
	Redis     Redis            `mapstructure:"redis" yaml:"redis"`
	Portal    portal.Config    `mapstructure:"portal" yaml:"portal"`
	JobQueue  jobqueue.Config  `mapstructure:"jobqueue" yaml:"jobqueue"`
	Scheduler scheduler.Config `mapstructure:"scheduler" yaml:"scheduler"`
	Handler   handler.Config   `mapstructure:"handler" yaml:"handler"`
	Scores    scores.Config    `mapstructure:"scores" yaml:"scores"`
	Cleanup   cleanup.Config   `mapstructure:"cleanup" yaml:"cleanup"`
	Capture   capture.Config   `mapstructure:"capture" yaml:"capture"`
	API       api.Config       `mapstructure:"api" yaml:"api"`
}

// SetDefaults applies defaults to every subsystem.
func (c *Config) SetDefaults() {
	c.Redis.SetDefaults()
	c.Portal.SetDefaults()
	c.JobQueue.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Handler.SetDefaults()
	c.Scores.SetDefaults()
	c.Cleanup.SetDefaults()
	c.Capture.SetDefaults()
	c.API.SetDefaults()
}

// Validate checks settings the worker cannot run without.
func (c *Config) Validate() error {
	if c.JobQueue.BaseURL == "" {
		return fmt.Errorf("jobqueue.base_url is required")
	}
	return nil
}

// loadEnvFiles loads .env files before env overrides are applied.
// .env.local wins over .env; missing files are not an error.
func loadEnvFiles() error {
	for _, name := range []string{".env", ".env.local"} {
		if err := godotenv.Overload(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the config file at path and applies env overrides.
// A missing file is fine: defaults plus environment still make a
// usable worker config.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}
