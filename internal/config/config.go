// Package config loads settings from defaults, an optional config file,
// a .env file and LIGHTHOUSE_* environment variables, in increasing
// precedence.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LIGHTHOUSE"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Upgrade   UpgradeConfig   `mapstructure:"upgrade"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Endpoints []Endpoint      `mapstructure:"endpoints"`
	Intents   IntentsConfig   `mapstructure:"intents"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ScannerConfig controls the periodic drift scan; a zero interval disables it.
type ScannerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type UpgradeConfig struct {
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
}

type PolicyConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	RPS        float64       `mapstructure:"rps"`
}

type RetryConfig struct {
	Registry           PolicyConfig  `mapstructure:"registry"`
	Endpoint           PolicyConfig  `mapstructure:"endpoint"`
	RateLimitThreshold int           `mapstructure:"rate_limit_threshold"`
	RateLimitCooldown  time.Duration `mapstructure:"rate_limit_cooldown"`
}

type RegistryConfig struct {
	Insecure bool `mapstructure:"insecure"`
}

// Endpoint is one container-management endpoint. An empty Host uses the
// Docker environment.
type Endpoint struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
}

type IntentsConfig struct {
	Source     string `mapstructure:"source"`
	SourcePath string `mapstructure:"source_path"`
	SourceRef  string `mapstructure:"source_ref"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":3000")
	v.SetDefault("db.path", "lighthouse.db")
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("scheduler.interval", 60*time.Second)
	v.SetDefault("scanner.interval", time.Duration(0))

	v.SetDefault("upgrade.max_concurrency", 3)
	v.SetDefault("upgrade.ready_timeout", 5*time.Minute)
	v.SetDefault("upgrade.ready_poll_interval", 2*time.Second)
	v.SetDefault("upgrade.step_timeout", 2*time.Minute)
	v.SetDefault("upgrade.stop_timeout", 10*time.Second)

	v.SetDefault("retry.registry.max_retries", 3)
	v.SetDefault("retry.registry.base_delay", time.Second)
	v.SetDefault("retry.registry.rps", 0.0)
	v.SetDefault("retry.endpoint.max_retries", 2)
	v.SetDefault("retry.endpoint.base_delay", time.Second)
	v.SetDefault("retry.endpoint.rps", 0.0)
	v.SetDefault("retry.rate_limit_threshold", 5)
	v.SetDefault("retry.rate_limit_cooldown", time.Minute)

	v.SetDefault("registry.insecure", false)
	v.SetDefault("endpoints", []map[string]interface{}{})

	v.SetDefault("intents.source", "")
	v.SetDefault("intents.source_path", "intents.yaml")
	v.SetDefault("intents.source_ref", "")
}

// Load reads the configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("upgrade.max_concurrency", envPrefix+"_UPGRADE_MAX_CONCURRENCY", "MAX_UPGRADE_CONCURRENCY"); err != nil {
		return nil, errors.Wrap(err, "failed to bind environment")
	}
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []Endpoint{{ID: "local", Name: "local"}}
	}
	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].Name == "" {
			cfg.Endpoints[i].Name = cfg.Endpoints[i].ID
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Upgrade.MaxConcurrency < 1:
		return errors.WithHint(errors.Newf("upgrade.max_concurrency must be at least 1, got %d", c.Upgrade.MaxConcurrency),
			"set MAX_UPGRADE_CONCURRENCY to a positive number")
	case c.Upgrade.ReadyTimeout <= 0:
		return errors.Newf("upgrade.ready_timeout must be positive, got %s", c.Upgrade.ReadyTimeout)
	case c.Upgrade.ReadyPollInterval <= 0:
		return errors.Newf("upgrade.ready_poll_interval must be positive, got %s", c.Upgrade.ReadyPollInterval)
	case c.Retry.RateLimitThreshold < 1:
		return errors.Newf("retry.rate_limit_threshold must be at least 1, got %d", c.Retry.RateLimitThreshold)
	case c.Retry.Registry.MaxRetries < 1 || c.Retry.Endpoint.MaxRetries < 1:
		return errors.New("retry max_retries must be at least 1")
	case c.Scheduler.Interval <= 0:
		return errors.Newf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.ID == "" {
			return errors.New("every endpoint needs an id")
		}
		if seen[ep.ID] {
			return errors.Newf("duplicate endpoint id %q", ep.ID)
		}
		seen[ep.ID] = true
	}
	return nil
}
