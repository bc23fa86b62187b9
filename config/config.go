package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Values come from the optional YAML
// config file, overridden by VOTECORE_-prefixed environment variables.
type Config struct {
	DataDir            string        `yaml:"dataDir"            envconfig:"VOTECORE_DATA_DIR"`
	MetricsListenAddr  string        `yaml:"metricsListenAddr"  envconfig:"VOTECORE_METRICS_LISTEN_ADDR"`
	TokenSweepInterval time.Duration `yaml:"tokenSweepInterval" envconfig:"VOTECORE_TOKEN_SWEEP_INTERVAL"`
	Debug              bool          `yaml:"debug"              envconfig:"VOTECORE_DEBUG"`
}

func defaultConfig() *Config {
	return &Config{
		DataDir:            "./data",
		MetricsListenAddr:  ":12798",
		TokenSweepInterval: time.Minute,
	}
}

// Load builds the configuration from defaults, then the YAML file at
// configPath if given, then the environment.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()
	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("votecore", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if cfg.TokenSweepInterval <= 0 {
		return nil, fmt.Errorf("tokenSweepInterval must be positive, got %s", cfg.TokenSweepInterval)
	}
	return cfg, nil
}
