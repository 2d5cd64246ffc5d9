// Package config loads the process configuration from a YAML file,
// with environment-variable overrides for deployment settings.
package config

import (
	"fmt"
	"os"
	"strconv"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the static process configuration. Runtime-tunable limits
// (concurrency, windows, tolerances) live in the store's settings row
// instead.
type Config struct {
	Listen      string `yaml:"listen"`
	DatabaseURL string `yaml:"database_url"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	VaultKeyPath string `yaml:"vault_key_path"`
	QueueWorkers int    `yaml:"queue_workers"`

	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var c Config
	c.Listen = ":8080"
	c.Redis.Addr = "localhost:6379"
	c.VaultKeyPath = "vault.key"
	c.Log.Level = "info"
	return c
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SCRIPTHERD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("VAULT_KEY_PATH"); v != "" {
		cfg.VaultKeyPath = v
	}
	if v := os.Getenv("SCRIPTHERD_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueWorkers = n
		}
	}
	if v := os.Getenv("SCRIPTHERD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
