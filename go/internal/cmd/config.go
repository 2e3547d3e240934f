package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the gateway's yaml configuration. Environment variables
// override the file for deployment-specific values.
type AppConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Backend struct {
		// Kind selects the session store: memory, postgres or nats.
		Kind string `yaml:"kind"`
	} `yaml:"backend"`

	Nats struct {
		URL    string `yaml:"url"`
		Bucket string `yaml:"bucket"`
	} `yaml:"nats"`

	Spin struct {
		DelaySec int `yaml:"delay_sec"`
	} `yaml:"spin"`
}

func defaultAppConfig() *AppConfig {
	cfg := &AppConfig{}
	cfg.Server.Port = "8080"
	cfg.Backend.Kind = "memory"
	cfg.Spin.DelaySec = 3
	return cfg
}

func loadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultAppConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	overrideFromEnv(cfg)
	return cfg, nil
}

// overrideFromEnv applies deployment-specific environment variables on top
// of the file (or default) configuration.
func overrideFromEnv(cfg *AppConfig) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Backend.Kind = getEnv("WHEEL_BACKEND", cfg.Backend.Kind)
	cfg.Nats.URL = getEnv("NATS_URL", cfg.Nats.URL)
	cfg.Spin.DelaySec = getEnvAsInt("SPIN_DELAY_SEC", cfg.Spin.DelaySec)
}

// SpinDelay returns the configured animation delay.
func (c *AppConfig) SpinDelay() time.Duration {
	if c.Spin.DelaySec <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Spin.DelaySec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
