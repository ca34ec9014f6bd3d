package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of the host. Every field has a working
// default, a config file only overrides what it names.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Workers  WorkersConfig  `yaml:"workers"`
	Cron     CronConfig     `yaml:"cron"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Dir holds one SQLite file per worker service.
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WorkersConfig struct {
	// Services lists the entity services the host runs. The set keys the
	// page level fan-in, so it must stay stable across restarts of a tale.
	Services []string `yaml:"services"`
	Parallel int      `yaml:"parallel"`
	// TaskTimeout bounds one process or execute task per page.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

type CronConfig struct {
	StoreMaintenance string `yaml:"store_maintenance"`
	RegistryStats    string `yaml:"registry_stats"`
}

// DefaultConfig returns the configuration the host runs with when no file is
// given.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Dir: "data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Workers: WorkersConfig{
			Services:    []string{"person", "actor", "world", "anecdote"},
			Parallel:    4,
			TaskTimeout: 15 * time.Second,
		},
		Cron: CronConfig{
			StoreMaintenance: "0 3 * * *",
			RegistryStats:    "*/5 * * * *",
		},
	}
}

// LoadConfig overlays the YAML file at path onto the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if len(c.Workers.Services) == 0 {
		return fmt.Errorf("workers.services must name at least one service")
	}
	seen := make(map[string]bool, len(c.Workers.Services))
	for _, svc := range c.Workers.Services {
		name := strings.TrimSpace(svc)
		if name == "" {
			return fmt.Errorf("workers.services contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("workers.services names %q twice", name)
		}
		seen[name] = true
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is empty")
	}
	return nil
}
