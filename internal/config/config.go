// Package config loads crawler configuration from an ini file with
// environment overrides for deployment-specific settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"

	"devicecrawl/internal/proxy"
	"devicecrawl/internal/ratelimit"
	"devicecrawl/internal/requestqueue"
	"devicecrawl/internal/scheduler"
	"devicecrawl/internal/scrape"
)

type ServerConfig struct {
	Port     string `ini:"port"`
	LogLevel string `ini:"log_level"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `ini:"driver"`
	DSN    string `ini:"dsn"`
}

type Config struct {
	Server    ServerConfig         `ini:"server"`
	Database  DatabaseConfig       `ini:"database"`
	RateLimit ratelimit.Config     `ini:"ratelimit"`
	Proxy     proxy.Config         `ini:"proxy"`
	Requests  requestqueue.Config  `ini:"requestqueue"`
	Scheduler scheduler.Config     `ini:"scheduler"`
	Fetcher   scrape.FetcherConfig `ini:"fetcher"`
}

// Default returns the built-in configuration; every component default
// matches its package's DefaultConfig.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     "8080",
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "devicecrawl.db",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Proxy:     proxy.DefaultConfig(),
		Requests:  requestqueue.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Fetcher:   scrape.DefaultFetcherConfig(),
	}
}

// Load reads the ini file at path over the defaults. An empty path
// skips the file and uses defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		if err := file.MapTo(cfg); err != nil {
			return nil, fmt.Errorf("failed to map config file: %w", err)
		}
	}

	overrideFromEnv(&cfg.Server.Port, "PORT")
	overrideFromEnv(&cfg.Server.LogLevel, "LOG_LEVEL")
	overrideFromEnv(&cfg.Database.Driver, "DATABASE_DRIVER")
	overrideFromEnv(&cfg.Database.DSN, "DATABASE_URL")
	overrideFromEnv(&cfg.Proxy.FilePath, "PROXY_FILE")

	return cfg, nil
}

func overrideFromEnv(target *string, envName string) {
	if value := os.Getenv(envName); value != "" {
		*target = value
	}
}
