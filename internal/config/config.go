// Package config содержит логику чтения конфигурации сервиса подключённой заправки.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса подключённой заправки.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	FuelingAPIAddress string `env:"FUELING_API_ADDRESS"`
	PayAPIAddress     string `env:"PAY_API_ADDRESS"`
	KeystoreKey       string `env:"KEYSTORE_KEY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envFuelingAddress := cfg.FuelingAPIAddress
	envPayAddress := cfg.PayAPIAddress
	envKeystoreKey := cfg.KeystoreKey

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.FuelingAPIAddress, "f", "", "fueling API address")
	flag.StringVar(&cfg.PayAPIAddress, "p", "", "pay API address")
	flag.StringVar(&cfg.KeystoreKey, "k", "", "hex-encoded keystore key for TOTP secrets")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envFuelingAddress != "" {
		cfg.FuelingAPIAddress = envFuelingAddress
	}
	if envPayAddress != "" {
		cfg.PayAPIAddress = envPayAddress
	}
	if envKeystoreKey != "" {
		cfg.KeystoreKey = envKeystoreKey
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
