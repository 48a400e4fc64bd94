// Package config loads process configuration from the environment and an optional
// .env file. Every variable carries the DTF_ prefix, e.g. DTF_STORE_FOLDER.
package config

import (
	"fmt"
	"strings"

	"candlestore/internal/session"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Prefix is prepended to every environment variable name.
const Prefix = "DTF_"

// Config represents the application configuration.
type Config struct {
	Server ServerConfig `envPrefix:"SERVER_"`
	Store  StoreConfig  `envPrefix:"STORE_"`
	Feed   FeedConfig   `envPrefix:"FEED_"`
	Log    LogConfig    `envPrefix:"LOG_"`
}

// ServerConfig represents the listener configuration.
type ServerConfig struct {
	Addr     string `env:"ADDR" envDefault:":9001" validate:"required"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9002"`
}

// StoreConfig represents the store folder and flush policy.
type StoreConfig struct {
	Folder        string `env:"FOLDER" envDefault:"db" validate:"required"`
	Autoflush     bool   `env:"AUTOFLUSH" envDefault:"true"`
	FlushInterval uint32 `env:"FLUSH_INTERVAL" envDefault:"1000" validate:"gt=0"`
}

// FeedConfig represents the live recorder configuration.
type FeedConfig struct {
	Exchange string   `env:"EXCHANGE" envDefault:"binance" validate:"oneof=binance coinbase okx"`
	Endpoint string   `env:"ENDPOINT"` // Websocket URL; the exchange default when empty
	Pairs    []string `env:"PAIRS" envSeparator:"," envDefault:"BTC-USDT,ETH-USDT" validate:"min=1"`
	Listen   string   `env:"LISTEN" envDefault:":9003"` // Query and live candle listener; disabled when empty
}

// LogConfig represents the logging configuration.
type LogConfig struct {
	Level string `env:"LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error fatal panic disabled"`
}

// Settings returns the session settings described by the store configuration.
func (c StoreConfig) Settings() session.Settings {
	return session.Settings{
		Autoflush:     c.Autoflush,
		FlushInterval: c.FlushInterval,
		Folder:        c.Folder,
	}
}

var validate = validator.New()

// Load loads the configuration from the environment.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return l
}
