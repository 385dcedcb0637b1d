// Package config loads and validates application configuration from a
// config file, environment variables, and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Search   SearchConfig   `mapstructure:"search"`
	LogLevel string         `mapstructure:"log_level"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	User                   string `mapstructure:"user"`
	Password               string `mapstructure:"password"`
	Name                   string `mapstructure:"name"`
	SSLMode                string `mapstructure:"ssl_mode"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// URL renders the connection string for pgx and golang-migrate.
func (dc *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.User, dc.Password, dc.Host, dc.Port, dc.Name, dc.SSLMode)
}

// Validate validates database configuration.
func (dc *DatabaseConfig) Validate() error {
	if dc.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if dc.Port < 1 || dc.Port > 65535 {
		return fmt.Errorf("database port must be 1-65535, got: %d", dc.Port)
	}
	if dc.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if dc.MaxConns < 1 {
		return fmt.Errorf("database max_conns must be at least 1, got: %d", dc.MaxConns)
	}
	return nil
}

// APIConfig contains HTTP server and paging settings.
type APIConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	DefaultPageSize int    `mapstructure:"default_page_size"` // Page size when the request names none
	MaxPageSize     int    `mapstructure:"max_page_size"`     // Upper bound on _count; -1 = unlimited
}

// Validate validates API configuration.
func (ac *APIConfig) Validate() error {
	if ac.Port < 1 || ac.Port > 65535 {
		return fmt.Errorf("api port must be 1-65535, got: %d", ac.Port)
	}
	if ac.DefaultPageSize < 1 {
		return fmt.Errorf("api default_page_size must be at least 1, got: %d", ac.DefaultPageSize)
	}
	if ac.MaxPageSize != -1 && ac.MaxPageSize < ac.DefaultPageSize {
		return fmt.Errorf("api max_page_size must be -1 or >= default_page_size, got: %d", ac.MaxPageSize)
	}
	return nil
}

// SearchConfig contains search subsystem settings.
type SearchConfig struct {
	// ParameterBundle is an optional path to a JSON bundle of search
	// parameter definitions merged over the embedded defaults.
	ParameterBundle string `mapstructure:"parameter_bundle"`
}

// Validate validates the whole configuration.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.API.Validate(); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from healthgrid.yaml (working directory or
// /etc/healthgrid), HEALTHGRID_-prefixed environment variables, and a .env
// file when present. Missing config files are fine; the defaults plus
// environment carry a full configuration.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	v := viper.New()
	v.SetConfigName("healthgrid")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/healthgrid")

	v.SetDefault("log_level", "info")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "healthgrid")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.default_page_size", 50)
	v.SetDefault("api.max_page_size", 1000)
	v.SetDefault("search.parameter_bundle", "")

	v.SetEnvPrefix("HEALTHGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
