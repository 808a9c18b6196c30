package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/pomosync/internal/protocol"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Values come from an optional YAML file
// (CONFIG_PATH) with environment variables taking precedence.
type Config struct {
	Host            string
	Port            string
	WSPort          string
	CleanupInterval time.Duration
	SessionTimeout  time.Duration
	LogLevel        string
	LogEnabled      bool
	Environment     string
}

type fileConfig struct {
	Host              string `yaml:"host"`
	Port              string `yaml:"port"`
	WSPort            string `yaml:"ws_port"`
	CleanupIntervalMs int64  `yaml:"cleanup_interval_ms"`
	SessionTimeoutMs  int64  `yaml:"session_timeout_ms"`
	LogLevel          string `yaml:"log_level"`
	Environment       string `yaml:"environment"`
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		Host:            "localhost",
		Port:            "3000",
		CleanupInterval: protocol.CleanupInterval,
		SessionTimeout:  protocol.SessionTimeout,
		LogLevel:        "info",
		LogEnabled:      true,
		Environment:     "development",
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if fc.Host != "" {
			cfg.Host = fc.Host
		}
		if fc.Port != "" {
			cfg.Port = fc.Port
		}
		if fc.WSPort != "" {
			cfg.WSPort = fc.WSPort
		}
		if fc.CleanupIntervalMs > 0 {
			cfg.CleanupInterval = time.Duration(fc.CleanupIntervalMs) * time.Millisecond
		}
		if fc.SessionTimeoutMs > 0 {
			cfg.SessionTimeout = time.Duration(fc.SessionTimeoutMs) * time.Millisecond
		}
		if fc.LogLevel != "" {
			cfg.LogLevel = fc.LogLevel
		}
		if fc.Environment != "" {
			cfg.Environment = fc.Environment
		}
	}

	cfg.Host = getEnv("HOST", cfg.Host)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.WSPort = getEnv("WS_PORT", cfg.WSPort)
	if cfg.WSPort == "" {
		cfg.WSPort = cfg.Port
	}
	if ms := getEnvAsInt("CLEANUP_INTERVAL", 0); ms > 0 {
		cfg.CleanupInterval = time.Duration(ms) * time.Millisecond
	}
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogEnabled = getEnvAsBool("LOG_ENABLED", cfg.LogEnabled)
	cfg.Environment = getEnv("APP_ENV", cfg.Environment)

	return cfg, nil
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
