// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure for the protocol
// engine server.
type Config struct {
	Environment string           `yaml:"environment" json:"environment"`
	Server      *ServerConfig    `yaml:"server" json:"server"`
	Workspace   *WorkspaceConfig `yaml:"workspace" json:"workspace"`
	RateLimit   *RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Logging     *LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig    `yaml:"health" json:"health"`
}

// ServerConfig controls the transport-facing listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// WorkspaceConfig holds default lifecycle parameters for new workspaces
// (§3 TimeWindow invariants).
type WorkspaceConfig struct {
	MinDurationMinutes     int           `yaml:"min_duration_minutes" json:"min_duration_minutes"`
	MaxDurationMinutes     int           `yaml:"max_duration_minutes" json:"max_duration_minutes"`
	DefaultRotationMinutes int           `yaml:"default_rotation_minutes" json:"default_rotation_minutes"`
	GracePeriod            time.Duration `yaml:"grace_period" json:"grace_period"`
	MaxParticipants        int           `yaml:"max_participants" json:"max_participants"`
	AllowExtensionDefault  bool          `yaml:"allow_extension_default" json:"allow_extension_default"`
}

// RateLimitConfig holds default limiter thresholds (§4.10).
type RateLimitConfig struct {
	OperationsPerSecond int           `yaml:"operations_per_second" json:"operations_per_second"`
	CreationsPerHour    int           `yaml:"creations_per_hour" json:"creations_per_hour"`
	SweepInterval       time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile loads configuration from a file
func LoadFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	// Try to parse as YAML first
	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Try JSON if YAML fails
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	SubstituteEnvVarsInConfig(cfg)
	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file
func SaveToFile(cfg *Config, path string) error {
	// Determine format by extension
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults sets default values for configuration, matching the
// reference thresholds named in the protocol engine's component contracts.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Server != nil {
		if cfg.Server.Addr == "" {
			cfg.Server.Addr = ":8080"
		}
		if cfg.Server.ReadTimeout == 0 {
			cfg.Server.ReadTimeout = 30 * time.Second
		}
		if cfg.Server.WriteTimeout == 0 {
			cfg.Server.WriteTimeout = 30 * time.Second
		}
		if cfg.Server.ShutdownTimeout == 0 {
			cfg.Server.ShutdownTimeout = 10 * time.Second
		}
	}

	if cfg.Workspace != nil {
		if cfg.Workspace.MinDurationMinutes == 0 {
			cfg.Workspace.MinDurationMinutes = 5
		}
		if cfg.Workspace.MaxDurationMinutes == 0 {
			cfg.Workspace.MaxDurationMinutes = 120
		}
		if cfg.Workspace.DefaultRotationMinutes == 0 {
			cfg.Workspace.DefaultRotationMinutes = 5
		}
		if cfg.Workspace.GracePeriod == 0 {
			cfg.Workspace.GracePeriod = 30 * time.Second
		}
		if cfg.Workspace.MaxParticipants == 0 {
			cfg.Workspace.MaxParticipants = 50
		}
	}

	if cfg.RateLimit != nil {
		if cfg.RateLimit.OperationsPerSecond == 0 {
			cfg.RateLimit.OperationsPerSecond = 100
		}
		if cfg.RateLimit.CreationsPerHour == 0 {
			cfg.RateLimit.CreationsPerHour = 10
		}
		if cfg.RateLimit.SweepInterval == 0 {
			cfg.RateLimit.SweepInterval = 60 * time.Second
		}
	}

	if cfg.Logging != nil {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "info"
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = "json"
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = "stdout"
		}
	}

	if cfg.Metrics != nil {
		if cfg.Metrics.Port == 0 {
			cfg.Metrics.Port = 9090
		}
		if cfg.Metrics.Path == "" {
			cfg.Metrics.Path = "/metrics"
		}
	}

	if cfg.Health != nil {
		if cfg.Health.Port == 0 {
			cfg.Health.Port = 8081
		}
		if cfg.Health.Path == "" {
			cfg.Health.Path = "/health"
		}
	}
}

// Default returns a Config populated with reference defaults; used by tests
// and by the server when no config file is supplied.
func Default() *Config {
	cfg := &Config{
		Server:    &ServerConfig{},
		Workspace: &WorkspaceConfig{},
		RateLimit: &RateLimitConfig{},
		Logging:   &LoggingConfig{},
		Metrics:   &MetricsConfig{},
		Health:    &HealthConfig{},
	}
	setDefaults(cfg)
	return cfg
}
