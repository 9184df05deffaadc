// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the bridge configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Secondary sensor drivers
const (
	DriverAM2320 = "am2320"
	DriverNone   = "none"
)

type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Secondary SecondaryConfig `yaml:"secondary"`
	HTTP      HTTPConfig      `yaml:"http"`
	Poll      PollConfig      `yaml:"poll"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type SerialConfig struct {
	// Port is a local serial device. Ignored when URL is set.
	Port        string `yaml:"port"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
	// BurstGap is the read timeout that ends one receive burst.
	BurstGap          time.Duration `yaml:"burst_gap"`
	Reassemble        bool          `yaml:"reassemble"`
	ReassembleTimeout time.Duration `yaml:"reassemble_timeout"`
}

type SecondaryConfig struct {
	Driver     string        `yaml:"driver"`
	Bus        string        `yaml:"bus"`
	Address    uint16        `yaml:"address"`
	Attempts   int           `yaml:"attempts"`
	WakeDelay  time.Duration `yaml:"wake_delay"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Used by the "none" driver.
	Temperature float64 `yaml:"temperature"`
	Humidity    float64 `yaml:"humidity"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type TelemetryConfig struct {
	PublishTimeout time.Duration   `yaml:"publish_timeout"`
	Redis          RedisConfig     `yaml:"redis"`
	WebSocket      WebSocketConfig `yaml:"websocket"`
}

type RedisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	Channel    string `yaml:"channel"`
	HistoryLen int64  `yaml:"history_len"`
}

type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:              "/dev/ttyS0",
			BurstGap:          50 * time.Millisecond,
			ReassembleTimeout: 200 * time.Millisecond,
		},
		Secondary: SecondaryConfig{
			Driver:     DriverAM2320,
			Address:    0x5C,
			Attempts:   3,
			WakeDelay:  2 * time.Millisecond,
			RetryDelay: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
			Path:   "/sensor",
		},
		Poll: PollConfig{
			Interval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			PublishTimeout: 2 * time.Second,
			Redis: RedisConfig{
				Addr:       "localhost:6379",
				PoolSize:   10,
				Channel:    "mhzbridge",
				HistoryLen: 1000,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads path over the defaults. A missing file returns the defaults
// together with an error satisfying errors.Is(err, fs.ErrNotExist).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval))
	}
	if c.HTTP.Path == "" {
		errs = append(errs, errors.New("http.path must not be empty"))
	}
	switch c.Secondary.Driver {
	case DriverAM2320, DriverNone:
	default:
		errs = append(errs, fmt.Errorf("secondary.driver %q unknown (want %s or %s)", c.Secondary.Driver, DriverAM2320, DriverNone))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q unknown (want text or json)", c.Log.Format))
	}
	if c.Log.Output == "file" && c.Log.FilePath == "" {
		errs = append(errs, errors.New("log.file_path required when log.output is file"))
	}
	if c.Serial.BurstGap <= 0 {
		errs = append(errs, fmt.Errorf("serial.burst_gap must be positive, got %s", c.Serial.BurstGap))
	}
	if c.Serial.URL == "" && c.Serial.Port == "" {
		errs = append(errs, errors.New("serial.port or serial.url required"))
	}
	if c.Telemetry.WebSocket.Enabled && c.Telemetry.WebSocket.URL == "" {
		errs = append(errs, errors.New("telemetry.websocket.url required when enabled"))
	}

	return errors.Join(errs...)
}
