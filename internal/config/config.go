package config

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	SchemaVersion = 1
	DefaultPath   = "/etc/robovac-bridge/config.json"

	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultStateDir        = "/var/lib/robovac-bridge"
	DefaultPin             = "00102003"
	DefaultMQTTTopicPrefix = "robovac"
	DefaultMQTTIntervalSec = 60
)

// Config is the bridge configuration file.
type Config struct {
	SchemaVersion int    `json:"schema_version"`
	Name          string `json:"name"`

	DeviceID string `json:"device_id"`
	LocalKey string `json:"local_key"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`

	UseSwitchService    bool `json:"use_switch_service"`
	HideFindButton      bool `json:"hide_find_button"`
	HideErrorSensor     bool `json:"hide_error_sensor"`
	DisableBatteryLevel bool `json:"disable_battery_level"`

	HTTPAddr string `json:"http_addr"`
	StateDir string `json:"state_dir"`
	Pin      string `json:"pin"`

	MQTT *MQTTConfig `json:"mqtt,omitempty"`
}

// MQTTConfig enables the optional local-broker telemetry publisher.
type MQTTConfig struct {
	Broker          string `json:"broker"`
	TopicPrefix     string `json:"topic_prefix"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// Load parses the JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "RoboVac"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.Pin == "" {
		cfg.Pin = DefaultPin
	}
	if cfg.MQTT != nil {
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
		}
		if cfg.MQTT.IntervalSeconds == 0 {
			cfg.MQTT.IntervalSeconds = DefaultMQTTIntervalSec
		}
	}
}

// Validate enforces required invariants beyond JSON typing. The device
// identity fields are re-checked at session construction; failing here
// keeps the error at startup rather than first use.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if cfg.LocalKey == "" {
		return fmt.Errorf("local_key is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is configured")
	}
	return nil
}
