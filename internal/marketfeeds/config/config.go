// Package config loads the marketfeed service configuration from file and
// environment.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full streamd configuration.
type Config struct {
	Name       string `mapstructure:"name" validate:"required"`
	LogLevel   string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	BufferSize int64  `mapstructure:"buffer_size" validate:"required,power_of_two"`
	// WaitStrategy selects how consumers park: busy_spin, yielding,
	// parking, lite_blocking or phased_off.
	WaitStrategy string `mapstructure:"wait_strategy" validate:"omitempty,oneof=busy_spin yielding parking lite_blocking phased_off"`
	Shared       bool   `mapstructure:"shared"`
	AutoCancel   bool   `mapstructure:"auto_cancel"`

	Kafka KafkaConfig `mapstructure:"kafka"`
	Redis RedisConfig `mapstructure:"redis"`
	WS    WSConfig    `mapstructure:"websocket"`
}

// KafkaConfig configures the pull-based Kafka feed source.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
	GroupID string   `mapstructure:"group_id"`
}

// RedisConfig configures the push-based Redis pub/sub feed source.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Channel string `mapstructure:"channel" validate:"required_if=Enabled true"`
}

// WSConfig configures the WebSocket fan-out endpoint.
type WSConfig struct {
	Addr           string `mapstructure:"addr" validate:"required"`
	Path           string `mapstructure:"path" validate:"required"`
	ClientWindow   int64  `mapstructure:"client_window" validate:"required,gt=0"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

// Load reads configuration from the optional file path, merged with
// STREAMCORE_* environment variables, and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("STREAMCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("name", "marketfeed")
	v.SetDefault("log_level", "info")
	v.SetDefault("buffer_size", 1024)
	v.SetDefault("wait_strategy", "phased_off")
	v.SetDefault("shared", true)
	v.SetDefault("auto_cancel", false)
	v.SetDefault("websocket.addr", ":8080")
	v.SetDefault("websocket.path", "/ws/marketdata")
	v.SetDefault("websocket.client_window", 64)
	v.SetDefault("websocket.metrics_enabled", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies struct tags plus the power-of-two rule for the ring
// buffer size.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.RegisterValidation("power_of_two", func(fl validator.FieldLevel) bool {
		n := fl.Field().Int()
		return n > 0 && n&(n-1) == 0
	}); err != nil {
		return err
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
