// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Notifier transports understood by the service.
const (
	NotifierLog  = "log"
	NotifierAMQP = "amqp"
	NotifierGRPC = "grpc"
)

// Config holds all configuration for the biocard service.
type Config struct {
	HTTPAddr         string        `mapstructure:"HTTP_ADDR"`
	DatabaseDSN      string        `mapstructure:"DATABASE_DSN"`
	RedisAddr        string        `mapstructure:"REDIS_ADDR"`
	JWTSecret        string        `mapstructure:"JWT_SECRET"`
	JWTAudience      string        `mapstructure:"JWT_AUDIENCE"`
	Notifier         string        `mapstructure:"NOTIFIER"`
	AMQPURL          string        `mapstructure:"AMQP_URL"`
	NotifierGRPCAddr string        `mapstructure:"NOTIFIER_GRPC_ADDR"`
	AlertFallback    string        `mapstructure:"ALERT_FALLBACK_EMAIL"`
	LogFile          string        `mapstructure:"LOG_FILE"`
	ShutdownTimeout  time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	SeedDemoData     bool          `mapstructure:"SEED_DEMO_DATA"`
}

const envFile = ".env"

var keys = []string{
	"HTTP_ADDR",
	"DATABASE_DSN",
	"REDIS_ADDR",
	"JWT_SECRET",
	"JWT_AUDIENCE",
	"NOTIFIER",
	"AMQP_URL",
	"NOTIFIER_GRPC_ADDR",
	"ALERT_FALLBACK_EMAIL",
	"LOG_FILE",
	"SHUTDOWN_TIMEOUT",
	"SEED_DEMO_DATA",
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in the working directory. Environment variables win.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("JWT_SECRET", "dev-secret")
	v.SetDefault("NOTIFIER", NotifierLog)
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("SEED_DEMO_DATA", true)

	if _, err := os.Stat(envFile); err == nil {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Notifier = strings.ToLower(strings.TrimSpace(cfg.Notifier))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Notifier {
	case NotifierLog:
	case NotifierAMQP:
		if c.AMQPURL == "" {
			return errors.New("AMQP_URL is required when NOTIFIER=amqp")
		}
	case NotifierGRPC:
		if c.NotifierGRPCAddr == "" {
			return errors.New("NOTIFIER_GRPC_ADDR is required when NOTIFIER=grpc")
		}
	default:
		return fmt.Errorf("NOTIFIER must be one of log, amqp, grpc; got %q", c.Notifier)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}
