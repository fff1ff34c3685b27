package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"who_knows_rewards/internal/middleware"
	"who_knows_rewards/internal/repository"
	"who_knows_rewards/internal/service"
	"who_knows_rewards/internal/verifier"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	configPath   = "./"
	configName   = "config"
	configFormat = "yaml"
)

const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

type Config struct {
	Database repository.Config      `mapstructure:"database"`
	Redis    repository.RedisConfig `mapstructure:"redis"`
	Server   ServerConfig           `mapstructure:"server"`
	Storage  StorageConfig          `mapstructure:"storage"`

	Verifier  verifier.Config       `mapstructure:"verifier"`
	Rewards   service.RewardsConfig `mapstructure:"rewards"`
	Admin     AdminConfig           `mapstructure:"admin"`
	RateLimit middleware.RateLimit  `mapstructure:"rateLimit"`

	LogLevel string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	TrustedProxies []string `mapstructure:"trustedProxies"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type AdminConfig struct {
	Secret string `mapstructure:"secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", repository.DefaultRedisPrefix)
	v.SetDefault("verifier.timeout", service.DefaultVerifyTimeout)
	v.SetDefault("verifier.minConfirmations", 1)
	v.SetDefault("rewards.maxAttempts", service.DefaultMaxAttempts)
	v.SetDefault("rewards.windowPolicy", string(service.WindowAccumulate))
	v.SetDefault("rewards.blockSharedIP", false)
	v.SetDefault("rateLimit.requestsPerMinute", 30)
	v.SetDefault("rateLimit.burst", 10)
}

// LoadConfig reads config.yaml from the working directory, overlaid by APP_
// environment variables. A .env file, if present, is loaded into the
// environment first.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName(configName)
	v.AddConfigPath(configPath)
	v.SetConfigType(configFormat)

	v.AutomaticEnv()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Rewards.VerifyTimeout = cfg.Verifier.Timeout

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverPostgres, DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Rewards.WindowPolicy {
	case service.WindowAccumulate, service.WindowCalendar:
	default:
		return fmt.Errorf("unknown window policy %q", c.Rewards.WindowPolicy)
	}

	for _, proxy := range c.Server.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid trusted proxy %q", proxy)
			}
		}
	}

	if c.Verifier.Timeout <= 0 {
		c.Verifier.Timeout = service.DefaultVerifyTimeout
	}
	if c.Verifier.Timeout > time.Minute {
		return fmt.Errorf("verifier timeout %s is too long", c.Verifier.Timeout)
	}
	return nil
}
