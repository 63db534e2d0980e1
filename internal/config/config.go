package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	LogLevel        string
	LogFormat       string
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// Result sinks; empty values leave the sink unconfigured.
	KafkaBrokers     []string
	KafkaResultTopic string
	RedisURL         string

	// DatabaseURL selects the SQL archive for source: sql runs.
	DatabaseURL string

	ParamCacheSize int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cacheSize, err := parseParamCacheSize()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel:         sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:        sharedcfg.EnvOrDefault("LOG_FORMAT", "text"),
		HTTPAddr:         os.Getenv("HTTP_ADDR"),
		ShutdownTimeout:  shutdownTimeout,
		KafkaBrokers:     sharedcfg.ParseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaResultTopic: sharedcfg.EnvOrDefault("KAFKA_RESULT_TOPIC", "verification-results"),
		RedisURL:         os.Getenv("REDIS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		ParamCacheSize:   cacheSize,
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, errors.New("LOG_FORMAT must be json or text")
	}
	if cfg.KafkaResultTopic == "" {
		return nil, errors.New("KAFKA_RESULT_TOPIC must not be empty")
	}

	return cfg, nil
}

// KafkaEnabled reports whether results may be published to Kafka.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

func parseParamCacheSize() (int, error) {
	s := os.Getenv("PARAM_CACHE_SIZE")
	if s == "" {
		return 256, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid PARAM_CACHE_SIZE")
	}
	return n, nil
}
