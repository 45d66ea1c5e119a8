package main

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-pipeloop/eventloop"
	"github.com/joeycumines/logiface"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix namespaces every variable, e.g. PIPELOOP_LOG_LEVEL.
const envPrefix = "PIPELOOP"

// Config holds the CLI's environment configuration.
type Config struct {
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	ReadBufferSize int           `envconfig:"READ_BUFFER_SIZE" default:"65535"`
	ReapTimeout    time.Duration `envconfig:"REAP_TIMEOUT" default:"0s"`
	Metrics        bool          `envconfig:"METRICS" default:"false"`
}

// loadConfig loads configuration from environment variables.
func loadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := cfg.level(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// level parses LogLevel using logiface's keywords ("err", "warning",
// "info", "debug", ...).
func (c *Config) level() (logiface.Level, error) {
	for lvl := logiface.LevelDisabled; lvl <= logiface.LevelTrace; lvl++ {
		if lvl.String() == c.LogLevel {
			return lvl, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", c.LogLevel)
}

// loopOptions translates the configuration, attaching logger.
func (c *Config) loopOptions(logger *logiface.Logger[logiface.Event]) []eventloop.LoopOption {
	return []eventloop.LoopOption{
		eventloop.WithLogger(logger),
		eventloop.WithReadBufferSize(c.ReadBufferSize),
		eventloop.WithReapTimeout(c.ReapTimeout),
		eventloop.WithMetrics(c.Metrics),
	}
}
