package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Optimization OptimizationConfig
}

// OptimizationConfig holds the defaults applied to jobs that leave a setting
// unset.
type OptimizationConfig struct {
	// MaxConcurrentRuns bounds the number of jobs running at once.
	MaxConcurrentRuns  int     `env:"OPT_MAX_CONCURRENT_RUNS" envDefault:"4"`
	MaxIterations      int     `env:"OPT_MAX_ITERATIONS" envDefault:"1000"`
	NoImproveThreshold float64 `env:"OPT_NO_IMPROVE_THRESHOLD" envDefault:"1e-5"`
	NoImproveBreak     int     `env:"OPT_NO_IMPROVE_BREAK" envDefault:"10"`
	// RandomSeed 0 seeds every run from the clock.
	RandomSeed int64 `env:"OPT_RANDOM_SEED" envDefault:"0"`
}

// DefaultOptimization returns the values Load uses when the environment is
// empty.
func DefaultOptimization() OptimizationConfig {
	return OptimizationConfig{
		MaxConcurrentRuns:  4,
		MaxIterations:      1000,
		NoImproveThreshold: 1e-5,
		NoImproveBreak:     10,
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no job could run with.
func (c *Config) Validate() error {
	opt := c.Optimization
	switch {
	case c.HTTP.Port <= 0 || c.HTTP.Port > 65535:
		return fmt.Errorf("config: HTTP_PORT out of range: %d", c.HTTP.Port)
	case opt.MaxConcurrentRuns < 1:
		return fmt.Errorf("config: OPT_MAX_CONCURRENT_RUNS must be >= 1, got %d", opt.MaxConcurrentRuns)
	case opt.MaxIterations < 0:
		return fmt.Errorf("config: OPT_MAX_ITERATIONS must be >= 0, got %d", opt.MaxIterations)
	case opt.NoImproveThreshold < 0:
		return fmt.Errorf("config: OPT_NO_IMPROVE_THRESHOLD must be >= 0, got %v", opt.NoImproveThreshold)
	case opt.NoImproveBreak < 1:
		return fmt.Errorf("config: OPT_NO_IMPROVE_BREAK must be >= 1, got %d", opt.NoImproveBreak)
	}
	return nil
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt returns the value of the environment variable as int or the default value
func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
