package config

import (
	"time"

	"github.com/vietddude/cloudlink/internal/consolidation"
	"github.com/vietddude/cloudlink/internal/infra/provider"
	"github.com/vietddude/cloudlink/internal/infra/queue"
	redisclient "github.com/vietddude/cloudlink/internal/infra/redis"
	"github.com/vietddude/cloudlink/internal/infra/storage/postgres"
	"github.com/vietddude/cloudlink/internal/lifecycle"
	"github.com/vietddude/cloudlink/internal/validation"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`

	DefaultProvider string            `yaml:"default_provider"`
	Providers       []provider.Config `yaml:"providers"`

	Lifecycle     lifecycle.Config     `yaml:"lifecycle"`
	Validation    validation.Config    `yaml:"validation"`
	Consolidation consolidation.Config `yaml:"consolidation"`
	Notifications queue.Config         `yaml:"notifications"`
	Sweep         SweepConfig          `yaml:"sweep"`

	// TestConnectionResetsFailures clears refresh_failure_count after a
	// successful manual test. Nil means true.
	TestConnectionResetsFailures *bool `yaml:"test_connection_resets_failures"`
	// ErrorRetention is how long operational errors are kept. 0 = forever.
	ErrorRetention time.Duration `yaml:"error_retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SweepConfig controls the periodic re-consolidation of all credentials.
type SweepConfig struct {
	Interval    time.Duration `yaml:"interval"` // 0 = disabled
	Concurrency int           `yaml:"concurrency"`
}

// ResetFailuresOnTest resolves TestConnectionResetsFailures.
func (c *AppConfig) ResetFailuresOnTest() bool {
	return c.TestConnectionResetsFailures == nil || *c.TestConnectionResetsFailures
}

// Provider returns the named provider section, or the default provider
// when name is empty.
func (c *AppConfig) Provider(name string) (provider.Config, bool) {
	if name == "" {
		name = c.DefaultProvider
	}
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return provider.Config{}, false
}
