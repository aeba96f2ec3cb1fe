package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/cloudlink/internal/consolidation"
	"github.com/vietddude/cloudlink/internal/lifecycle"
	"github.com/vietddude/cloudlink/internal/validation"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.DefaultProvider == "" && len(cfg.Providers) == 1 {
		cfg.DefaultProvider = cfg.Providers[0].Name
	}

	lc := lifecycle.DefaultConfig()
	if cfg.Lifecycle.ExpiryMargin == 0 {
		cfg.Lifecycle.ExpiryMargin = lc.ExpiryMargin
	}
	if cfg.Lifecycle.LockTimeout == 0 {
		cfg.Lifecycle.LockTimeout = lc.LockTimeout
	}
	if cfg.Lifecycle.LockTTL == 0 {
		cfg.Lifecycle.LockTTL = lc.LockTTL
	}
	if cfg.Lifecycle.ExchangeTimeout == 0 {
		cfg.Lifecycle.ExchangeTimeout = lc.ExchangeTimeout
	}

	vc := validation.DefaultConfig()
	if cfg.Validation.CacheTTL == 0 {
		cfg.Validation.CacheTTL = vc.CacheTTL
	}
	if cfg.Validation.FailureCacheTTL == 0 {
		cfg.Validation.FailureCacheTTL = vc.FailureCacheTTL
	}
	if cfg.Validation.AuthCacheTTL == 0 {
		cfg.Validation.AuthCacheTTL = vc.AuthCacheTTL
	}
	if cfg.Validation.ProbeTimeout == 0 {
		cfg.Validation.ProbeTimeout = vc.ProbeTimeout
	}
	if cfg.Validation.CacheSize == 0 {
		cfg.Validation.CacheSize = vc.CacheSize
	}

	cc := consolidation.DefaultConfig()
	if cfg.Consolidation.DegradedThreshold == 0 {
		cfg.Consolidation.DegradedThreshold = cc.DegradedThreshold
	}
	if cfg.Consolidation.OperationalErrorWindow == 0 {
		cfg.Consolidation.OperationalErrorWindow = cc.OperationalErrorWindow
	}
	// One threshold drives every degraded/connection_issues decision.
	cfg.Lifecycle.DegradedThreshold = cfg.Consolidation.DegradedThreshold
	cfg.Validation.DegradedThreshold = cfg.Consolidation.DegradedThreshold
	cfg.Validation.ResetFailuresOnTest = cfg.ResetFailuresOnTest()

	if cfg.Notifications.Backend == "" {
		cfg.Notifications.Backend = "memory"
	}
	if cfg.Notifications.QueueName == "" {
		cfg.Notifications.QueueName = "notifications"
	}
	if cfg.Notifications.MaxRetry == 0 {
		cfg.Notifications.MaxRetry = 5
	}

	if cfg.Sweep.Concurrency == 0 {
		cfg.Sweep.Concurrency = 8
	}

	for i := range cfg.Providers {
		if cfg.Providers[i].Timeout == 0 {
			cfg.Providers[i].Timeout = 15 * time.Second
		}
	}
}

// Validate checks settings that have no usable default.
func (c *AppConfig) Validate() error {
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.TokenURL == "" {
			return fmt.Errorf("provider %s: token_url is required", p.Name)
		}
		if p.ProbeURL == "" {
			return fmt.Errorf("provider %s: probe_url is required", p.Name)
		}
	}
	if c.DefaultProvider != "" && len(c.Providers) > 0 && !seen[c.DefaultProvider] {
		return fmt.Errorf("default_provider %q is not configured", c.DefaultProvider)
	}
	switch c.Notifications.Backend {
	case "memory":
	case "asynq":
		if c.Redis.URL == "" {
			return fmt.Errorf("notifications: asynq queue requires redis.url")
		}
	default:
		return fmt.Errorf("notifications: unknown queue %q", c.Notifications.Backend)
	}
	return nil
}
