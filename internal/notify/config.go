package notify

import (
	"time"

	"ingestor/internal/config"
)

// Delivery defaults that rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Config holds notification configuration.
type Config struct {
	URL           string        // lifecycle events destination, empty disables them
	SigningKey    string        // HMAC key for the signature header
	QuarantineURL string        // receives rejected jobs, empty disables quarantine
	BufferSize    int           // pending events buffer (default: 10000)
	Workers       int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout   time.Duration // per-request timeout (default: 10s)
}

// LoadConfigFromEnv loads notification configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URL:           config.GetEnv("NOTIFY_URL", ""),
		SigningKey:    config.GetSecretFile(config.GetEnv("NOTIFY_KEY_FILE", "")),
		QuarantineURL: config.GetEnv("QUARANTINE_URL", ""),
		BufferSize:    config.GetIntEnv("NOTIFY_BUFFER_SIZE", 10000),
		Workers:       config.GetIntEnv("NOTIFY_WORKERS", 4),
		HTTPTimeout:   config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = config.GetEnv("NOTIFY_KEY", "")
	}
	return cfg.withDefaults()
}

// Enabled reports whether any destination is configured.
func (c Config) Enabled() bool {
	return c.URL != "" || c.QuarantineURL != ""
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}
