// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ServiceConfig is the ingest coordinator's process configuration.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	DatabasePath      string
	ShutdownDrainWait time.Duration // 0 skips the load balancer drain
	MaxFrameSize      int64         // largest protocol payload accepted from a worker
}

// LoadServiceConfig reads the coordinator's configuration. The API key is read from
// the file named by API_KEY_FILE; an empty key disables authentication.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		DatabasePath:      GetEnv("DATABASE_PATH", "ingest.db"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		MaxFrameSize:      int64(GetIntEnv("MAX_FRAME_SIZE", 64<<20)),
	}
}

// Validate reports every invalid field.
func (c *ServiceConfig) Validate() error {
	var errs []error
	for name, port := range map[string]string{"PORT": c.Port, "METRICS_PORT": c.MetricsPort} {
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			errs = append(errs, fmt.Errorf("%s %q is not a valid port", name, port))
		}
	}
	if c.Port == c.MetricsPort {
		errs = append(errs, fmt.Errorf("PORT and METRICS_PORT must differ, both are %s", c.Port))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FRAME_SIZE must be positive, got %d", c.MaxFrameSize))
	}
	if c.ShutdownDrainWait < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN_WAIT must not be negative, got %s", c.ShutdownDrainWait))
	}
	return errors.Join(errs...)
}

// APIAddr is the listen address of the HTTP API.
func (c *ServiceConfig) APIAddr() string { return net.JoinHostPort("", c.Port) }

// MetricsAddr is the listen address of the metrics endpoint.
func (c *ServiceConfig) MetricsAddr() string { return net.JoinHostPort("", c.MetricsPort) }
