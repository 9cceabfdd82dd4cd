package worker

import (
	"os"
	"time"

	"github.com/google/uuid"

	"ingestor/internal/config"
	"ingestor/pkg/backoff"
)

// Config holds execution node configuration.
type Config struct {
	CoordinatorURL    string
	APIKey            string
	WorkerID          string
	Capabilities      []string
	MaxConcurrent     int
	HeartbeatInterval time.Duration
	ProvisionTimeout  time.Duration
	ExecutionTimeout  time.Duration
	MaxFrameSize      int64
	Reconnect         backoff.Config
}

// LoadConfigFromEnv loads worker configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		CoordinatorURL:    config.GetEnv("COORDINATOR_URL", "ws://localhost:8080/v1/workers/connect"),
		APIKey:            config.GetSecretFile(config.GetEnv("API_KEY_FILE", "")),
		WorkerID:          config.GetEnv("WORKER_ID", ""),
		Capabilities:      config.GetListEnv("WORKER_CAPABILITIES", nil),
		MaxConcurrent:     config.GetIntEnv("MAX_CONCURRENT_JOBS", 4),
		HeartbeatInterval: config.GetDurationEnv("HEARTBEAT_INTERVAL", 5*time.Second),
		ProvisionTimeout:  config.GetDurationEnv("ENV_PROVISION_TIMEOUT", 10*time.Minute),
		ExecutionTimeout:  config.GetDurationEnv("EXECUTION_TIMEOUT", 30*time.Minute),
		MaxFrameSize:      int64(config.GetIntEnv("MAX_FRAME_SIZE", 64<<20)),
		Reconnect: backoff.Config{
			Initial: config.GetDurationEnv("RECONNECT_BACKOFF_INITIAL", 500*time.Millisecond),
			Max:     config.GetDurationEnv("RECONNECT_BACKOFF_MAX", 30*time.Second),
			Jitter:  0.2,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 10 * time.Minute
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 30 * time.Minute
	}
	return c
}
