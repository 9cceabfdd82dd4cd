package coordinator

import (
	"time"

	"ingestor/internal/config"
	"ingestor/pkg/circuitbreaker"
)

// Config holds control coordinator configuration.
type Config struct {
	TickInterval      time.Duration // How often stale workers are pruned and queued jobs dispatched
	HeartbeatTimeout  time.Duration // Silence after which a worker is considered lost
	AbortTimeout      time.Duration // How long an Aborting job waits for the worker's confirmation
	IdentifyTimeout   time.Duration // How long a new connection may take to send IDENTIFY
	SendTimeout       time.Duration // Upper bound on a single outbound message
	JobTimeout        time.Duration // Execution deadline carried in DISPATCH
	WorkerMaxInflight int           // Cap on jobs in flight per worker, below its own max_concurrent
	Breaker           circuitbreaker.Config
}

// LoadConfigFromEnv loads coordinator configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		TickInterval:      config.GetDurationEnv("TICK_INTERVAL", 500*time.Millisecond),
		HeartbeatTimeout:  config.GetDurationEnv("HEARTBEAT_TIMEOUT", 30*time.Second),
		AbortTimeout:      config.GetDurationEnv("ABORT_TIMEOUT", 30*time.Second),
		IdentifyTimeout:   config.GetDurationEnv("IDENTIFY_TIMEOUT", 10*time.Second),
		SendTimeout:       config.GetDurationEnv("SEND_TIMEOUT", 10*time.Second),
		JobTimeout:        config.GetDurationEnv("JOB_TIMEOUT", 30*time.Minute),
		WorkerMaxInflight: config.GetIntEnv("WORKER_MAX_INFLIGHT", 4),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("WORKER_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("WORKER_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = 30 * time.Second
	}
	if c.IdentifyTimeout <= 0 {
		c.IdentifyTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.WorkerMaxInflight <= 0 {
		c.WorkerMaxInflight = 4
	}
	return c
}
