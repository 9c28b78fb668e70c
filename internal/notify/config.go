package notify

import (
	"docpipeline/internal/config"
	"time"
)

// Config holds webhook delivery settings.
type Config struct {
	Source           string        // CloudEvents source attribute (default: docpipeline)
	BufferSize       int           // pending deliveries (default: 1000)
	Workers          int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout      time.Duration // per-request timeout (default: 10s)
	MaxRetries       int           // extra attempts on 5xx and network errors (default: 3, negative: none)
	BreakerThreshold int           // consecutive failures that open a host's breaker (default: 5)
	BreakerCooldown  time.Duration // open-breaker wait, also the requeue delay (default: 30s)
	MaxRequeues      int           // requeues on an open breaker before dropping (default: 10, negative: none)
}

// LoadConfigFromEnv loads notification configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Source:           config.GetEnv("NOTIFY_SOURCE", "docpipeline"),
		BufferSize:       config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:          config.GetIntEnv("NOTIFY_WORKERS", 4),
		HTTPTimeout:      config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:       config.GetIntEnv("NOTIFY_MAX_RETRIES", 3),
		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", 30*time.Second),
		MaxRequeues:      config.GetIntEnv("NOTIFY_MAX_REQUEUES", 10),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "docpipeline"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	switch {
	case c.MaxRequeues == 0:
		c.MaxRequeues = 10
	case c.MaxRequeues < 0:
		c.MaxRequeues = 0
	}
	return c
}
