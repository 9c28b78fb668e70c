package stages

import (
	"docpipeline/internal/config"
	"time"
)

// Config holds the addresses and call policy for the stage services.
type Config struct {
	RedactionURL string
	DetectionURL string
	RewriterURL  string
	GrammarURL   string
	APIKey       string // optional bearer token sent to every service

	Timeout          time.Duration // per-request timeout (default: 60s)
	RateLimit        float64       // requests per second per service, 0 = unlimited
	RateBurst        int           // default: 1 when RateLimit is set
	BreakerThreshold int           // consecutive failures before fast-failing (default: 5)
	BreakerCooldown  time.Duration // default: 30s

	// BreakerFailFast rejects calls while a service's circuit is open. Off by
	// default: circuits then only feed readiness and every call, including a
	// retry, reaches the service.
	BreakerFailFast bool
}

// LoadConfigFromEnv loads stage client configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		RedactionURL:     config.GetEnv("REDACTION_URL", "http://localhost:8001"),
		DetectionURL:     config.GetEnv("DETECTION_URL", "http://localhost:8002"),
		RewriterURL:      config.GetEnv("REWRITER_URL", "http://localhost:8003"),
		GrammarURL:       config.GetEnv("GRAMMAR_URL", "http://localhost:8004"),
		APIKey:           config.GetSecret("STAGES_API_KEY"),
		Timeout:          config.GetDurationEnv("STAGES_HTTP_TIMEOUT", 60*time.Second),
		RateLimit:        config.GetFloatEnv("STAGES_RATE_LIMIT", 0),
		RateBurst:        config.GetIntEnv("STAGES_RATE_BURST", 0),
		BreakerThreshold: config.GetIntEnv("STAGES_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("STAGES_BREAKER_COOLDOWN", 30*time.Second),
		BreakerFailFast:  config.GetBoolEnv("STAGES_BREAKER_FAIL_FAST", false),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}
