// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds process-level configuration for the docpipeline binary.
// Component settings (storage, stages, pipeline, notify) load themselves.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	CORSOrigins       []string
	MaxFilesPerJob    int
	PresignExpiry     time.Duration
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration // Upper bound for in-flight pipeline runs on shutdown
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecret("API_KEY"),
		CORSOrigins:       GetListEnv("CORS_ORIGINS", []string{"*"}),
		MaxFilesPerJob:    GetIntEnv("MAX_FILES_PER_JOB", 500),
		PresignExpiry:     GetDurationEnv("PRESIGN_EXPIRY", time.Hour),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ShutdownTimeout:   GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}
