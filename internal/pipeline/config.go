package pipeline

import (
	"docpipeline/internal/config"
	"strings"
	"time"
)

// DefaultThreshold is the AI-likelihood score at or above which a file is
// sent to the rewriter.
const DefaultThreshold = 0.6

// RouteAll is a threshold below every valid score: each file is rewritten.
const RouteAll = -1.0

// Config holds orchestration policy.
type Config struct {
	Threshold          float64       // score >= Threshold routes to rewriting (default: 0.6, negative: every file)
	Concurrency        int           // per-stage fan-out limit (default: 4)
	AcceptedExtensions []string      // source formats admitted by the rescan (default: .docx, .pdf)
	OutputExtension    string        // extension of derived artifacts (default: .docx)
	RedactionRetries   int           // extra redaction attempts per file (default: 1, negative: none)
	RedactionBackoff   time.Duration // fixed wait between redaction attempts (default: 1s)
	RewritePoll        time.Duration // rewriter status poll interval (default: 2s)
	RewriteTimeout     time.Duration // ceiling for a rewrite batch (default: 30m)
	StorageRetries     int           // extra attempts for store operations (default: 3, negative: none)
	StorageBackoff     time.Duration // initial exponential backoff for store retries (default: 500ms)
}

// LoadConfigFromEnv loads pipeline configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Threshold:          config.GetFloatEnv("AI_THRESHOLD", DefaultThreshold),
		Concurrency:        config.GetIntEnv("PIPELINE_CONCURRENCY", 4),
		AcceptedExtensions: config.GetListEnv("ACCEPTED_EXTENSIONS", []string{".docx", ".pdf"}),
		OutputExtension:    config.GetEnv("OUTPUT_EXTENSION", ".docx"),
		RedactionRetries:   config.GetIntEnv("REDACTION_RETRIES", 1),
		RedactionBackoff:   config.GetDurationEnv("REDACTION_RETRY_BACKOFF", time.Second),
		RewritePoll:        config.GetDurationEnv("REWRITE_POLL_INTERVAL", 2*time.Second),
		RewriteTimeout:     config.GetDurationEnv("REWRITE_TIMEOUT", 30*time.Minute),
		StorageRetries:     config.GetIntEnv("STORAGE_RETRIES", 3),
		StorageBackoff:     config.GetDurationEnv("STORAGE_RETRY_BACKOFF", 500*time.Millisecond),
	}
	// AI_THRESHOLD=0 asks for every file to be rewritten; the zero value of
	// Threshold means "use the default".
	if cfg.Threshold == 0 {
		cfg.Threshold = RouteAll
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	switch {
	case c.Threshold < 0:
		c.Threshold = RouteAll
	case c.Threshold == 0 || c.Threshold > 1:
		c.Threshold = DefaultThreshold
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if len(c.AcceptedExtensions) == 0 {
		c.AcceptedExtensions = []string{".docx", ".pdf"}
	}
	exts := make([]string, len(c.AcceptedExtensions))
	for i, ext := range c.AcceptedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[i] = ext
	}
	c.AcceptedExtensions = exts
	switch {
	case c.OutputExtension == "":
		c.OutputExtension = ".docx"
	case !strings.HasPrefix(c.OutputExtension, "."):
		c.OutputExtension = "." + c.OutputExtension
	}
	switch {
	case c.RedactionRetries == 0:
		c.RedactionRetries = 1
	case c.RedactionRetries < 0:
		c.RedactionRetries = 0
	}
	if c.RedactionBackoff <= 0 {
		c.RedactionBackoff = time.Second
	}
	if c.RewritePoll <= 0 {
		c.RewritePoll = 2 * time.Second
	}
	if c.RewriteTimeout <= 0 {
		c.RewriteTimeout = 30 * time.Minute
	}
	switch {
	case c.StorageRetries == 0:
		c.StorageRetries = 3
	case c.StorageRetries < 0:
		c.StorageRetries = 0
	}
	if c.StorageBackoff <= 0 {
		c.StorageBackoff = 500 * time.Millisecond
	}
	return c
}
