// Package observability provides the service's OpenTelemetry metrics,
// exported in Prometheus format.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrService = "service"
	attrOutcome = "outcome"
	attrStage   = "stage"
	attrRoute   = "route"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

func serviceAttr(service string) attribute.KeyValue {
	return attribute.String(attrService, service)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func routeAttr(rewrite bool) attribute.KeyValue {
	if rewrite {
		return attribute.String(attrRoute, "rewrite")
	}
	return attribute.String(attrRoute, "passthrough")
}

// normalizePath replaces the job ID segment with a placeholder:
// /jobs/abc123/status -> /jobs/{jobId}/status
func normalizePath(path string) string {
	const prefix = "/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, tail, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + tail
	}
	return prefix + "{jobId}"
}

// WithStage returns a metric option with the stage attribute.
func WithStage(stage string) metric.MeasurementOption {
	return metric.WithAttributes(stageAttr(stage))
}
