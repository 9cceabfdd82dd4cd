// Package observability provides the coordinator's metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrCapability = "capability"
	attrState      = "state"
	attrCode       = "code"
	attrApplied    = "applied"
	attrOpcode     = "opcode"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func capabilityAttr(capability string) attribute.KeyValue {
	return attribute.String(attrCapability, capability)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func codeAttr(code string) attribute.KeyValue {
	if code == "" {
		code = "none"
	}
	return attribute.String(attrCode, code)
}

func appliedAttr(applied bool) attribute.KeyValue {
	return attribute.Bool(attrApplied, applied)
}

func opcodeAttr(op string) attribute.KeyValue {
	return attribute.String(attrOpcode, op)
}

// collections whose second segment is an id
var idRoutes = map[string]string{
	"/v1/jobs/":      "/v1/jobs/{jobId}",
	"/v1/artifacts/": "/v1/artifacts/{hash}",
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	for prefix, route := range idRoutes {
		if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
			return route
		}
	}
	return path
}

// WithCapability returns a metric option with the capability attribute.
func WithCapability(capability string) metric.MeasurementOption {
	return metric.WithAttributes(capabilityAttr(capability))
}

// WithCode returns a metric option with the error code attribute.
func WithCode(code string) metric.MeasurementOption {
	return metric.WithAttributes(codeAttr(code))
}
