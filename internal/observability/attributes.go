// Package observability provides metrics and logging setup.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"omotes/pkg/job"
)

// Attribute keys
const (
	attrMethod       = "method"
	attrPath         = "path"
	attrStatus       = "status"
	attrWorkflowType = "workflow_type"
	attrJobStatus    = "job_status"
	attrReason       = "reason"
	attrDestination  = "destination"
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

func workflowTypeAttr(workflowType string) attribute.KeyValue {
	return attribute.String(attrWorkflowType, workflowType)
}

func jobStatusAttr(status job.Status) attribute.KeyValue {
	return attribute.String(attrJobStatus, status.String())
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

// destinationAttr collapses per-client and per-worker destinations to their
// shape so the label stays low-cardinality.
func destinationAttr(dest string) attribute.KeyValue {
	return attribute.String(attrDestination, normalizeDestination(dest))
}

func normalizeDestination(dest string) string {
	parts := strings.Split(dest, ".")
	if len(parts) == 3 && (parts[0] == "jobs" || parts[0] == "workers") {
		parts[1] = "*"
		return strings.Join(parts, ".")
	}
	return dest
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
		return "/v1/jobs/{jobId}"
	}
	return path
}
