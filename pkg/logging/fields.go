// Package logging provides structured-field builders on top of logrus,
// mirroring the teacher's shared/logging package but named for this
// system's domains (catalog, extraction, matching, sync, order, feedback)
// instead of Kubernetes/AI ones.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// StandardFields is a chainable map of structured log fields.
type StandardFields map[string]interface{}

// NewFields returns an empty StandardFields ready for chaining.
func NewFields() StandardFields {
	return StandardFields{}
}

func (f StandardFields) Component(name string) StandardFields {
	f["component"] = name
	return f
}

func (f StandardFields) Operation(op string) StandardFields {
	f["operation"] = op
	return f
}

func (f StandardFields) Resource(resourceType, name string) StandardFields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f StandardFields) Duration(d time.Duration) StandardFields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f StandardFields) Error(err error) StandardFields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f StandardFields) UserID(id string) StandardFields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f StandardFields) RequestID(id string) StandardFields {
	f["request_id"] = id
	return f
}

func (f StandardFields) TraceID(id string) StandardFields {
	f["trace_id"] = id
	return f
}

func (f StandardFields) StatusCode(code int) StandardFields {
	f["status_code"] = code
	return f
}

func (f StandardFields) Method(method string) StandardFields {
	f["method"] = method
	return f
}

func (f StandardFields) URL(url string) StandardFields {
	f["url"] = url
	return f
}

func (f StandardFields) Count(n int) StandardFields {
	f["count"] = n
	return f
}

func (f StandardFields) Size(bytes int64) StandardFields {
	f["size_bytes"] = bytes
	return f
}

func (f StandardFields) Version(v string) StandardFields {
	f["version"] = v
	return f
}

func (f StandardFields) Custom(key string, value interface{}) StandardFields {
	f[key] = value
	return f
}

// ToLogrus converts to logrus.Fields for use with logrus.WithFields.
func (f StandardFields) ToLogrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// CatalogFields describes a catalog store operation (load/sync/lookup).
func CatalogFields(operation, resourceType, resourceName string) StandardFields {
	return NewFields().Component("catalog").Operation(operation).Resource(resourceType, resourceName)
}

// SyncFields describes an incremental-sync operation.
func SyncFields(operation string, customersSynced, productsSynced int) StandardFields {
	return NewFields().Component("sync").Operation(operation).
		Custom("customers_synced", customersSynced).
		Custom("products_synced", productsSynced)
}

// ExtractionFields describes an extraction-pipeline step.
func ExtractionFields(operation, messageID string, confidence float64) StandardFields {
	return NewFields().Component("extraction").Operation(operation).
		Custom("message_id", messageID).
		Custom("confidence", confidence)
}

// MatchFields describes a candidate-matching step for a given line item.
func MatchFields(operation string, lineItemIndex int, method string, confidence float64) StandardFields {
	return NewFields().Component("matching").Operation(operation).
		Custom("line_item_index", lineItemIndex).
		Custom("method", method).
		Custom("confidence", confidence)
}

// OrderFields describes order-writer activity.
func OrderFields(operation, orderID string) StandardFields {
	return NewFields().Component("order").Operation(operation).Custom("order_id", orderID)
}

// ERPFields describes an ERP-verification RPC, including circuit
// breaker state for the model being queried.
func ERPFields(operation, model, breakerState string) StandardFields {
	return NewFields().Component("erp").Operation(operation).
		Custom("model", model).
		Custom("breaker_state", breakerState)
}

// FeedbackFields describes feedback-processor activity.
func FeedbackFields(operation, correctionType string) StandardFields {
	return NewFields().Component("feedback").Operation(operation).Custom("correction_type", correctionType)
}

// SupervisorFields describes supervisor lifecycle activity (poll
// ticks, backoff, reinitialization, alerts).
func SupervisorFields(operation string, consecutiveFailures int) StandardFields {
	return NewFields().Component("supervisor").Operation(operation).
		Custom("consecutive_failures", consecutiveFailures)
}

// PerformanceFields records duration/success of a timed operation.
func PerformanceFields(operation string, duration time.Duration, success bool) StandardFields {
	return NewFields().Component("performance").Operation(operation).
		Duration(duration).
		Custom("success", success)
}
