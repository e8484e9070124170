// Package orderrors provides the operation-error taxonomy shared across the
// order-email processor: a general-purpose OperationError plus the
// spec-named error kinds (transient/fatal sync, extraction, matching,
// writer, invariant) that callers higher up the pipeline switch on.
package orderrors

import (
	"errors"
	"fmt"
	"strings"
)

// OperationError describes a failed operation with enough context to log
// and debug without re-deriving it from a bare error string.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to %s", e.Operation)
	if e.Component != "" {
		fmt.Fprintf(&b, ", component: %s", e.Component)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, ", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ", cause: %s", e.Cause.Error())
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a minimal OperationError for an action and its cause.
func FailedTo(action string, cause error) error {
	return &OperationError{Operation: action, Cause: cause}
}

// FailedToWithDetails builds an OperationError carrying component/resource
// context for richer log lines.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{Operation: action, Component: component, Resource: resource, Cause: cause}
}

// Wrapf wraps err with additional context, returning nil when err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

// DatabaseError, NetworkError, ValidationError, ConfigurationError,
// TimeoutError, AuthenticationError, AuthorizationError and ParseError are
// narrow constructors for common operation-error shapes; each fixes the
// Component (and sometimes Resource) so call sites don't repeat it.
func DatabaseError(action string, cause error) error {
	return &OperationError{Operation: action, Component: "database", Cause: cause}
}

func NetworkError(action, endpoint string, cause error) error {
	return &OperationError{Operation: action, Component: "network", Resource: endpoint, Cause: cause}
}

func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

func TimeoutError(action, after string) error {
	return fmt.Errorf("timeout while %s after %s", action, after)
}

func AuthenticationError(reason string) error {
	return fmt.Errorf("authentication failed: %s", reason)
}

func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

func ParseError(resource, format string, cause error) error {
	return &OperationError{Operation: fmt.Sprintf("parse %s as %s", resource, format), Cause: cause}
}

var retryableSubstrings = []string{
	"timeout", "connection refused", "connection reset", "unavailable",
	"temporary failure", "too many connections", "deadlock", "lock timeout",
	"serialization failure", "connection lost", "broken pipe", "i/o timeout",
	"network is unreachable", "no route to host",
}

// IsRetryable does a best-effort classification of an error's message
// against known-transient substrings. Components that need exact control
// should wrap with a typed error instead of relying on string matching.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Chain joins non-nil errors into a single error, returning nil if none.
func Chain(errs ...error) error {
	var parts []string
	for _, e := range errs {
		if e != nil {
			parts = append(parts, e.Error())
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return errors.New(parts[0])
	default:
		return fmt.Errorf("multiple errors: %s", strings.Join(parts, "; "))
	}
}

// --- Spec-named error kinds (§7) -------------------------------------------

// TransientExternal marks a network/external failure that is safe to retry.
type TransientExternal struct {
	Op    string
	Cause error
}

func (e *TransientExternal) Error() string { return fmt.Sprintf("transient external error during %s: %v", e.Op, e.Cause) }
func (e *TransientExternal) Unwrap() error { return e.Cause }

// ExtractionError marks a persistent schema violation surviving one repair
// attempt; the message is flagged requires_review and not replayed.
type ExtractionError struct {
	Reason string
	Cause  error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}
func (e *ExtractionError) Unwrap() error { return e.Cause }

// MatchingAmbiguity is non-fatal: the top candidate fell below the review
// threshold. Callers record it and flag requires_review.
type MatchingAmbiguity struct {
	LineItemIndex int
	TopScore      float64
}

func (e *MatchingAmbiguity) Error() string {
	return fmt.Sprintf("matching ambiguous for line item %d (top score %.3f)", e.LineItemIndex, e.TopScore)
}

// SyncTransient signals the Incremental Sync caller should retry.
type SyncTransient struct{ Cause error }

func (e *SyncTransient) Error() string { return fmt.Sprintf("sync transient failure: %v", e.Cause) }
func (e *SyncTransient) Unwrap() error  { return e.Cause }

// SyncFatal signals the sync loop must stop and alert (schema mismatch).
type SyncFatal struct{ Cause error }

func (e *SyncFatal) Error() string { return fmt.Sprintf("sync fatal failure: %v", e.Cause) }
func (e *SyncFatal) Unwrap() error  { return e.Cause }

// WriterConflict means the order writer's idempotency key already exists;
// callers treat this as success, not failure.
type WriterConflict struct{ NaturalKey string }

func (e *WriterConflict) Error() string {
	return fmt.Sprintf("order already submitted for natural key %s", e.NaturalKey)
}

// InternalInvariant marks a bug-class failure: the current message is
// abandoned and the supervisor's consecutive-failure counter increments.
type InternalInvariant struct {
	Invariant string
	Detail    string
}

func (e *InternalInvariant) Error() string {
	return fmt.Sprintf("internal invariant violated (%s): %s", e.Invariant, e.Detail)
}

// As helpers so callers can switch on kind without importing errors.As at
// every call site.
func IsSyncFatal(err error) bool {
	var t *SyncFatal
	return errors.As(err, &t)
}

func IsSyncTransient(err error) bool {
	var t *SyncTransient
	return errors.As(err, &t)
}

func IsWriterConflict(err error) bool {
	var t *WriterConflict
	return errors.As(err, &t)
}

func IsExtractionError(err error) bool {
	var t *ExtractionError
	return errors.As(err, &t)
}
