package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/papersync/papersync/pkg/taxonomy"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: concurrent modifications, optimistic locking failures.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, permission denied, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource identifies the resource that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	ErrCodeCreationFailed     = "CREATION_FAILED"
	ErrCodeRollbackPartial    = "ROLLBACK_PARTIAL_FAILURE"
	ErrCodePolicyViolation    = "POLICY_VIOLATION"
	ErrCodeApplyInProgress    = "APPLY_IN_PROGRESS"
)

// ErrApplyInProgress is returned when an orchestrator is asked to apply while
// it is already in the Applying state.
var ErrApplyInProgress = NewConflictError("another apply is in flight on this orchestrator", nil).
	WithCode(ErrCodeApplyInProgress)

// NewGatewayUnavailableError wraps a failed inventory read. The class of a
// classified cause is preserved so retry decisions still work; unclassified
// causes are treated as transient.
func NewGatewayUnavailableError(kind taxonomy.Kind, err error) *EngineError {
	class := ErrorClassTransient
	var cause *EngineError
	if errors.As(err, &cause) {
		class = cause.Class
	}
	return (&EngineError{
		Class:   class,
		Message: "gateway unavailable",
		Err:     err,
	}).WithCode(ErrCodeGatewayUnavailable).WithResource(string(kind)).WithOperation("list")
}

// NewCreationError wraps a failed create call for one desired resource.
func NewCreationError(res taxonomy.DesiredResource, err error) *EngineError {
	class := ErrorClassPermanent
	var cause *EngineError
	if errors.As(err, &cause) {
		class = cause.Class
	}
	return (&EngineError{
		Class:   class,
		Message: "create failed",
		Err:     err,
	}).WithCode(ErrCodeCreationFailed).WithResource(res.String()).WithOperation("create")
}

// NewPolicyViolationError reports that a policy denied a diff.
func NewPolicyViolationError(reasons []string) *EngineError {
	e := NewPermanentError("policy denied the change set", errors.New(strings.Join(reasons, "; "))).
		WithCode(ErrCodePolicyViolation)
	return e.WithDetail("violations", reasons)
}

// IsGatewayUnavailable reports whether err came from a failed inventory read.
func IsGatewayUnavailable(err error) bool {
	return hasCode(err, ErrCodeGatewayUnavailable)
}

// IsPolicyViolation reports whether err is a policy denial.
func IsPolicyViolation(err error) bool {
	return hasCode(err, ErrCodePolicyViolation)
}

// IsRolledBack reports whether err is the error of an apply that rolled back.
func IsRolledBack(err error) bool {
	var rb *RollbackError
	return errors.As(err, &rb)
}

func hasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// RollbackFailure records one ledger entry that could not be deleted.
type RollbackFailure struct {
	// Record is the ledger entry left behind in the remote system.
	Record taxonomy.CreatedResourceRecord `json:"record"`

	// Err is the delete failure.
	Err error `json:"-"`
}

// String renders the failure for operators cleaning up by hand.
func (f RollbackFailure) String() string {
	return fmt.Sprintf("%s: %v", f.Record, f.Err)
}

// RollbackError is returned by a failed apply. It wraps the creation failure
// that triggered the rollback and lists every ledger entry that rollback
// could not delete.
type RollbackError struct {
	// Cause is the failure that aborted the apply.
	Cause error

	// Attempted is the number of ledger entries rollback tried to delete.
	Attempted int

	// Failures lists the entries still present remotely.
	Failures []RollbackFailure
}

// Error implements the error interface. The text always contains
// "rolled back".
func (e *RollbackError) Error() string {
	var b strings.Builder
	b.WriteString(e.Cause.Error())
	if len(e.Failures) == 0 {
		fmt.Fprintf(&b, "; rolled back %d created resource(s)", e.Attempted)
		return b.String()
	}
	fmt.Fprintf(&b, "; rolled back %d of %d created resource(s), %d could not be deleted:",
		e.Attempted-len(e.Failures), e.Attempted, len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString(" [")
		b.WriteString(f.String())
		b.WriteString("]")
	}
	return b.String()
}

// Unwrap exposes the creation failure and each rollback failure to
// errors.Is and errors.As.
func (e *RollbackError) Unwrap() []error {
	errs := make([]error, 0, 1+len(e.Failures))
	errs = append(errs, e.Cause)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Partial reports whether some created resources were left behind.
func (e *RollbackError) Partial() bool {
	return len(e.Failures) > 0
}

// Orphans returns the records rollback could not delete.
func (e *RollbackError) Orphans() []taxonomy.CreatedResourceRecord {
	out := make([]taxonomy.CreatedResourceRecord, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Record)
	}
	return out
}

// Code returns ErrCodeRollbackPartial when entries were left behind and
// ErrCodeCreationFailed otherwise.
func (e *RollbackError) Code() string {
	if e.Partial() {
		return ErrCodeRollbackPartial
	}
	return ErrCodeCreationFailed
}
