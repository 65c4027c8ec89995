package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry decisions and HTTP status mapping.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindAuthentication    Kind = "authentication"
	KindRateLimit         Kind = "rate_limit"
	KindTransient         Kind = "transient"
	KindValidation        Kind = "validation"
	KindPlanValidation    Kind = "plan_validation"
	KindExecutionTimeout  Kind = "execution_timeout"
	KindExecutionRuntime  Kind = "execution_runtime"
	KindEmptyData         Kind = "empty_data"
	KindParsing           Kind = "parsing"
	KindShapeValidation   Kind = "shape_validation"
	KindStoreCreation     Kind = "store_creation"
	KindEndpointMissing   Kind = "endpoint_missing"
	KindAPI               Kind = "api"
	KindInternal          Kind = "internal"
)

// Error is a tagged error value. Hint, when set, is a one-line remediation
// suggestion suitable for direct display.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a tagged error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithHint returns a copy of the error carrying a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	out := *e
	out.Hint = hint
	return &out
}

// KindOf extracts the Kind from any error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Retryable reports whether the error kind is worth retrying.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTransient:
		return true
	}
	return false
}

// statusByKind drives the HTTP boundary; unknown kinds fall through to 500.
var statusByKind = map[Kind]int{
	KindValidation:      http.StatusBadRequest,
	KindShapeValidation: http.StatusBadRequest,
	KindEndpointMissing: http.StatusNotFound,
	KindAuthentication:  http.StatusUnauthorized,
	KindRateLimit:       http.StatusTooManyRequests,
}

// Status maps an error to the HTTP status code the server should answer with.
func Status(err error) int {
	if code, ok := statusByKind[KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}
