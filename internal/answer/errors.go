package answer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusCancelled marks a call aborted by its caller. It is never retried.
const StatusCancelled = 499

// APIError is the error returned for every failed call to the answering
// service. Status is the HTTP status, 0 for network-level failures and
// StatusCancelled for caller aborts.
type APIError struct {
	Message string
	Status  int
	Err     error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// Cancelled returns the error used when ctx is done before a call finishes.
func Cancelled(cause error) error {
	return &APIError{Message: "request cancelled", Status: StatusCancelled, Err: cause}
}

// IsCancelled reports whether err is a caller abort.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) && ae.Status == StatusCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsRetryable reports whether err is a transient failure: a gateway error
// or a network-level failure.
func IsRetryable(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Status {
	case 0, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ValidationErrorItem describes one schema violation in a response.
type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationError is returned when a response does not match the result
// schema. It is not retried.
type ValidationError struct {
	Errors  []ValidationErrorItem `json:"validation_errors"`
	Message string                `json:"error"`
}

func (e *ValidationError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return "result_schema_validation_failed"
	}
	if len(e.Errors) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s: %s", e.Message, e.Errors[0].Path, e.Errors[0].Message)
}

// IsValidationError reports whether err is a schema validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
