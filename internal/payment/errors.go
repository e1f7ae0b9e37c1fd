package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/noah-isme/backend-billing/internal/resilience"
)

// ErrorClass buckets provider failures by how callers should react.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassUnknown   ErrorClass = "unknown"
)

var (
	// ErrDuplicateProvider is returned when a provider name is registered twice.
	ErrDuplicateProvider = errors.New("payment: provider already registered")
	// ErrInvalidRequest marks a request rejected before reaching the provider.
	ErrInvalidRequest = errors.New("payment: invalid request")
	// ErrNotConfigured is returned when a client lacks credentials.
	ErrNotConfigured = errors.New("payment: provider not configured")
)

// TransientError is a failure expected to clear on retry: timeouts, network
// errors, rate limiting and 5xx answers.
type TransientError struct {
	Provider   string
	Op         Kind
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("payment: %s %s transient failure (status %d): %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("payment: %s %s transient failure: %v", e.Provider, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a definitive rejection such as a declined card or an
// invalid request. Retrying cannot succeed.
type PermanentError struct {
	Provider   string
	Op         Kind
	StatusCode int
	Code       string
	Err        error
}

func (e *PermanentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment: %s %s rejected (%s): %v", e.Provider, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("payment: %s %s rejected: %v", e.Provider, e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// UnknownError wraps a failure that could not be classified.
type UnknownError struct {
	Provider string
	Op       Kind
	Err      error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("payment: %s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *UnknownError) Unwrap() error { return e.Err }

// ProviderNotFoundError is returned by the registry for unknown names.
type ProviderNotFoundError struct {
	Name string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("payment: provider %q not registered", e.Name)
}

// RetryExhaustedError reports that every allowed attempt failed transiently.
type RetryExhaustedError struct {
	Provider string
	Op       Kind
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("payment: %s %s gave up after %d attempts: %v", e.Provider, e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Classify maps err onto the error taxonomy. A nil error has no class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var (
		transient *TransientError
		permanent *PermanentError
		unknown   *UnknownError
		exhausted *RetryExhaustedError
	)
	switch {
	case errors.As(err, &exhausted):
		return ClassTransient
	case errors.As(err, &permanent):
		return ClassPermanent
	case errors.As(err, &transient):
		return ClassTransient
	case errors.As(err, &unknown):
		return ClassUnknown
	case errors.Is(err, ErrInvalidRequest):
		return ClassPermanent
	case errors.Is(err, resilience.ErrAttemptTimeout),
		errors.Is(err, resilience.ErrOpenCircuit),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassUnknown
}

// ClassifyHTTPStatus classifies a non-2xx provider answer: 5xx, 408 and 429
// are transient, any other 4xx is permanent. Other codes yield nil.
func ClassifyHTTPStatus(provider string, op Kind, status int, err error) error {
	if err == nil {
		err = fmt.Errorf("http %d", status)
	}
	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return &TransientError{Provider: provider, Op: op, StatusCode: status, Err: err}
	case status >= 400:
		return &PermanentError{Provider: provider, Op: op, StatusCode: status, Err: err}
	default:
		return nil
	}
}

// classifyTransport wraps an error raised before any HTTP answer was read.
func classifyTransport(provider string, op Kind, err error) error {
	if Classify(err) == ClassTransient {
		return &TransientError{Provider: provider, Op: op, Err: err}
	}
	return &UnknownError{Provider: provider, Op: op, Err: err}
}

func invalidRequest(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}
