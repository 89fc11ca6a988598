package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// MapStatus maps an HTTP response status to the Kakehashi error taxonomy.
// Timeouts and context errors never reach here; they are mapped by MapError.
func MapStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return fmt.Errorf("status %d: %w", status, ErrAuthentication)
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("status %d: %w", status, ErrNotFound)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", status, ErrTransient)
	case status >= 500:
		return fmt.Errorf("status %d: %w", status, ErrTransient)
	case status >= 400:
		return fmt.Errorf("status %d: %w", status, ErrInvalidInput)
	default:
		return fmt.Errorf("status %d: %w", status, ErrInternal)
	}
}

// MapError maps transport-level errors to the Kakehashi error taxonomy.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	// Propagate cancellation as-is; a cancelled call is not a platform failure.
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrTransient)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timeout: %w", ErrTransient)

	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "network"), strings.Contains(errStr, "unreachable"), strings.Contains(errStr, "reset by peer"):
		return fmt.Errorf("network error: %w", ErrTransient)

	case strings.Contains(errStr, "unauthorized"), strings.Contains(errStr, "forbidden"):
		return fmt.Errorf("access denied: %w", ErrAuthentication)

	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "too many requests"):
		return fmt.Errorf("rate limited: %w", ErrTransient)

	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("resource not found: %w", ErrNotFound)

	case strings.Contains(errStr, "duplicate"):
		return fmt.Errorf("duplicate event: %w", ErrDuplicateEvent)

	default:
		return fmt.Errorf("internal error: %w", ErrInternal)
	}
}

// Category returns the taxonomy category name for an error.
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrDuplicateEvent):
		return "ErrDuplicateEvent"
	case errors.Is(err, ErrCredentialExchange):
		return "ErrCredentialExchange"
	case errors.Is(err, ErrAuthentication):
		return "ErrAuthentication"
	case errors.Is(err, ErrSubscriptionExpired):
		return "ErrSubscriptionExpired"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// CredentialExchange wraps error as a failed credential exchange
func CredentialExchange(message string) error {
	return fmt.Errorf("%s: %w", message, ErrCredentialExchange)
}

// Authentication wraps error as an authentication failure
func Authentication(message string) error {
	return fmt.Errorf("%s: %w", message, ErrAuthentication)
}

// IsRetryable checks if an error is transient, indicating it can be retried
// at the next scheduled tick.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
