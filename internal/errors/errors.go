package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrDuplicateEvent - event identifier already admitted (normal admission-control outcome, not a failure)
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrCredentialExchange - credential exchange with the vendor token endpoint failed (retried next cycle)
	ErrCredentialExchange = errors.New("credential exchange failed")

	// ErrAuthentication - platform rejected a freshly obtained token (terminal after the gateway's single retry)
	ErrAuthentication = errors.New("authentication failed")

	// ErrSubscriptionExpired - inbound notification referenced a subscription no longer tracked or lapsed upstream
	ErrSubscriptionExpired = errors.New("subscription expired upstream")

	// ErrInvalidInput - malformed request or payload (fails the item, never the cycle)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrTransient - network error, timeout, rate limit or server error (retried at the next scheduled tick)
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
