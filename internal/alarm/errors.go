package alarm

import "errors"

var (
	// ErrInvalidRule is returned synchronously by the editing operations; such
	// rules are never stored.
	ErrInvalidRule = errors.New("invalid alarm rule")

	// ErrClaimConflict means a conditional update lost against a concurrent
	// writer. For the dispatcher this is a race outcome, not a failure.
	ErrClaimConflict = errors.New("alarm version conflict")

	ErrDeliveryTimeout = errors.New("alarm delivery timed out")
	ErrDeliveryError   = errors.New("alarm delivery failed")

	// ErrRecurrence is deterministic: an alarm hitting it is disabled rather
	// than retried.
	ErrRecurrence = errors.New("alarm recurrence computation failed")

	ErrNotFound = errors.New("not found")
)
