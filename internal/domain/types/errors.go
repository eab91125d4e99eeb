package types

import "errors"

var (
	ErrTripNotFound          = errors.New("trip not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrNoDriversFound        = errors.New("no drivers found")
	ErrDriverNotAuthorized   = errors.New("driver is not authorized for this trip")
	ErrDriverNotFound        = errors.New("driver not found")
	ErrActiveTripExists      = errors.New("customer already has an active trip")

	// ErrStaleOfferResponse signals an accept/decline/timeout that raced behind
	// another resolution. It is an idempotent no-op, not a failure.
	ErrStaleOfferResponse = errors.New("offer response is stale")

	ErrNotFound = errors.New("requested item not found")
)
