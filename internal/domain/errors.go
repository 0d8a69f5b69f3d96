// Package domain holds the error taxonomy shared by the settlement components.
package domain

import (
	"errors"
	"fmt"
)

// Validation failures. Nothing is persisted when one of these is returned.
var (
	ErrValidation      = errors.New("validation error")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidRate     = errors.New("invalid commission rate")
)

var (
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrBuyerSuspended       = errors.New("buyer suspended")
	ErrInsufficientPoints   = errors.New("insufficient loyalty points")

	ErrGatewayRejected = errors.New("gateway rejected charge")
	ErrGatewayTimeout  = errors.New("gateway timeout")

	ErrReconciliationConflict       = errors.New("reconciliation conflict")
	ErrInvalidTransition            = errors.New("invalid state transition")
	ErrInsufficientAvailableBalance = errors.New("insufficient available balance")

	// ErrStorageUnavailable is retryable: the persistence layer could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

var (
	ErrNotFound           = errors.New("not found")
	ErrBookingNotFound    = fmt.Errorf("booking %w", ErrNotFound)
	ErrListingNotFound    = fmt.Errorf("listing %w", ErrNotFound)
	ErrWithdrawalNotFound = fmt.Errorf("withdrawal %w", ErrNotFound)
	ErrReservationMissing = fmt.Errorf("reservation %w", ErrNotFound)
)

// IsValidation reports whether err is a synchronous input rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidRate)
}
