package settlement

import (
	"errors"

	"tipledger/native/common"
)

var (
	// Authorization failures.
	ErrNotOwner       = errors.New("settlement: caller is not the owner")
	ErrNotPrivileged  = errors.New("settlement: caller is not privileged")
	ErrNotIntentOwner = errors.New("settlement: caller does not own the intent")

	// Precondition failures.
	ErrUnknownIntent      = errors.New("settlement: unknown intent")
	ErrAlreadySettled     = errors.New("settlement: intent already settled")
	ErrEpochNotReady      = errors.New("settlement: epoch not ready")
	ErrTooSoon            = errors.New("settlement: accrual interval not elapsed")
	ErrLengthMismatch     = errors.New("settlement: ids and flags length mismatch")
	ErrSelfIntent         = errors.New("settlement: sender and creator must differ")
	ErrReentrantCall      = errors.New("settlement: reentrant call")
	ErrNotInitialized     = errors.New("settlement: engine not initialised")
	ErrAlreadyInitialized = errors.New("settlement: engine already initialised")

	// Economic failures.
	ErrInsufficientCapacity = errors.New("settlement: insufficient free capacity")
	ErrInvalidAmount        = errors.New("settlement: amount must be positive")
	ErrNotCreator           = errors.New("settlement: recipient is not a creator")
	ErrInvalidDelegation    = errors.New("settlement: delegation invalid")
	ErrUnknownToken         = errors.New("settlement: unknown token")

	// Parameter failures.
	ErrInvalidParameter = errors.New("settlement: invalid parameter")
	ErrUnknownParameter = errors.New("settlement: unknown parameter")

	// Internal failures.
	ErrNilState            = errors.New("settlement: state not configured")
	ErrMissingCollaborator = errors.New("settlement: collaborator not configured")
)

// Error classes reported by Classify.
const (
	ClassNone          = ""
	ClassAuthorization = "authorization"
	ClassPrecondition  = "precondition"
	ClassEconomic      = "economic"
	ClassParameter     = "parameter"
	ClassInternal      = "internal"
)

// Classify maps an engine error onto its taxonomy class.
func Classify(err error) string {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotPrivileged), errors.Is(err, ErrNotIntentOwner):
		return ClassAuthorization
	case errors.Is(err, ErrUnknownIntent), errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrEpochNotReady),
		errors.Is(err, ErrTooSoon), errors.Is(err, ErrLengthMismatch), errors.Is(err, ErrSelfIntent), errors.Is(err, ErrReentrantCall),
		errors.Is(err, ErrNotInitialized), errors.Is(err, ErrAlreadyInitialized), errors.Is(err, common.ErrModulePaused):
		return ClassPrecondition
	case errors.Is(err, ErrInsufficientCapacity), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrNotCreator), errors.Is(err, ErrInvalidDelegation), errors.Is(err, ErrUnknownToken),
		errors.Is(err, common.ErrQuotaRequestsExceeded), errors.Is(err, common.ErrQuotaValueCapExceeded):
		return ClassEconomic
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrUnknownParameter):
		return ClassParameter
	default:
		return ClassInternal
	}
}
