package topup

import "errors"

// Domain-level error values returned by the top-up engine.
var (
	ErrNoSubscription        = errors.New("no active subscription")
	ErrTopUpNotConfigured    = errors.New("top-up not configured for credit key")
	ErrUnitsOutOfRange       = errors.New("units out of range")
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	ErrInvalidConfirmation   = errors.New("invalid payment confirmation")
	ErrInvalidEngineConfig   = errors.New("invalid engine config")
)
