package lifecycle

import "errors"

// Domain-level error values returned by the lifecycle orchestrator.
var (
	ErrInvalidSubscription       = errors.New("invalid subscription")
	ErrInvalidInvoiceID          = errors.New("invalid invoice id")
	ErrInvalidPriceID            = errors.New("invalid price id")
	ErrUnknownPrice              = errors.New("unknown price")
	ErrInvalidPlan               = errors.New("invalid plan")
	ErrInvalidInterval           = errors.New("invalid interval")
	ErrHolderAlreadySeated       = errors.New("holder already seated on another subscription")
	ErrNotSeatPlan               = errors.New("plan does not grant per seat")
	ErrInvalidOrchestratorConfig = errors.New("invalid orchestrator config")
)
