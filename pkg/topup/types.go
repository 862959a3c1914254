package topup

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/lifecycle"
)

// Trigger names the condition that produced a top-up outcome. The values
// form the wire vocabulary callers use to notify holders; the engine itself
// never sends notifications.
type Trigger string

const (
	TriggerCharged         Trigger = "charged"
	TriggerDeclinedPayment Trigger = "stripe_declined_payment"
	TriggerCooldown        Trigger = "waiting_for_retry_cooldown"
	TriggerCardBlocked     Trigger = "blocked_until_card_updated"
	TriggerNoPaymentMethod Trigger = "no_payment_method"
	TriggerMonthlyLimit    Trigger = "monthly_limit_reached"
	TriggerUnexpectedError Trigger = "unexpected_error"
)

// Status tells the caller whether anything is expected of the holder.
type Status string

const (
	// StatusOK means credits were granted.
	StatusOK Status = "ok"
	// StatusPending means the charge was accepted but has not settled; the
	// grant arrives through the webhook confirmation.
	StatusPending Status = "pending"
	// StatusWillRetry means the condition resolves without holder action.
	StatusWillRetry Status = "will_retry"
	// StatusActionRequired means the holder must intervene, typically by
	// updating their card.
	StatusActionRequired Status = "action_required"
)

// ChargeStatus is the settlement state reported by the payment gateway.
type ChargeStatus string

const (
	ChargeSucceeded  ChargeStatus = "succeeded"
	ChargeProcessing ChargeStatus = "processing"
	ChargeFailed     ChargeStatus = "failed"
)

// CheckoutKind selects which hosted page a checkout URL points at.
type CheckoutKind string

const (
	// CheckoutPurchase is a hosted purchase page that also stores a
	// reusable instrument for next time.
	CheckoutPurchase CheckoutKind = "purchase"
	// CheckoutCardUpdate is a hosted page for replacing the default card.
	CheckoutCardUpdate CheckoutKind = "card_update"
)

// PaymentMethod is the holder's stored default instrument.
type PaymentMethod struct {
	CustomerID      string
	PaymentMethodID string
}

// ChargeRequest is an immediate charge against a stored instrument.
// IdempotencyKey deduplicates on the provider side, not in the ledger.
type ChargeRequest struct {
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	IdempotencyKey  string
	Description     string
	Metadata        map[string]string
}

// ChargeResult is the gateway's answer to a charge request. DeclineCode is
// only set when Status is failed.
type ChargeResult struct {
	Status      ChargeStatus
	ChargeID    string
	DeclineCode string
}

// CheckoutRequest asks the gateway for a hosted page URL.
type CheckoutRequest struct {
	Kind        CheckoutKind
	HolderID    string
	CreditKey   string
	Units       int64
	AmountCents int64
	Currency    string
}

// Gateway is the payment provider boundary. The engine never inspects
// anything about the provider beyond status and decline code.
type Gateway interface {
	DefaultPaymentMethod(ctx context.Context, holderID string) (PaymentMethod, bool, error)
	CreateCharge(ctx context.Context, request ChargeRequest) (ChargeResult, error)
	CheckoutURL(ctx context.Context, request CheckoutRequest) (string, error)
}

// ActiveSubscription is the plan context a holder's top-ups run under.
type ActiveSubscription struct {
	SubscriptionID string
	Plan           lifecycle.Plan
}

// PlanSource resolves the holder's active subscription and plan. Holders
// without one get ErrNoSubscription.
type PlanSource interface {
	ActiveSubscription(ctx context.Context, holderID string) (ActiveSubscription, error)
}

// FailureRecord is the mutable block state of one (holder, key) pair. One
// row per pair: created on first failure, updated in place on subsequent
// failures, deleted entirely on recovery.
type FailureRecord struct {
	HolderID        string
	Key             string
	PaymentMethodID string
	DeclineType     DeclineType
	DeclineCode     string
	FailureCount    int64
	LastFailureAt   time.Time
	Disabled        bool
}

// FailureStore persists decline state between charge attempts.
//
// RecordFailure upserts with an atomic failure_count increment so two
// concurrent failures never lose an update, and returns the stored record.
type FailureStore interface {
	GetFailure(ctx context.Context, holderID string, key string) (*FailureRecord, error)
	RecordFailure(ctx context.Context, record FailureRecord) (FailureRecord, error)
	ClearFailure(ctx context.Context, holderID string, key string) error
	ClearFailuresForHolder(ctx context.Context, holderID string) error
}

// TopUpRequest is an on-demand purchase of credit units.
type TopUpRequest struct {
	HolderID       string
	Key            string
	Units          int64
	IdempotencyKey string
}

// TopUpOutcome reports an on-demand top-up. RecoveryURL is set when the
// holder must finish the purchase on a hosted page.
type TopUpOutcome struct {
	Status        Status
	Trigger       Trigger
	ChargeID      string
	DeclineCode   string
	RecoveryURL   string
	AmountGranted int64
	Balance       int64
}

// AutoTopUpOutcome reports an automatic top-up attempt. Attempted is false
// when the gate, the monthly cap, or a missing instrument stopped the
// charge before it was made.
type AutoTopUpOutcome struct {
	Attempted     bool
	Charged       bool
	Trigger       Trigger
	Status        Status
	DeclineType   DeclineType
	DeclineCode   string
	FailureCount  int64
	RetryAt       time.Time
	AmountGranted int64
	Balance       int64
}

// StatusReport is the current auto-top-up state of one (holder, key) pair.
type StatusReport struct {
	Key           string
	Configured    bool
	Mode          lifecycle.TopUpMode
	Blocked       bool
	DeclineType   DeclineType
	DeclineCode   string
	FailureCount  int64
	LastFailureAt time.Time
	RetryAt       time.Time
	MonthlyCount  int64
	MonthlyLimit  int64
}

// PaymentConfirmation is a webhook-delivered payment outcome carrying the
// metadata the engine attached when the charge was created.
type PaymentConfirmation struct {
	IntentID  string
	SessionID string
	Metadata  map[string]string
}
