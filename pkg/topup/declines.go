package topup

import (
	"strings"
	"time"
)

// DeclineType splits provider decline codes into two retry classes.
type DeclineType string

const (
	// DeclineHard marks the instrument itself as unusable. No retry can
	// succeed until the holder changes cards.
	DeclineHard DeclineType = "hard"
	// DeclineSoft marks a transient refusal, insufficient funds being the
	// typical case. Retries may succeed after the cooldown.
	DeclineSoft DeclineType = "soft"
)

const (
	// softFailureEscalation is the consecutive soft-failure count at which
	// the block is treated like a hard decline.
	softFailureEscalation = 3
	// retryCooldown is how long a soft-blocked pair waits before the next
	// automatic attempt is permitted.
	retryCooldown = 24 * time.Hour
)

// hardDeclineCodes enumerates the provider codes that condemn the card.
// Everything else, unrecognized codes included, classifies as soft.
var hardDeclineCodes = map[string]struct{}{
	"expired_card":     {},
	"stolen_card":      {},
	"lost_card":        {},
	"pickup_card":      {},
	"fraudulent":       {},
	"invalid_account":  {},
	"restricted_card":  {},
	"invalid_cvc":      {},
	"incorrect_cvc":    {},
	"invalid_number":   {},
	"incorrect_number": {},
}

// ClassifyDeclineCode maps a provider decline code to its retry class.
func ClassifyDeclineCode(code string) DeclineType {
	normalized := strings.ToLower(strings.TrimSpace(code))
	if _, hard := hardDeclineCodes[normalized]; hard {
		return DeclineHard
	}
	return DeclineSoft
}

// gateDecision is the outcome of consulting the failure state before an
// automatic charge. When the attempt is not allowed, outcome carries the
// blocking trigger ready to report outward.
type gateDecision struct {
	allowed bool
	outcome AutoTopUpOutcome
}

// evaluateGate applies the cooldown state machine: attempts proceed only
// from the clear state or from a soft block whose cooldown has elapsed. A
// hard decline, or the third consecutive soft failure, blocks until the
// card changes or an explicit unblock clears the record.
func evaluateGate(record *FailureRecord, now time.Time) gateDecision {
	if record == nil {
		return gateDecision{allowed: true}
	}
	if record.DeclineType == DeclineHard || record.FailureCount >= softFailureEscalation {
		return gateDecision{outcome: AutoTopUpOutcome{
			Trigger:      TriggerCardBlocked,
			Status:       StatusActionRequired,
			DeclineType:  record.DeclineType,
			DeclineCode:  record.DeclineCode,
			FailureCount: record.FailureCount,
		}}
	}
	retryAt := record.LastFailureAt.Add(retryCooldown)
	if now.Before(retryAt) {
		return gateDecision{outcome: AutoTopUpOutcome{
			Trigger:      TriggerCooldown,
			Status:       StatusWillRetry,
			DeclineType:  record.DeclineType,
			DeclineCode:  record.DeclineCode,
			FailureCount: record.FailureCount,
			RetryAt:      retryAt,
		}}
	}
	return gateDecision{allowed: true}
}
