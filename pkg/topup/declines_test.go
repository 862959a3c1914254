package topup

import (
	"testing"
	"time"
)

func TestClassifyDeclineCode(test *testing.T) {
	test.Parallel()
	hardCodes := []string{
		"expired_card",
		"stolen_card",
		"lost_card",
		"pickup_card",
		"fraudulent",
		"invalid_account",
		"restricted_card",
		"invalid_cvc",
		"incorrect_cvc",
		"invalid_number",
		"incorrect_number",
	}
	for _, code := range hardCodes {
		if got := ClassifyDeclineCode(code); got != DeclineHard {
			test.Fatalf("expected %q to classify hard, got %s", code, got)
		}
	}
	softCodes := []string{"insufficient_funds", "card_declined", "processing_error", "do_not_honor", "gremlins", ""}
	for _, code := range softCodes {
		if got := ClassifyDeclineCode(code); got != DeclineSoft {
			test.Fatalf("expected %q to classify soft, got %s", code, got)
		}
	}
	if got := ClassifyDeclineCode(" Expired_Card "); got != DeclineHard {
		test.Fatalf("expected classification to normalize case and spacing, got %s", got)
	}
}

func TestEvaluateGatePermitsClearState(test *testing.T) {
	test.Parallel()
	decision := evaluateGate(nil, time.Now())
	if !decision.allowed {
		test.Fatal("expected clear state to permit the attempt")
	}
}

func TestEvaluateGateBlocksHardDecline(test *testing.T) {
	test.Parallel()
	now := time.Date(2024, time.June, 10, 8, 0, 0, 0, time.UTC)
	record := &FailureRecord{
		DeclineType:   DeclineHard,
		DeclineCode:   "lost_card",
		FailureCount:  1,
		LastFailureAt: now.Add(-72 * time.Hour),
	}

	decision := evaluateGate(record, now)

	if decision.allowed {
		test.Fatal("expected hard decline to block regardless of elapsed time")
	}
	if decision.outcome.Trigger != TriggerCardBlocked || decision.outcome.Status != StatusActionRequired {
		test.Fatalf("unexpected outcome: %+v", decision.outcome)
	}
}

func TestEvaluateGateBlocksThirdSoftFailure(test *testing.T) {
	test.Parallel()
	now := time.Date(2024, time.June, 10, 8, 0, 0, 0, time.UTC)
	record := &FailureRecord{
		DeclineType:   DeclineSoft,
		DeclineCode:   "insufficient_funds",
		FailureCount:  3,
		LastFailureAt: now.Add(-72 * time.Hour),
	}

	decision := evaluateGate(record, now)

	if decision.allowed {
		test.Fatal("expected third soft failure to block like a hard decline")
	}
	if decision.outcome.Trigger != TriggerCardBlocked || decision.outcome.Status != StatusActionRequired {
		test.Fatalf("unexpected outcome: %+v", decision.outcome)
	}
	if decision.outcome.DeclineType != DeclineSoft {
		test.Fatalf("expected stored decline type to stay soft, got %s", decision.outcome.DeclineType)
	}
}

func TestEvaluateGateHoldsSoftBlockInsideCooldown(test *testing.T) {
	test.Parallel()
	now := time.Date(2024, time.June, 10, 8, 0, 0, 0, time.UTC)
	lastFailure := now.Add(-1 * time.Hour)
	record := &FailureRecord{
		DeclineType:   DeclineSoft,
		DeclineCode:   "insufficient_funds",
		FailureCount:  1,
		LastFailureAt: lastFailure,
	}

	decision := evaluateGate(record, now)

	if decision.allowed {
		test.Fatal("expected cooldown to hold the attempt")
	}
	if decision.outcome.Trigger != TriggerCooldown || decision.outcome.Status != StatusWillRetry {
		test.Fatalf("unexpected outcome: %+v", decision.outcome)
	}
	if !decision.outcome.RetryAt.Equal(lastFailure.Add(24 * time.Hour)) {
		test.Fatalf("expected retry at %v, got %v", lastFailure.Add(24*time.Hour), decision.outcome.RetryAt)
	}
}

func TestEvaluateGatePermitsRetryAfterCooldown(test *testing.T) {
	test.Parallel()
	now := time.Date(2024, time.June, 10, 8, 0, 0, 0, time.UTC)
	record := &FailureRecord{
		DeclineType:   DeclineSoft,
		DeclineCode:   "insufficient_funds",
		FailureCount:  2,
		LastFailureAt: now.Add(-25 * time.Hour),
	}

	decision := evaluateGate(record, now)

	if !decision.allowed {
		test.Fatalf("expected elapsed cooldown to permit the attempt, got %+v", decision.outcome)
	}
}
