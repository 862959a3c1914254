package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
)

func teamSubscription() Subscription {
	return Subscription{ID: lifecycleSub, HolderID: lifecycleHolder, PriceID: teamMonthPrice}
}

func TestAddSeatGrantsPerSeatAllocation(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)

	if err := fixture.orchestrator.AddSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
		test.Fatalf("add seat: %v", err)
	}

	if got := fixture.balance(test, lifecycleMember, emailKeyValue); got != 300 {
		test.Fatalf("expected 300 seat credits, got %d", got)
	}
	subscriptionID, active, err := fixture.service.SeatSubscription(context.Background(), mustLifecycleHolder(test, lifecycleMember))
	if err != nil {
		test.Fatalf("seat subscription: %v", err)
	}
	if !active || subscriptionID != lifecycleSub {
		test.Fatalf("expected active seat on %s, got %s active=%v", lifecycleSub, subscriptionID, active)
	}
	entry := fixture.store.entries[0]
	if entry.Source != credits.SourceSeatGrant {
		test.Fatalf("expected seat_grant source, got %s", entry.Source)
	}
	wantKey := "seat_add_sub_123_user-2_email_credits_0"
	if entry.IdempotencyKey.String() != wantKey {
		test.Fatalf("expected idempotency key %q, got %q", wantKey, entry.IdempotencyKey.String())
	}
}

func TestAddSeatTwiceIsNoOp(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)

	for attempt := 0; attempt < 2; attempt++ {
		if err := fixture.orchestrator.AddSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
			test.Fatalf("add seat: %v", err)
		}
	}

	if got := fixture.balance(test, lifecycleMember, emailKeyValue); got != 300 {
		test.Fatalf("expected a single grant of 300, got %d", got)
	}
	if len(fixture.store.entries) != 1 {
		test.Fatalf("expected 1 ledger entry, got %d", len(fixture.store.entries))
	}
}

func TestAddSeatRejectsHolderSeatedOnAnotherSubscription(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)
	if err := fixture.orchestrator.AddSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
		test.Fatalf("add seat: %v", err)
	}
	secondSubscription := Subscription{ID: otherSubscription, HolderID: "owner-2", PriceID: teamMonthPrice}

	err := fixture.orchestrator.AddSeat(context.Background(), secondSubscription, lifecycleMember)
	if !errors.Is(err, ErrHolderAlreadySeated) {
		test.Fatalf("expected ErrHolderAlreadySeated, got %v", err)
	}
}

func TestAddSeatRequiresSeatTargetPlan(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)

	err := fixture.orchestrator.AddSeat(context.Background(), proSubscription(), lifecycleMember)
	if !errors.Is(err, ErrNotSeatPlan) {
		test.Fatalf("expected ErrNotSeatPlan, got %v", err)
	}
}

func TestAddSeatRejectsPlanGrantingNothing(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)
	subscription := Subscription{ID: lifecycleSub, HolderID: lifecycleHolder, PriceID: emptyTeamPrice}

	err := fixture.orchestrator.AddSeat(context.Background(), subscription, lifecycleMember)
	if !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestRemoveSeatRevokesNetGrantAndKeepsTopUps(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)
	if err := fixture.orchestrator.AddSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
		test.Fatalf("add seat: %v", err)
	}
	fixture.grantTopUp(test, lifecycleMember, emailKeyValue, 500, "ch_200")
	fixture.consumeUsage(test, lifecycleMember, emailKeyValue, 100)

	if err := fixture.orchestrator.RemoveSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
		test.Fatalf("remove seat: %v", err)
	}

	if got := fixture.balance(test, lifecycleMember, emailKeyValue); got != 400 {
		test.Fatalf("expected topped-up remainder 400 to survive, got %d", got)
	}
	_, active, err := fixture.service.SeatSubscription(context.Background(), mustLifecycleHolder(test, lifecycleMember))
	if err != nil {
		test.Fatalf("seat subscription: %v", err)
	}
	if active {
		test.Fatal("expected seat membership to end")
	}
	wantKey := "seat_remove_sub_123_user-2_email_credits_1"
	if !fixture.store.hasIdempotencyKey(wantKey) {
		test.Fatalf("expected removal key %q to be recorded", wantKey)
	}
}

func TestRemoveSeatWithoutActiveSeatIsNoOp(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)

	if err := fixture.orchestrator.RemoveSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
		test.Fatalf("remove seat: %v", err)
	}

	if len(fixture.store.entries) != 0 {
		test.Fatalf("expected no entries, got %d", len(fixture.store.entries))
	}
}

func TestRemoveSeatOnDifferentSubscriptionIsNoOp(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)
	if err := fixture.orchestrator.AddSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
		test.Fatalf("add seat: %v", err)
	}
	secondSubscription := Subscription{ID: otherSubscription, HolderID: "owner-2", PriceID: teamMonthPrice}

	if err := fixture.orchestrator.RemoveSeat(context.Background(), secondSubscription, lifecycleMember); err != nil {
		test.Fatalf("remove seat: %v", err)
	}

	if got := fixture.balance(test, lifecycleMember, emailKeyValue); got != 300 {
		test.Fatalf("expected seat credits untouched, got %d", got)
	}
	subscriptionID, active, err := fixture.service.SeatSubscription(context.Background(), mustLifecycleHolder(test, lifecycleMember))
	if err != nil {
		test.Fatalf("seat subscription: %v", err)
	}
	if !active || subscriptionID != lifecycleSub {
		test.Fatalf("expected membership on %s to survive, got %s active=%v", lifecycleSub, subscriptionID, active)
	}
}

func TestSeatReAddGrantsFreshAllocation(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)

	if err := fixture.orchestrator.AddSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
		test.Fatalf("first add: %v", err)
	}
	if err := fixture.orchestrator.RemoveSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
		test.Fatalf("remove: %v", err)
	}
	if err := fixture.orchestrator.AddSeat(context.Background(), teamSubscription(), lifecycleMember); err != nil {
		test.Fatalf("second add: %v", err)
	}

	if got := fixture.balance(test, lifecycleMember, emailKeyValue); got != 300 {
		test.Fatalf("expected fresh allocation after re-add, got %d", got)
	}
	for _, wantKey := range []string{
		"seat_add_sub_123_user-2_email_credits_0",
		"seat_remove_sub_123_user-2_email_credits_1",
		"seat_add_sub_123_user-2_email_credits_1",
	} {
		if !fixture.store.hasIdempotencyKey(wantKey) {
			test.Fatalf("expected key %q to be recorded", wantKey)
		}
	}
}

func TestRenewalSeatPlanRenewsEveryActiveMember(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)
	for _, memberID := range []string{lifecycleMember, lifecycleMemberB} {
		if err := fixture.orchestrator.AddSeat(context.Background(), teamSubscription(), memberID); err != nil {
			test.Fatalf("add seat %s: %v", memberID, err)
		}
	}
	fixture.consumeUsage(test, lifecycleMember, emailKeyValue, 100)

	if err := fixture.orchestrator.HandleSubscriptionRenewed(context.Background(), teamSubscription(), firstInvoice); err != nil {
		test.Fatalf("subscription renewed: %v", err)
	}

	if got := fixture.balance(test, lifecycleMember, emailKeyValue); got != 300 {
		test.Fatalf("expected member reset to 300, got %d", got)
	}
	if got := fixture.balance(test, lifecycleMemberB, emailKeyValue); got != 300 {
		test.Fatalf("expected second member reset to 300, got %d", got)
	}
}

func TestCancellationSeatPlanSweepsAllMembers(test *testing.T) {
	test.Parallel()
	fixture := newLifecycleFixture(test)
	for _, memberID := range []string{lifecycleMember, lifecycleMemberB} {
		if err := fixture.orchestrator.AddSeat(context.Background(), teamSubscription(), memberID); err != nil {
			test.Fatalf("add seat %s: %v", memberID, err)
		}
	}
	fixture.grantTopUp(test, lifecycleMember, emailKeyValue, 500, "ch_300")
	fixture.consumeUsage(test, lifecycleMember, emailKeyValue, 100)

	if err := fixture.orchestrator.HandleSubscriptionCancelled(context.Background(), teamSubscription()); err != nil {
		test.Fatalf("subscription cancelled: %v", err)
	}

	if got := fixture.balance(test, lifecycleMember, emailKeyValue); got != 0 {
		test.Fatalf("expected member swept to 0, got %d", got)
	}
	if got := fixture.balance(test, lifecycleMemberB, emailKeyValue); got != 0 {
		test.Fatalf("expected second member swept to 0, got %d", got)
	}
	holders, err := fixture.service.ActiveSeatHolders(context.Background(), lifecycleSub)
	if err != nil {
		test.Fatalf("active seat holders: %v", err)
	}
	if len(holders) != 0 {
		test.Fatalf("expected no active seats after cancellation, got %d", len(holders))
	}
}
