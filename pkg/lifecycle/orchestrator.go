package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
)

const (
	descriptionCreated     = "subscription created"
	descriptionRenewed     = "subscription renewal"
	descriptionCancelled   = "subscription cancelled"
	descriptionPlanChange  = "plan change"
	descriptionDowngrade   = "downgrade applied"
	descriptionSeatAdded   = "seat added"
	descriptionSeatRemoved = "seat removed"
)

// Orchestrator turns provider subscription events into ledger mutations.
//
// Every mutation carries a deterministic idempotency key derived from the
// triggering event, so redelivered events collapse into no-ops instead of
// double-applying.
type Orchestrator struct {
	credits  *credits.Service
	resolver PlanResolver
	logger   *zap.Logger
}

// OrchestratorOption configures an Orchestrator instance.
type OrchestratorOption func(*Orchestrator)

// WithLogger wires a structured logger. The default discards everything.
func WithLogger(logger *zap.Logger) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		orchestrator.logger = logger
	}
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(creditService *credits.Service, resolver PlanResolver, options ...OrchestratorOption) (*Orchestrator, error) {
	if creditService == nil {
		return nil, fmt.Errorf("%w: credit service dependency is nil", ErrInvalidOrchestratorConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: plan resolver dependency is nil", ErrInvalidOrchestratorConfig)
	}
	orchestrator := &Orchestrator{credits: creditService, resolver: resolver, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// HandleSubscriptionCreated grants the plan's scaled allocation to every
// target holder. Seat plans grant nothing here because seats are attached
// individually via AddSeat.
func (orchestrator *Orchestrator) HandleSubscriptionCreated(ctx context.Context, subscription Subscription) error {
	if err := subscription.validate(); err != nil {
		return err
	}
	plan, interval, err := orchestrator.resolver.ResolvePrice(ctx, subscription.PriceID)
	if err != nil {
		return err
	}
	targets, err := orchestrator.resolveTargets(ctx, plan, subscription)
	if err != nil {
		return err
	}
	for _, holder := range targets {
		err := orchestrator.grantAllocations(ctx, holder, plan, interval, credits.SourceSubscription, subscription.ID, descriptionCreated, func(creditKey string) string {
			return creationKey(subscription.ID, holder.String(), creditKey)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleSubscriptionRenewed applies each allocation's renewal policy for the
// new billing period: "reset" forces the balance to the scaled allocation,
// "add" stacks it on top.
func (orchestrator *Orchestrator) HandleSubscriptionRenewed(ctx context.Context, subscription Subscription, invoiceID string) error {
	if err := subscription.validate(); err != nil {
		return err
	}
	trimmedInvoiceID := strings.TrimSpace(invoiceID)
	if trimmedInvoiceID == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidInvoiceID)
	}
	plan, interval, err := orchestrator.resolver.ResolvePrice(ctx, subscription.PriceID)
	if err != nil {
		return err
	}
	targets, err := orchestrator.resolveTargets(ctx, plan, subscription)
	if err != nil {
		return err
	}
	for _, holder := range targets {
		err := orchestrator.renewAllocations(ctx, holder, plan, interval, subscription.ID, descriptionRenewed, func(creditKey string) string {
			return renewalKey(trimmedInvoiceID, holder.String(), creditKey)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleSubscriptionCancelled revokes every balance of every affected
// holder, top-ups included, because access to the service ends entirely.
// Seat members additionally receive seat_revoke markers so their membership
// terminates.
func (orchestrator *Orchestrator) HandleSubscriptionCancelled(ctx context.Context, subscription Subscription) error {
	if err := subscription.validate(); err != nil {
		return err
	}
	plan, _, err := orchestrator.resolver.ResolvePrice(ctx, subscription.PriceID)
	if err != nil {
		return err
	}
	switch plan.GrantTarget {
	case GrantTargetSeatUsers:
		members, err := orchestrator.credits.ActiveSeatHolders(ctx, subscription.ID)
		if err != nil {
			return err
		}
		for _, member := range members {
			if err := orchestrator.cancelSeatMember(ctx, subscription, member); err != nil {
				return err
			}
		}
		return nil
	case GrantTargetManual:
		orchestrator.logger.Debug("manual grant target, skipping cancellation revocation",
			zap.String("subscription_id", subscription.ID))
		return nil
	default:
		holder, err := credits.NewHolderID(subscription.HolderID)
		if err != nil {
			return err
		}
		return orchestrator.sweepHolder(ctx, holder, credits.SourceSubscription, subscription.ID, cancellationKey(subscription.ID, holder.String()))
	}
}

// HandleSubscriptionPlanChanged applies an immediate plan change. A change
// flagged with pending-downgrade metadata is deferred untouched until
// HandleDowngradeApplied fires at the renewal boundary. Upgrading from a
// free plan revokes the free allocation first; upgrades between paid plans
// keep the old balance and stack the new allocation.
func (orchestrator *Orchestrator) HandleSubscriptionPlanChanged(ctx context.Context, subscription Subscription, previousPriceID string) error {
	if err := subscription.validate(); err != nil {
		return err
	}
	trimmedPreviousPriceID := strings.TrimSpace(previousPriceID)
	if trimmedPreviousPriceID == "" {
		return fmt.Errorf("%w: empty previous price id", ErrInvalidPriceID)
	}
	if subscription.pendingDowngrade() {
		orchestrator.logger.Info("plan change deferred until downgrade boundary",
			zap.String("subscription_id", subscription.ID))
		return nil
	}
	newPlan, interval, err := orchestrator.resolver.ResolvePrice(ctx, subscription.PriceID)
	if err != nil {
		return err
	}
	oldPlan, _, err := orchestrator.resolver.ResolvePrice(ctx, trimmedPreviousPriceID)
	if err != nil {
		return err
	}
	targets, err := orchestrator.resolveTargets(ctx, newPlan, subscription)
	if err != nil {
		return err
	}
	for _, holder := range targets {
		if oldPlan.Free {
			net, err := orchestrator.credits.CreditsGrantedBySource(ctx, holder, subscription.ID)
			if err != nil {
				return err
			}
			err = orchestrator.revokeNet(ctx, holder, net, credits.SourceSubscription, subscription.ID, descriptionPlanChange, func(creditKey string) string {
				return planChangeRevokeKey(subscription.ID, trimmedPreviousPriceID, holder.String(), creditKey)
			})
			if err != nil {
				return err
			}
		}
		err := orchestrator.grantAllocations(ctx, holder, newPlan, interval, credits.SourceSubscription, subscription.ID, descriptionPlanChange, func(creditKey string) string {
			return planChangeKey(subscription.ID, subscription.PriceID, holder.String(), creditKey)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleDowngradeApplied executes a deferred downgrade at the renewal
// boundary: credit types absent from the new plan end at exactly zero, and
// retained types follow their ordinary renewal policy.
func (orchestrator *Orchestrator) HandleDowngradeApplied(ctx context.Context, subscription Subscription, newPriceID string) error {
	if err := subscription.validate(); err != nil {
		return err
	}
	trimmedNewPriceID := strings.TrimSpace(newPriceID)
	if trimmedNewPriceID == "" {
		return fmt.Errorf("%w: empty new price id", ErrInvalidPriceID)
	}
	newPlan, interval, err := orchestrator.resolver.ResolvePrice(ctx, trimmedNewPriceID)
	if err != nil {
		return err
	}
	targets, err := orchestrator.resolveTargets(ctx, newPlan, subscription)
	if err != nil {
		return err
	}
	for _, holder := range targets {
		if err := orchestrator.applyDowngrade(ctx, holder, subscription, trimmedNewPriceID, newPlan, interval); err != nil {
			return err
		}
	}
	return nil
}

// AddSeat attaches a holder to a seat-target subscription and grants the
// per-seat allocation. A holder already seated elsewhere is rejected; an
// already-seated holder on the same subscription is a no-op.
func (orchestrator *Orchestrator) AddSeat(ctx context.Context, subscription Subscription, memberID string) error {
	if err := subscription.validate(); err != nil {
		return err
	}
	member, err := credits.NewHolderID(memberID)
	if err != nil {
		return err
	}
	currentSubscriptionID, active, err := orchestrator.credits.SeatSubscription(ctx, member)
	if err != nil {
		return err
	}
	if active && currentSubscriptionID != subscription.ID {
		return fmt.Errorf("%w: %s holds a seat of %s", ErrHolderAlreadySeated, member.String(), currentSubscriptionID)
	}
	if active {
		orchestrator.logger.Debug("seat already active",
			zap.String("subscription_id", subscription.ID),
			zap.String("holder_id", member.String()))
		return nil
	}
	plan, interval, err := orchestrator.resolver.ResolvePrice(ctx, subscription.PriceID)
	if err != nil {
		return err
	}
	if plan.GrantTarget != GrantTargetSeatUsers {
		return fmt.Errorf("%w: %s", ErrNotSeatPlan, plan.Name)
	}
	if !plan.GrantsAnything() {
		return fmt.Errorf("%w: seat plan %q grants nothing", ErrInvalidPlan, plan.Name)
	}
	return orchestrator.grantSeatAllocations(ctx, member, plan, interval, subscription.ID)
}

// RemoveSeat detaches a holder from a subscription, revoking the net amount
// the subscription granted per key. Top-up credits survive. A holder without
// an active seat on this subscription is a no-op.
func (orchestrator *Orchestrator) RemoveSeat(ctx context.Context, subscription Subscription, memberID string) error {
	if err := subscription.validate(); err != nil {
		return err
	}
	member, err := credits.NewHolderID(memberID)
	if err != nil {
		return err
	}
	currentSubscriptionID, active, err := orchestrator.credits.SeatSubscription(ctx, member)
	if err != nil {
		return err
	}
	if !active || currentSubscriptionID != subscription.ID {
		orchestrator.logger.Debug("holder has no active seat on subscription",
			zap.String("subscription_id", subscription.ID),
			zap.String("holder_id", member.String()))
		return nil
	}
	net, err := orchestrator.credits.CreditsGrantedBySource(ctx, member, subscription.ID)
	if err != nil {
		return err
	}
	for _, key := range sortedKeys(net) {
		// Keys from allocations dropped between seat generations net to zero.
		if net[key] <= 0 {
			continue
		}
		generation, err := orchestrator.credits.CountEntriesBySource(ctx, member, key, credits.SourceSeatGrant, time.Time{})
		if err != nil {
			return err
		}
		amount, err := credits.NewAmount(net[key])
		if err != nil {
			return err
		}
		details, err := mutationDetails(credits.SourceSeatRevoke, subscription.ID, descriptionSeatRemoved, seatRemoveKey(subscription.ID, member.String(), key.String(), generation))
		if err != nil {
			return err
		}
		_, err = orchestrator.credits.Revoke(ctx, member, key, amount, details)
		if err := orchestrator.skipConflict(err, "revoke", member, key); err != nil {
			return err
		}
	}
	return nil
}

func (orchestrator *Orchestrator) resolveTargets(ctx context.Context, plan Plan, subscription Subscription) ([]credits.HolderID, error) {
	switch plan.GrantTarget {
	case GrantTargetSubscriber:
		holder, err := credits.NewHolderID(subscription.HolderID)
		if err != nil {
			return nil, err
		}
		return []credits.HolderID{holder}, nil
	case GrantTargetSeatUsers:
		return orchestrator.credits.ActiveSeatHolders(ctx, subscription.ID)
	case GrantTargetManual:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: grant target %q", ErrInvalidPlan, plan.GrantTarget)
}

func (orchestrator *Orchestrator) grantAllocations(ctx context.Context, holder credits.HolderID, plan Plan, interval Interval, source credits.Source, sourceID string, description string, keyFor func(creditKey string) string) error {
	for _, allocation := range plan.Credits {
		scaled := ScaleUnits(allocation.BaseUnits, interval)
		if scaled <= 0 {
			continue
		}
		amount, err := credits.NewAmount(scaled)
		if err != nil {
			return err
		}
		details, err := mutationDetails(source, sourceID, description, keyFor(allocation.Key.String()))
		if err != nil {
			return err
		}
		_, err = orchestrator.credits.Grant(ctx, holder, allocation.Key, amount, details)
		if err := orchestrator.skipConflict(err, "grant", holder, allocation.Key); err != nil {
			return err
		}
	}
	if plan.Wallet.BaseCents > 0 {
		scaled := ScaleWalletMilliCents(plan.Wallet.BaseCents, interval)
		amount, err := credits.NewAmount(scaled)
		if err != nil {
			return err
		}
		details, err := mutationDetails(source, sourceID, description, keyFor(credits.WalletKey.String()))
		if err != nil {
			return err
		}
		_, err = orchestrator.credits.Grant(ctx, holder, credits.WalletKey, amount, details)
		if err := orchestrator.skipConflict(err, "grant", holder, credits.WalletKey); err != nil {
			return err
		}
	}
	return nil
}

func (orchestrator *Orchestrator) renewAllocations(ctx context.Context, holder credits.HolderID, plan Plan, interval Interval, sourceID string, description string, keyFor func(creditKey string) string) error {
	for _, allocation := range plan.Credits {
		scaled := ScaleUnits(allocation.BaseUnits, interval)
		if scaled <= 0 {
			continue
		}
		details, err := mutationDetails(credits.SourceSubscriptionRenewal, sourceID, description, keyFor(allocation.Key.String()))
		if err != nil {
			return err
		}
		if err := orchestrator.applyRenewal(ctx, holder, allocation.Key, allocation.OnRenewal, scaled, details); err != nil {
			return err
		}
	}
	if plan.Wallet.BaseCents > 0 {
		scaled := ScaleWalletMilliCents(plan.Wallet.BaseCents, interval)
		details, err := mutationDetails(credits.SourceSubscriptionRenewal, sourceID, description, keyFor(credits.WalletKey.String()))
		if err != nil {
			return err
		}
		if err := orchestrator.applyRenewal(ctx, holder, credits.WalletKey, plan.Wallet.OnRenewal, scaled, details); err != nil {
			return err
		}
	}
	return nil
}

func (orchestrator *Orchestrator) applyRenewal(ctx context.Context, holder credits.HolderID, key credits.CreditKey, policy RenewalPolicy, scaled int64, details credits.MutationDetails) error {
	if policy == RenewalAdd {
		amount, err := credits.NewAmount(scaled)
		if err != nil {
			return err
		}
		_, err = orchestrator.credits.Grant(ctx, holder, key, amount, details)
		return orchestrator.skipConflict(err, "grant", holder, key)
	}
	_, err := orchestrator.credits.SetBalance(ctx, holder, key, scaled, details)
	return orchestrator.skipConflict(err, "set_balance", holder, key)
}

func (orchestrator *Orchestrator) applyDowngrade(ctx context.Context, holder credits.HolderID, subscription Subscription, newPriceID string, newPlan Plan, interval Interval) error {
	granted, err := orchestrator.credits.CreditsGrantedBySource(ctx, holder, subscription.ID)
	if err != nil {
		return err
	}
	retained := make(map[string]struct{}, len(newPlan.Credits)+1)
	for _, allocation := range newPlan.Credits {
		retained[allocation.Key.String()] = struct{}{}
	}
	if newPlan.Wallet.BaseCents > 0 {
		retained[credits.WalletKey.String()] = struct{}{}
	}
	for _, key := range sortedKeys(granted) {
		if _, keep := retained[key.String()]; keep {
			continue
		}
		balance, err := orchestrator.credits.Balance(ctx, holder, key)
		if err != nil {
			return err
		}
		details, err := mutationDetails(credits.SourceSubscriptionRenewal, subscription.ID, descriptionDowngrade, downgradeKey(subscription.ID, newPriceID, holder.String(), key.String()))
		if err != nil {
			return err
		}
		switch {
		case balance > 0:
			amount, err := credits.NewAmount(balance)
			if err != nil {
				return err
			}
			_, err = orchestrator.credits.Revoke(ctx, holder, key, amount, details)
			if err := orchestrator.skipConflict(err, "revoke", holder, key); err != nil {
				return err
			}
		case balance < 0:
			_, err := orchestrator.credits.SetBalance(ctx, holder, key, 0, details)
			if err := orchestrator.skipConflict(err, "set_balance", holder, key); err != nil {
				return err
			}
		}
	}
	return orchestrator.renewAllocations(ctx, holder, newPlan, interval, subscription.ID, descriptionDowngrade, func(creditKey string) string {
		return downgradeKey(subscription.ID, newPriceID, holder.String(), creditKey)
	})
}

func (orchestrator *Orchestrator) cancelSeatMember(ctx context.Context, subscription Subscription, member credits.HolderID) error {
	net, err := orchestrator.credits.CreditsGrantedBySource(ctx, member, subscription.ID)
	if err != nil {
		return err
	}
	err = orchestrator.revokeNet(ctx, member, net, credits.SourceSeatRevoke, subscription.ID, descriptionCancelled, func(creditKey string) string {
		return cancellationSeatKey(subscription.ID, member.String(), creditKey)
	})
	if err != nil {
		return err
	}
	return orchestrator.sweepHolder(ctx, member, credits.SourceSeatRevoke, subscription.ID, cancellationKey(subscription.ID, member.String()))
}

func (orchestrator *Orchestrator) grantSeatAllocations(ctx context.Context, member credits.HolderID, plan Plan, interval Interval, subscriptionID string) error {
	for _, allocation := range plan.Credits {
		scaled := ScaleUnits(allocation.BaseUnits, interval)
		if scaled <= 0 {
			continue
		}
		generation, err := orchestrator.credits.CountEntriesBySource(ctx, member, allocation.Key, credits.SourceSeatRevoke, time.Time{})
		if err != nil {
			return err
		}
		amount, err := credits.NewAmount(scaled)
		if err != nil {
			return err
		}
		details, err := mutationDetails(credits.SourceSeatGrant, subscriptionID, descriptionSeatAdded, seatAddKey(subscriptionID, member.String(), allocation.Key.String(), generation))
		if err != nil {
			return err
		}
		_, err = orchestrator.credits.Grant(ctx, member, allocation.Key, amount, details)
		if err := orchestrator.skipConflict(err, "grant", member, allocation.Key); err != nil {
			return err
		}
	}
	if plan.Wallet.BaseCents > 0 {
		scaled := ScaleWalletMilliCents(plan.Wallet.BaseCents, interval)
		generation, err := orchestrator.credits.CountEntriesBySource(ctx, member, credits.WalletKey, credits.SourceSeatRevoke, time.Time{})
		if err != nil {
			return err
		}
		amount, err := credits.NewAmount(scaled)
		if err != nil {
			return err
		}
		details, err := mutationDetails(credits.SourceSeatGrant, subscriptionID, descriptionSeatAdded, seatAddKey(subscriptionID, member.String(), credits.WalletKey.String(), generation))
		if err != nil {
			return err
		}
		_, err = orchestrator.credits.Grant(ctx, member, credits.WalletKey, amount, details)
		if err := orchestrator.skipConflict(err, "grant", member, credits.WalletKey); err != nil {
			return err
		}
	}
	return nil
}

func (orchestrator *Orchestrator) revokeNet(ctx context.Context, holder credits.HolderID, net map[credits.CreditKey]int64, source credits.Source, sourceID string, description string, keyFor func(creditKey string) string) error {
	for _, key := range sortedKeys(net) {
		if net[key] <= 0 {
			continue
		}
		amount, err := credits.NewAmount(net[key])
		if err != nil {
			return err
		}
		details, err := mutationDetails(source, sourceID, description, keyFor(key.String()))
		if err != nil {
			return err
		}
		_, err = orchestrator.credits.Revoke(ctx, holder, key, amount, details)
		if err := orchestrator.skipConflict(err, "revoke", holder, key); err != nil {
			return err
		}
	}
	return nil
}

func (orchestrator *Orchestrator) sweepHolder(ctx context.Context, holder credits.HolderID, source credits.Source, sourceID string, baseKey string) error {
	details, err := mutationDetails(source, sourceID, descriptionCancelled, baseKey)
	if err != nil {
		return err
	}
	_, err = orchestrator.credits.RevokeAllForHolder(ctx, holder, details)
	if err != nil && !errors.Is(err, credits.ErrIdempotencyConflict) {
		return err
	}
	return nil
}

func (orchestrator *Orchestrator) skipConflict(err error, operation string, holder credits.HolderID, key credits.CreditKey) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, credits.ErrIdempotencyConflict) {
		orchestrator.logger.Debug("mutation already applied, skipping",
			zap.String("operation", operation),
			zap.String("holder_id", holder.String()),
			zap.String("credit_key", key.String()))
		return nil
	}
	return err
}

func mutationDetails(source credits.Source, sourceID string, description string, idempotencyKey string) (credits.MutationDetails, error) {
	key, err := credits.NewIdempotencyKey(idempotencyKey)
	if err != nil {
		return credits.MutationDetails{}, err
	}
	return credits.MutationDetails{
		Source:         source,
		SourceID:       sourceID,
		Description:    description,
		IdempotencyKey: key,
	}, nil
}

func sortedKeys(net map[credits.CreditKey]int64) []credits.CreditKey {
	keys := make([]credits.CreditKey, 0, len(net))
	for key := range net {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(left, right int) bool {
		return keys[left].String() < keys[right].String()
	})
	return keys
}
