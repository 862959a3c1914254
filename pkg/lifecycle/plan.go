package lifecycle

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
)

// Interval is the billing interval of a price.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
	IntervalWeek  Interval = "week"
)

// ParseInterval validates a raw billing interval.
func ParseInterval(raw string) (Interval, error) {
	switch Interval(raw) {
	case IntervalMonth, IntervalYear, IntervalWeek:
		return Interval(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, raw)
}

// RenewalPolicy decides what a renewal does to an existing balance.
type RenewalPolicy string

const (
	RenewalReset RenewalPolicy = "reset"
	RenewalAdd   RenewalPolicy = "add"
)

// ParseRenewalPolicy validates a raw renewal policy.
func ParseRenewalPolicy(raw string) (RenewalPolicy, error) {
	switch RenewalPolicy(raw) {
	case RenewalReset, RenewalAdd:
		return RenewalPolicy(raw), nil
	}
	return "", fmt.Errorf("%w: renewal policy %q", ErrInvalidPlan, raw)
}

// GrantTarget decides who receives a plan's allocations.
type GrantTarget string

const (
	GrantTargetSubscriber GrantTarget = "subscriber"
	GrantTargetSeatUsers  GrantTarget = "seat_users"
	GrantTargetManual     GrantTarget = "manual"
)

// ParseGrantTarget validates a raw grant target.
func ParseGrantTarget(raw string) (GrantTarget, error) {
	switch GrantTarget(raw) {
	case GrantTargetSubscriber, GrantTargetSeatUsers, GrantTargetManual:
		return GrantTarget(raw), nil
	}
	return "", fmt.Errorf("%w: grant target %q", ErrInvalidPlan, raw)
}

// TopUpMode decides which replenishment paths a credit key offers.
type TopUpMode string

const (
	TopUpModeOnDemand TopUpMode = "on_demand"
	TopUpModeAuto     TopUpMode = "auto"
	TopUpModeBoth     TopUpMode = "both"
)

// ParseTopUpMode validates a raw top-up mode.
func ParseTopUpMode(raw string) (TopUpMode, error) {
	switch TopUpMode(raw) {
	case TopUpModeOnDemand, TopUpModeAuto, TopUpModeBoth:
		return TopUpMode(raw), nil
	}
	return "", fmt.Errorf("%w: top-up mode %q", ErrInvalidPlan, raw)
}

// CreditAllocation is one credit type a plan grants, expressed per month.
type CreditAllocation struct {
	Key       credits.CreditKey
	BaseUnits int64
	OnRenewal RenewalPolicy
}

// WalletAllocation is the monetary wallet a plan grants, expressed in whole
// cents per month. BaseCents zero means the plan funds no wallet.
type WalletAllocation struct {
	BaseCents int64
	OnRenewal RenewalPolicy
}

// TopUpConfig describes how one credit key may be replenished by charging
// the holder's payment instrument. Units are purchase units: credit units
// for consumable keys, whole cents for the wallet. AutoThresholdUnits is
// the exception: it compares against the stored balance, so for the wallet
// it is expressed in milli-cents. MaxUnits and AutoMonthlyLimit are
// unbounded at zero.
type TopUpConfig struct {
	Mode               TopUpMode
	PricePerUnitCents  int64
	MinUnits           int64
	MaxUnits           int64
	AutoThresholdUnits int64
	AutoRefillUnits    int64
	AutoMonthlyLimit   int64
}

// OnDemandEnabled reports whether holders may trigger top-ups themselves.
func (config TopUpConfig) OnDemandEnabled() bool {
	return config.Mode == TopUpModeOnDemand || config.Mode == TopUpModeBoth
}

// AutoEnabled reports whether threshold-triggered top-ups are allowed.
func (config TopUpConfig) AutoEnabled() bool {
	return config.Mode == TopUpModeAuto || config.Mode == TopUpModeBoth
}

// Plan is a resolved plan definition: what a price grants and how it renews.
type Plan struct {
	Name        string
	Free        bool
	GrantTarget GrantTarget
	Credits     []CreditAllocation
	Wallet      WalletAllocation
	TopUps      map[string]TopUpConfig
}

// TopUpFor returns the top-up configuration for a credit key, if any.
func (plan Plan) TopUpFor(key credits.CreditKey) (TopUpConfig, bool) {
	config, ok := plan.TopUps[key.String()]
	return config, ok
}

// GrantsAnything reports whether the plan allocates at least one credit type
// or funds the wallet.
func (plan Plan) GrantsAnything() bool {
	for _, allocation := range plan.Credits {
		if allocation.BaseUnits > 0 {
			return true
		}
	}
	return plan.Wallet.BaseCents > 0
}

// PlanResolver maps a provider price id to its plan definition and billing
// interval. Configuration ownership stays outside the orchestrator.
type PlanResolver interface {
	ResolvePrice(ctx context.Context, priceID string) (Plan, Interval, error)
}

// ScaleUnits converts a per-month base allocation to the amount granted for
// one billing interval. Yearly holders receive twelve months in one shot;
// weekly holders receive a rounded-up quarter of the monthly base.
func ScaleUnits(baseUnits int64, interval Interval) int64 {
	switch interval {
	case IntervalYear:
		return baseUnits * 12
	case IntervalWeek:
		return (baseUnits + 3) / 4
	default:
		return baseUnits
	}
}

// ScaleWalletMilliCents converts a per-month base wallet allocation in cents
// to wallet units for one billing interval. Milli-cent units keep the weekly
// division by four exact.
func ScaleWalletMilliCents(baseCents int64, interval Interval) int64 {
	switch interval {
	case IntervalYear:
		return baseCents * credits.WalletMilliCentsPerCent * 12
	case IntervalWeek:
		return baseCents * credits.WalletMilliCentsPerCent / 4
	default:
		return baseCents * credits.WalletMilliCentsPerCent
	}
}
