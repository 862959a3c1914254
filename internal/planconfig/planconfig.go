// Package planconfig loads the plan catalog from a YAML file and exposes it
// as a pure price lookup. Plan ownership stays here; the lifecycle and
// top-up packages only ever see resolved plans.
package planconfig

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/lifecycle"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/topup"
	"github.com/spf13/viper"
)

var (
	ErrInvalidCatalog    = errors.New("invalid plan catalog")
	ErrNoDefaultPrice    = errors.New("catalog has no default price")
	ErrInvalidPlanSource = errors.New("invalid plan source config")
)

type rawCatalog struct {
	DefaultPriceID string             `mapstructure:"default_price_id"`
	Plans          map[string]rawPlan `mapstructure:"plans"`
}

type rawPlan struct {
	Name        string              `mapstructure:"name"`
	Interval    string              `mapstructure:"interval"`
	Free        bool                `mapstructure:"free"`
	GrantTarget string              `mapstructure:"grant_target"`
	Credits     []rawAllocation     `mapstructure:"credits"`
	Wallet      rawWallet           `mapstructure:"wallet"`
	TopUps      map[string]rawTopUp `mapstructure:"top_ups"`
}

type rawAllocation struct {
	Key       string `mapstructure:"key"`
	BaseUnits int64  `mapstructure:"base_units"`
	OnRenewal string `mapstructure:"on_renewal"`
}

type rawWallet struct {
	BaseCents int64  `mapstructure:"base_cents"`
	OnRenewal string `mapstructure:"on_renewal"`
}

type rawTopUp struct {
	Mode               string `mapstructure:"mode"`
	PricePerUnitCents  int64  `mapstructure:"price_per_unit_cents"`
	MinUnits           int64  `mapstructure:"min_units"`
	MaxUnits           int64  `mapstructure:"max_units"`
	AutoThresholdUnits int64  `mapstructure:"auto_threshold_units"`
	AutoRefillUnits    int64  `mapstructure:"auto_refill_units"`
	AutoMonthlyLimit   int64  `mapstructure:"auto_monthly_limit"`
}

type pricedPlan struct {
	plan     lifecycle.Plan
	interval lifecycle.Interval
}

// Catalog is a validated, immutable plan catalog keyed by provider price id.
type Catalog struct {
	defaultPriceID string
	plans          map[string]pricedPlan
}

// Load reads and validates a YAML catalog file.
func Load(path string) (*Catalog, error) {
	reader := viper.New()
	reader.SetConfigFile(path)
	reader.SetConfigType("yaml")
	if err := reader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	var raw rawCatalog
	if err := reader.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return build(raw)
}

func build(raw rawCatalog) (*Catalog, error) {
	if len(raw.Plans) == 0 {
		return nil, fmt.Errorf("%w: no plans defined", ErrInvalidCatalog)
	}
	plans := make(map[string]pricedPlan, len(raw.Plans))
	for priceID, rawDefinition := range raw.Plans {
		trimmedPriceID := strings.TrimSpace(priceID)
		if trimmedPriceID == "" {
			return nil, fmt.Errorf("%w: empty price id", ErrInvalidCatalog)
		}
		plan, interval, err := buildPlan(rawDefinition)
		if err != nil {
			return nil, fmt.Errorf("%w: plan %q: %v", ErrInvalidCatalog, trimmedPriceID, err)
		}
		plans[trimmedPriceID] = pricedPlan{plan: plan, interval: interval}
	}
	defaultPriceID := strings.TrimSpace(raw.DefaultPriceID)
	if defaultPriceID != "" {
		if _, ok := plans[defaultPriceID]; !ok {
			return nil, fmt.Errorf("%w: default price %q not defined", ErrInvalidCatalog, defaultPriceID)
		}
	}
	return &Catalog{defaultPriceID: defaultPriceID, plans: plans}, nil
}

func buildPlan(raw rawPlan) (lifecycle.Plan, lifecycle.Interval, error) {
	interval, err := lifecycle.ParseInterval(raw.Interval)
	if err != nil {
		return lifecycle.Plan{}, "", err
	}
	grantTarget := lifecycle.GrantTargetSubscriber
	if strings.TrimSpace(raw.GrantTarget) != "" {
		grantTarget, err = lifecycle.ParseGrantTarget(raw.GrantTarget)
		if err != nil {
			return lifecycle.Plan{}, "", err
		}
	}
	allocations := make([]lifecycle.CreditAllocation, 0, len(raw.Credits))
	for _, rawAllocation := range raw.Credits {
		allocation, err := buildAllocation(rawAllocation)
		if err != nil {
			return lifecycle.Plan{}, "", err
		}
		allocations = append(allocations, allocation)
	}
	wallet, err := buildWallet(raw.Wallet)
	if err != nil {
		return lifecycle.Plan{}, "", err
	}
	topUps := make(map[string]lifecycle.TopUpConfig, len(raw.TopUps))
	for rawKey, rawConfig := range raw.TopUps {
		key, err := credits.NewCreditKey(rawKey)
		if err != nil {
			return lifecycle.Plan{}, "", err
		}
		config, err := buildTopUp(rawConfig)
		if err != nil {
			return lifecycle.Plan{}, "", fmt.Errorf("top-up %q: %v", key.String(), err)
		}
		topUps[key.String()] = config
	}
	return lifecycle.Plan{
		Name:        strings.TrimSpace(raw.Name),
		Free:        raw.Free,
		GrantTarget: grantTarget,
		Credits:     allocations,
		Wallet:      wallet,
		TopUps:      topUps,
	}, interval, nil
}

func buildAllocation(raw rawAllocation) (lifecycle.CreditAllocation, error) {
	key, err := credits.NewCreditKey(raw.Key)
	if err != nil {
		return lifecycle.CreditAllocation{}, err
	}
	if key.IsWallet() {
		return lifecycle.CreditAllocation{}, fmt.Errorf("%w: wallet funding belongs under wallet, not credits", lifecycle.ErrInvalidPlan)
	}
	if raw.BaseUnits < 0 {
		return lifecycle.CreditAllocation{}, fmt.Errorf("%w: negative base units for %q", lifecycle.ErrInvalidPlan, key.String())
	}
	policy, err := renewalPolicyOrDefault(raw.OnRenewal)
	if err != nil {
		return lifecycle.CreditAllocation{}, err
	}
	return lifecycle.CreditAllocation{Key: key, BaseUnits: raw.BaseUnits, OnRenewal: policy}, nil
}

func buildWallet(raw rawWallet) (lifecycle.WalletAllocation, error) {
	if raw.BaseCents < 0 {
		return lifecycle.WalletAllocation{}, fmt.Errorf("%w: negative wallet cents", lifecycle.ErrInvalidPlan)
	}
	policy, err := renewalPolicyOrDefault(raw.OnRenewal)
	if err != nil {
		return lifecycle.WalletAllocation{}, err
	}
	return lifecycle.WalletAllocation{BaseCents: raw.BaseCents, OnRenewal: policy}, nil
}

func buildTopUp(raw rawTopUp) (lifecycle.TopUpConfig, error) {
	mode, err := lifecycle.ParseTopUpMode(raw.Mode)
	if err != nil {
		return lifecycle.TopUpConfig{}, err
	}
	if raw.PricePerUnitCents <= 0 {
		return lifecycle.TopUpConfig{}, fmt.Errorf("%w: price per unit must be positive", lifecycle.ErrInvalidPlan)
	}
	if raw.MinUnits < 0 || raw.MaxUnits < 0 {
		return lifecycle.TopUpConfig{}, fmt.Errorf("%w: negative unit bound", lifecycle.ErrInvalidPlan)
	}
	if raw.MaxUnits > 0 && raw.MaxUnits < raw.MinUnits {
		return lifecycle.TopUpConfig{}, fmt.Errorf("%w: max units below min units", lifecycle.ErrInvalidPlan)
	}
	config := lifecycle.TopUpConfig{
		Mode:               mode,
		PricePerUnitCents:  raw.PricePerUnitCents,
		MinUnits:           raw.MinUnits,
		MaxUnits:           raw.MaxUnits,
		AutoThresholdUnits: raw.AutoThresholdUnits,
		AutoRefillUnits:    raw.AutoRefillUnits,
		AutoMonthlyLimit:   raw.AutoMonthlyLimit,
	}
	if config.AutoEnabled() {
		if raw.AutoThresholdUnits < 0 {
			return lifecycle.TopUpConfig{}, fmt.Errorf("%w: negative auto threshold", lifecycle.ErrInvalidPlan)
		}
		if raw.AutoRefillUnits <= 0 {
			return lifecycle.TopUpConfig{}, fmt.Errorf("%w: auto refill units must be positive", lifecycle.ErrInvalidPlan)
		}
		if raw.AutoMonthlyLimit < 0 {
			return lifecycle.TopUpConfig{}, fmt.Errorf("%w: negative auto monthly limit", lifecycle.ErrInvalidPlan)
		}
	}
	return config, nil
}

func renewalPolicyOrDefault(raw string) (lifecycle.RenewalPolicy, error) {
	if strings.TrimSpace(raw) == "" {
		return lifecycle.RenewalReset, nil
	}
	return lifecycle.ParseRenewalPolicy(raw)
}

// ResolvePrice implements lifecycle.PlanResolver.
func (catalog *Catalog) ResolvePrice(ctx context.Context, priceID string) (lifecycle.Plan, lifecycle.Interval, error) {
	priced, ok := catalog.plans[strings.TrimSpace(priceID)]
	if !ok {
		return lifecycle.Plan{}, "", fmt.Errorf("%w: %q", lifecycle.ErrUnknownPrice, priceID)
	}
	return priced.plan, priced.interval, nil
}

// DefaultPriceID returns the configured default price, empty when unset.
func (catalog *Catalog) DefaultPriceID() string {
	return catalog.defaultPriceID
}

// Prices returns every configured price id in stable order.
func (catalog *Catalog) Prices() []string {
	prices := make([]string, 0, len(catalog.plans))
	for priceID := range catalog.plans {
		prices = append(prices, priceID)
	}
	sort.Strings(prices)
	return prices
}

// SeatLookup reports which subscription currently claims a holder as an
// active seat member.
type SeatLookup interface {
	SeatSourceForHolder(ctx context.Context, holder credits.HolderID) (string, bool, error)
}

// SeatPlanSource resolves a holder's active subscription for the top-up
// engine in single-plan deployments: membership comes from the seat ledger,
// the plan from the catalog's default price. Deployments with per-holder
// plans supply their own topup.PlanSource instead.
type SeatPlanSource struct {
	catalog *Catalog
	seats   SeatLookup
}

// NewSeatPlanSource validates its dependencies. The catalog must name a
// default price; without one there is no plan to attribute memberships to.
func NewSeatPlanSource(catalog *Catalog, seats SeatLookup) (*SeatPlanSource, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: nil catalog", ErrInvalidPlanSource)
	}
	if seats == nil {
		return nil, fmt.Errorf("%w: nil seat lookup", ErrInvalidPlanSource)
	}
	if catalog.defaultPriceID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlanSource, ErrNoDefaultPrice)
	}
	return &SeatPlanSource{catalog: catalog, seats: seats}, nil
}

// ActiveSubscription implements topup.PlanSource.
func (source *SeatPlanSource) ActiveSubscription(ctx context.Context, holderID string) (topup.ActiveSubscription, error) {
	holder, err := credits.NewHolderID(holderID)
	if err != nil {
		return topup.ActiveSubscription{}, err
	}
	subscriptionID, seated, err := source.seats.SeatSourceForHolder(ctx, holder)
	if err != nil {
		return topup.ActiveSubscription{}, err
	}
	if !seated {
		return topup.ActiveSubscription{}, fmt.Errorf("%w: holder %q", topup.ErrNoSubscription, holderID)
	}
	priced := source.catalog.plans[source.catalog.defaultPriceID]
	return topup.ActiveSubscription{SubscriptionID: subscriptionID, Plan: priced.plan}, nil
}
