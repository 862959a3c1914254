package planconfig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/lifecycle"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/topup"
)

const (
	catalogPriceID      = "price_pro_month"
	catalogFreePriceID  = "price_free"
	catalogHolder       = "user-1"
	catalogSubscription = "sub_123"

	errorMismatchMessage = "expected error %v, got %v"

	fullCatalogYAML = `
default_price_id: price_pro_month
plans:
  price_pro_month:
    name: Pro
    interval: month
    grant_target: seat_users
    credits:
      - key: email_credits
        base_units: 1000
        on_renewal: reset
      - key: sms_credits
        base_units: 200
        on_renewal: add
    wallet:
      base_cents: 500
      on_renewal: add
    top_ups:
      email_credits:
        mode: both
        price_per_unit_cents: 2
        min_units: 100
        max_units: 1000
        auto_threshold_units: 50
        auto_refill_units: 500
        auto_monthly_limit: 2
      wallet:
        mode: on_demand
        price_per_unit_cents: 1
        min_units: 500
  price_free:
    name: Free
    interval: month
    free: true
    credits:
      - key: email_credits
        base_units: 50
`
)

func TestLoadParsesFullCatalog(test *testing.T) {
	test.Parallel()
	catalog := mustCatalog(test, fullCatalogYAML)

	plan, interval, err := catalog.ResolvePrice(context.Background(), catalogPriceID)
	if err != nil {
		test.Fatalf("resolve price: %v", err)
	}
	if interval != lifecycle.IntervalMonth {
		test.Fatalf("expected month interval, got %q", interval)
	}
	if plan.Name != "Pro" || plan.Free {
		test.Fatalf("unexpected plan header: %+v", plan)
	}
	if plan.GrantTarget != lifecycle.GrantTargetSeatUsers {
		test.Fatalf("expected seat_users target, got %q", plan.GrantTarget)
	}
	if len(plan.Credits) != 2 {
		test.Fatalf("expected 2 allocations, got %d", len(plan.Credits))
	}
	email := plan.Credits[0]
	if email.Key.String() != "email_credits" || email.BaseUnits != 1000 || email.OnRenewal != lifecycle.RenewalReset {
		test.Fatalf("unexpected email allocation: %+v", email)
	}
	sms := plan.Credits[1]
	if sms.Key.String() != "sms_credits" || sms.BaseUnits != 200 || sms.OnRenewal != lifecycle.RenewalAdd {
		test.Fatalf("unexpected sms allocation: %+v", sms)
	}
	if plan.Wallet.BaseCents != 500 || plan.Wallet.OnRenewal != lifecycle.RenewalAdd {
		test.Fatalf("unexpected wallet allocation: %+v", plan.Wallet)
	}

	emailTopUp, configured := plan.TopUpFor(mustKey(test, "email_credits"))
	if !configured {
		test.Fatalf("expected email top-up configuration")
	}
	if emailTopUp.Mode != lifecycle.TopUpModeBoth || emailTopUp.PricePerUnitCents != 2 {
		test.Fatalf("unexpected email top-up: %+v", emailTopUp)
	}
	if emailTopUp.MinUnits != 100 || emailTopUp.MaxUnits != 1000 {
		test.Fatalf("unexpected email top-up bounds: %+v", emailTopUp)
	}
	if emailTopUp.AutoThresholdUnits != 50 || emailTopUp.AutoRefillUnits != 500 || emailTopUp.AutoMonthlyLimit != 2 {
		test.Fatalf("unexpected email auto settings: %+v", emailTopUp)
	}
	walletTopUp, configured := plan.TopUpFor(credits.WalletKey)
	if !configured || walletTopUp.Mode != lifecycle.TopUpModeOnDemand || walletTopUp.MinUnits != 500 {
		test.Fatalf("unexpected wallet top-up: %+v", walletTopUp)
	}

	if catalog.DefaultPriceID() != catalogPriceID {
		test.Fatalf("expected default price %q, got %q", catalogPriceID, catalog.DefaultPriceID())
	}
	prices := catalog.Prices()
	if len(prices) != 2 || prices[0] != catalogFreePriceID || prices[1] != catalogPriceID {
		test.Fatalf("unexpected price list: %v", prices)
	}
}

func TestLoadAppliesDefaults(test *testing.T) {
	test.Parallel()
	catalog := mustCatalog(test, fullCatalogYAML)

	plan, interval, err := catalog.ResolvePrice(context.Background(), catalogFreePriceID)
	if err != nil {
		test.Fatalf("resolve price: %v", err)
	}
	if interval != lifecycle.IntervalMonth {
		test.Fatalf("expected month interval, got %q", interval)
	}
	if !plan.Free {
		test.Fatalf("expected free plan")
	}
	if plan.GrantTarget != lifecycle.GrantTargetSubscriber {
		test.Fatalf("expected subscriber default target, got %q", plan.GrantTarget)
	}
	if len(plan.Credits) != 1 || plan.Credits[0].OnRenewal != lifecycle.RenewalReset {
		test.Fatalf("expected reset default renewal, got %+v", plan.Credits)
	}
	if plan.Wallet.BaseCents != 0 {
		test.Fatalf("expected no wallet funding, got %+v", plan.Wallet)
	}
}

func TestLoadRejectsBrokenCatalogs(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		yaml string
	}{
		{name: "no plans", yaml: "default_price_id: \"\"\n"},
		{name: "bad interval", yaml: `
plans:
  price_x:
    interval: quarterly
`},
		{name: "unknown default price", yaml: `
default_price_id: price_missing
plans:
  price_x:
    interval: month
`},
		{name: "negative base units", yaml: `
plans:
  price_x:
    interval: month
    credits:
      - key: email_credits
        base_units: -5
`},
		{name: "wallet under credits", yaml: `
plans:
  price_x:
    interval: month
    credits:
      - key: wallet
        base_units: 100
`},
		{name: "bad renewal policy", yaml: `
plans:
  price_x:
    interval: month
    credits:
      - key: email_credits
        base_units: 10
        on_renewal: rollover
`},
		{name: "bad grant target", yaml: `
plans:
  price_x:
    interval: month
    grant_target: everyone
`},
		{name: "zero top-up price", yaml: `
plans:
  price_x:
    interval: month
    top_ups:
      email_credits:
        mode: on_demand
        price_per_unit_cents: 0
`},
		{name: "max below min", yaml: `
plans:
  price_x:
    interval: month
    top_ups:
      email_credits:
        mode: on_demand
        price_per_unit_cents: 1
        min_units: 100
        max_units: 50
`},
		{name: "auto without refill units", yaml: `
plans:
  price_x:
    interval: month
    top_ups:
      email_credits:
        mode: auto
        price_per_unit_cents: 1
        auto_threshold_units: 10
`},
		{name: "bad top-up mode", yaml: `
plans:
  price_x:
    interval: month
    top_ups:
      email_credits:
        mode: manual
        price_per_unit_cents: 1
`},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			path := writeCatalogFile(test, testCase.yaml)
			if _, err := Load(path); !errors.Is(err, ErrInvalidCatalog) {
				test.Fatalf(errorMismatchMessage, ErrInvalidCatalog, err)
			}
		})
	}
}

func TestLoadRejectsMissingFile(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "absent.yaml")
	if _, err := Load(path); !errors.Is(err, ErrInvalidCatalog) {
		test.Fatalf(errorMismatchMessage, ErrInvalidCatalog, err)
	}
}

func TestResolvePriceRejectsUnknownPrice(test *testing.T) {
	test.Parallel()
	catalog := mustCatalog(test, fullCatalogYAML)
	if _, _, err := catalog.ResolvePrice(context.Background(), "price_absent"); !errors.Is(err, lifecycle.ErrUnknownPrice) {
		test.Fatalf(errorMismatchMessage, lifecycle.ErrUnknownPrice, err)
	}
}

func TestSeatPlanSourceResolvesSeatedHolder(test *testing.T) {
	test.Parallel()
	catalog := mustCatalog(test, fullCatalogYAML)
	source, err := NewSeatPlanSource(catalog, &stubSeatLookup{subscriptionID: catalogSubscription, seated: true})
	if err != nil {
		test.Fatalf("new seat plan source: %v", err)
	}

	subscription, err := source.ActiveSubscription(context.Background(), catalogHolder)
	if err != nil {
		test.Fatalf("active subscription: %v", err)
	}
	if subscription.SubscriptionID != catalogSubscription {
		test.Fatalf("expected subscription %q, got %q", catalogSubscription, subscription.SubscriptionID)
	}
	if subscription.Plan.Name != "Pro" {
		test.Fatalf("expected default plan, got %+v", subscription.Plan)
	}
}

func TestSeatPlanSourceRejectsUnseatedHolder(test *testing.T) {
	test.Parallel()
	catalog := mustCatalog(test, fullCatalogYAML)
	source, err := NewSeatPlanSource(catalog, &stubSeatLookup{})
	if err != nil {
		test.Fatalf("new seat plan source: %v", err)
	}

	if _, err := source.ActiveSubscription(context.Background(), catalogHolder); !errors.Is(err, topup.ErrNoSubscription) {
		test.Fatalf(errorMismatchMessage, topup.ErrNoSubscription, err)
	}
}

func TestSeatPlanSourcePropagatesLookupError(test *testing.T) {
	test.Parallel()
	catalog := mustCatalog(test, fullCatalogYAML)
	lookupFailure := errors.New("seat lookup down")
	source, err := NewSeatPlanSource(catalog, &stubSeatLookup{err: lookupFailure})
	if err != nil {
		test.Fatalf("new seat plan source: %v", err)
	}

	if _, err := source.ActiveSubscription(context.Background(), catalogHolder); !errors.Is(err, lookupFailure) {
		test.Fatalf(errorMismatchMessage, lookupFailure, err)
	}
}

func TestNewSeatPlanSourceValidatesDependencies(test *testing.T) {
	test.Parallel()
	catalog := mustCatalog(test, fullCatalogYAML)
	lookup := &stubSeatLookup{}

	if _, err := NewSeatPlanSource(nil, lookup); !errors.Is(err, ErrInvalidPlanSource) {
		test.Fatalf(errorMismatchMessage, ErrInvalidPlanSource, err)
	}
	if _, err := NewSeatPlanSource(catalog, nil); !errors.Is(err, ErrInvalidPlanSource) {
		test.Fatalf(errorMismatchMessage, ErrInvalidPlanSource, err)
	}

	withoutDefault := mustCatalog(test, `
plans:
  price_x:
    interval: month
`)
	if _, err := NewSeatPlanSource(withoutDefault, lookup); !errors.Is(err, ErrNoDefaultPrice) {
		test.Fatalf(errorMismatchMessage, ErrNoDefaultPrice, err)
	}
}

func writeCatalogFile(test *testing.T, content string) string {
	test.Helper()
	path := filepath.Join(test.TempDir(), "plans.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		test.Fatalf("write catalog file: %v", err)
	}
	return path
}

func mustCatalog(test *testing.T, content string) *Catalog {
	test.Helper()
	catalog, err := Load(writeCatalogFile(test, content))
	if err != nil {
		test.Fatalf("load catalog: %v", err)
	}
	return catalog
}

func mustKey(test *testing.T, raw string) credits.CreditKey {
	test.Helper()
	key, err := credits.NewCreditKey(raw)
	if err != nil {
		test.Fatalf("credit key: %v", err)
	}
	return key
}

type stubSeatLookup struct {
	subscriptionID string
	seated         bool
	err            error
}

func (lookup *stubSeatLookup) SeatSourceForHolder(ctx context.Context, holder credits.HolderID) (string, bool, error) {
	if lookup.err != nil {
		return "", false, lookup.err
	}
	return lookup.subscriptionID, lookup.seated, nil
}
