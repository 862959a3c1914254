package topup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/lifecycle"
)

const (
	defaultCurrency = "usd"

	metadataHolderID  = "holder_id"
	metadataCreditKey = "credit_key"
	metadataUnits     = "units"
	metadataKind      = "kind"

	kindTopUp     = "top_up"
	kindAutoTopUp = "auto_top_up"

	descriptionTopUp     = "credit top-up"
	descriptionAutoTopUp = "automatic top-up"

	chargeMonthFormat = "200601"
)

// Engine replenishes credit balances by charging the holder's payment
// instrument, on demand or automatically below a threshold, and guards
// automatic attempts with the decline cooldown state machine.
type Engine struct {
	credits  *credits.Service
	failures FailureStore
	gateway  Gateway
	plans    PlanSource
	nowFn    func() time.Time
	currency string
	logger   *zap.Logger
}

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// WithCurrency overrides the charge currency. The default is usd.
func WithCurrency(currency string) EngineOption {
	return func(engine *Engine) {
		engine.currency = currency
	}
}

// WithLogger wires a structured logger. The default discards everything.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// NewEngine wires an Engine.
func NewEngine(creditService *credits.Service, failures FailureStore, gateway Gateway, plans PlanSource, now func() time.Time, options ...EngineOption) (*Engine, error) {
	if creditService == nil {
		return nil, fmt.Errorf("%w: credit service dependency is nil", ErrInvalidEngineConfig)
	}
	if failures == nil {
		return nil, fmt.Errorf("%w: failure store dependency is nil", ErrInvalidEngineConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidEngineConfig)
	}
	if plans == nil {
		return nil, fmt.Errorf("%w: plan source dependency is nil", ErrInvalidEngineConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{
		credits:  creditService,
		failures: failures,
		gateway:  gateway,
		plans:    plans,
		nowFn:    now,
		currency: defaultCurrency,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// TopUp purchases credit units on demand. Success grants immediately with
// a ledger idempotency key derived from the charge id, so the webhook
// confirmation of the same charge becomes a safe duplicate. A missing
// instrument or a declined charge returns a hosted-page recovery URL.
func (engine *Engine) TopUp(ctx context.Context, request TopUpRequest) (TopUpOutcome, error) {
	holder, err := credits.NewHolderID(request.HolderID)
	if err != nil {
		return TopUpOutcome{}, err
	}
	key, err := credits.NewCreditKey(request.Key)
	if err != nil {
		return TopUpOutcome{}, err
	}
	paymentIdempotencyKey := strings.TrimSpace(request.IdempotencyKey)
	if paymentIdempotencyKey == "" {
		return TopUpOutcome{}, fmt.Errorf("%w: on-demand charges deduplicate at the payment provider", ErrMissingIdempotencyKey)
	}
	subscription, err := engine.plans.ActiveSubscription(ctx, holder.String())
	if err != nil {
		return TopUpOutcome{}, err
	}
	config, configured := subscription.Plan.TopUpFor(key)
	if !configured || !config.OnDemandEnabled() {
		return TopUpOutcome{}, fmt.Errorf("%w: %s", ErrTopUpNotConfigured, key.String())
	}
	if request.Units <= 0 || request.Units < config.MinUnits || (config.MaxUnits > 0 && request.Units > config.MaxUnits) {
		return TopUpOutcome{}, fmt.Errorf("%w: %d units, allowed %d..%d", ErrUnitsOutOfRange, request.Units, config.MinUnits, config.MaxUnits)
	}
	amountCents := request.Units * config.PricePerUnitCents

	instrument, instrumentFound, err := engine.gateway.DefaultPaymentMethod(ctx, holder.String())
	if err != nil {
		return TopUpOutcome{}, err
	}
	if !instrumentFound {
		checkoutURL, err := engine.checkoutURL(ctx, holder, key, request.Units, amountCents)
		if err != nil {
			return TopUpOutcome{}, err
		}
		return TopUpOutcome{Status: StatusActionRequired, Trigger: TriggerNoPaymentMethod, RecoveryURL: checkoutURL}, nil
	}

	charge, err := engine.gateway.CreateCharge(ctx, ChargeRequest{
		AmountCents:     amountCents,
		Currency:        engine.currency,
		CustomerID:      instrument.CustomerID,
		PaymentMethodID: instrument.PaymentMethodID,
		IdempotencyKey:  paymentIdempotencyKey,
		Description:     descriptionTopUp,
		Metadata:        chargeMetadata(holder, key, request.Units, kindTopUp),
	})
	if err != nil {
		return TopUpOutcome{}, err
	}
	switch charge.Status {
	case ChargeSucceeded:
		balance, err := engine.grantCharge(ctx, holder, key, request.Units, credits.SourceTopUp, charge.ChargeID, charge.ChargeID, descriptionTopUp)
		if err != nil {
			return TopUpOutcome{}, err
		}
		if err := engine.failures.ClearFailure(ctx, holder.String(), key.String()); err != nil {
			return TopUpOutcome{}, err
		}
		return TopUpOutcome{
			Status:        StatusOK,
			Trigger:       TriggerCharged,
			ChargeID:      charge.ChargeID,
			AmountGranted: grantAmount(key, request.Units),
			Balance:       balance,
		}, nil
	case ChargeProcessing:
		return TopUpOutcome{Status: StatusPending, ChargeID: charge.ChargeID}, nil
	default:
		checkoutURL, err := engine.checkoutURL(ctx, holder, key, request.Units, amountCents)
		if err != nil {
			return TopUpOutcome{}, err
		}
		return TopUpOutcome{
			Status:      StatusActionRequired,
			Trigger:     TriggerDeclinedPayment,
			ChargeID:    charge.ChargeID,
			DeclineCode: charge.DeclineCode,
			RecoveryURL: checkoutURL,
		}, nil
	}
}

// MaybeAutoTopUp runs an automatic top-up when the balance has dropped
// below the configured threshold. Holders without a subscription or
// without auto top-up for the key are skipped silently so consumption
// paths never fail on replenishment concerns. A nil outcome means nothing
// was triggered.
func (engine *Engine) MaybeAutoTopUp(ctx context.Context, holder credits.HolderID, key credits.CreditKey, balance int64) (*AutoTopUpOutcome, error) {
	subscription, err := engine.plans.ActiveSubscription(ctx, holder.String())
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			return nil, nil
		}
		return nil, err
	}
	config, configured := subscription.Plan.TopUpFor(key)
	if !configured || !config.AutoEnabled() {
		return nil, nil
	}
	if balance >= config.AutoThresholdUnits {
		return nil, nil
	}
	outcome, err := engine.autoTopUp(ctx, holder, key, config)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// AutoTopUp forces one automatic top-up attempt for the pair, regardless
// of the current balance.
func (engine *Engine) AutoTopUp(ctx context.Context, holder credits.HolderID, key credits.CreditKey) (AutoTopUpOutcome, error) {
	subscription, err := engine.plans.ActiveSubscription(ctx, holder.String())
	if err != nil {
		return AutoTopUpOutcome{}, err
	}
	config, configured := subscription.Plan.TopUpFor(key)
	if !configured || !config.AutoEnabled() {
		return AutoTopUpOutcome{}, fmt.Errorf("%w: %s", ErrTopUpNotConfigured, key.String())
	}
	return engine.autoTopUp(ctx, holder, key, config)
}

func (engine *Engine) autoTopUp(ctx context.Context, holder credits.HolderID, key credits.CreditKey, config lifecycle.TopUpConfig) (AutoTopUpOutcome, error) {
	now := engine.nowFn().UTC()
	instrument, instrumentFound, err := engine.gateway.DefaultPaymentMethod(ctx, holder.String())
	if err != nil {
		return AutoTopUpOutcome{}, err
	}
	record, err := engine.failures.GetFailure(ctx, holder.String(), key.String())
	if err != nil {
		return AutoTopUpOutcome{}, err
	}
	if record != nil && instrumentFound && record.PaymentMethodID != "" && record.PaymentMethodID != instrument.PaymentMethodID {
		if err := engine.failures.ClearFailure(ctx, holder.String(), key.String()); err != nil {
			return AutoTopUpOutcome{}, err
		}
		engine.logger.Info("auto top-up block cleared by instrument change",
			zap.String("holder_id", holder.String()),
			zap.String("credit_key", key.String()))
		record = nil
	}
	decision := evaluateGate(record, now)
	if !decision.allowed {
		return decision.outcome, nil
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthlyCount, err := engine.credits.CountEntriesBySource(ctx, holder, key, credits.SourceAutoTopUp, monthStart)
	if err != nil {
		return AutoTopUpOutcome{}, err
	}
	if config.AutoMonthlyLimit > 0 && monthlyCount >= config.AutoMonthlyLimit {
		return AutoTopUpOutcome{Trigger: TriggerMonthlyLimit, Status: StatusWillRetry}, nil
	}
	if !instrumentFound {
		return AutoTopUpOutcome{Trigger: TriggerNoPaymentMethod, Status: StatusActionRequired}, nil
	}

	// The charge key repeats across concurrent triggers in the same
	// count window, so the provider collapses duplicates into one charge,
	// and it never varies by wall clock, so a failed attempt cannot dodge
	// the cooldown with a fresh key.
	chargeKey := autoChargeKey(holder, key, now, monthlyCount+1)
	charge, err := engine.gateway.CreateCharge(ctx, ChargeRequest{
		AmountCents:     config.AutoRefillUnits * config.PricePerUnitCents,
		Currency:        engine.currency,
		CustomerID:      instrument.CustomerID,
		PaymentMethodID: instrument.PaymentMethodID,
		IdempotencyKey:  chargeKey,
		Description:     descriptionAutoTopUp,
		Metadata:        chargeMetadata(holder, key, config.AutoRefillUnits, kindAutoTopUp),
	})
	if err != nil {
		engine.logger.Warn("auto top-up charge transport failure",
			zap.String("holder_id", holder.String()),
			zap.String("credit_key", key.String()),
			zap.Error(err))
		return AutoTopUpOutcome{Attempted: true, Trigger: TriggerUnexpectedError, Status: StatusWillRetry}, nil
	}
	switch charge.Status {
	case ChargeSucceeded:
		balance, err := engine.grantCharge(ctx, holder, key, config.AutoRefillUnits, credits.SourceAutoTopUp, charge.ChargeID, charge.ChargeID, descriptionAutoTopUp)
		if err != nil {
			return AutoTopUpOutcome{}, err
		}
		if err := engine.failures.ClearFailure(ctx, holder.String(), key.String()); err != nil {
			return AutoTopUpOutcome{}, err
		}
		return AutoTopUpOutcome{
			Attempted:     true,
			Charged:       true,
			Trigger:       TriggerCharged,
			Status:        StatusOK,
			AmountGranted: grantAmount(key, config.AutoRefillUnits),
			Balance:       balance,
		}, nil
	case ChargeFailed:
		return engine.recordDecline(ctx, holder, key, instrument, charge, now)
	default:
		engine.logger.Warn("auto top-up charge left processing",
			zap.String("holder_id", holder.String()),
			zap.String("charge_id", charge.ChargeID))
		return AutoTopUpOutcome{Attempted: true, Trigger: TriggerUnexpectedError, Status: StatusWillRetry}, nil
	}
}

// Status reports the auto-top-up state of one pair: configuration, block
// state, and this month's successful refill count.
func (engine *Engine) Status(ctx context.Context, holder credits.HolderID, key credits.CreditKey) (StatusReport, error) {
	report := StatusReport{Key: key.String()}
	subscription, err := engine.plans.ActiveSubscription(ctx, holder.String())
	if err != nil && !errors.Is(err, ErrNoSubscription) {
		return StatusReport{}, err
	}
	if err == nil {
		if config, configured := subscription.Plan.TopUpFor(key); configured {
			report.Mode = config.Mode
			report.MonthlyLimit = config.AutoMonthlyLimit
			report.Configured = config.AutoEnabled()
		}
	}
	now := engine.nowFn().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthlyCount, err := engine.credits.CountEntriesBySource(ctx, holder, key, credits.SourceAutoTopUp, monthStart)
	if err != nil {
		return StatusReport{}, err
	}
	report.MonthlyCount = monthlyCount
	record, err := engine.failures.GetFailure(ctx, holder.String(), key.String())
	if err != nil {
		return StatusReport{}, err
	}
	if record == nil {
		return report, nil
	}
	report.DeclineType = record.DeclineType
	report.DeclineCode = record.DeclineCode
	report.FailureCount = record.FailureCount
	report.LastFailureAt = record.LastFailureAt
	decision := evaluateGate(record, now)
	report.Blocked = !decision.allowed
	if decision.outcome.Trigger == TriggerCooldown {
		report.RetryAt = decision.outcome.RetryAt
	}
	return report, nil
}

// Unblock removes the failure record for one credit key.
func (engine *Engine) Unblock(ctx context.Context, holder credits.HolderID, key credits.CreditKey) error {
	return engine.failures.ClearFailure(ctx, holder.String(), key.String())
}

// UnblockAll removes every failure record the holder has.
func (engine *Engine) UnblockAll(ctx context.Context, holder credits.HolderID) error {
	return engine.failures.ClearFailuresForHolder(ctx, holder.String())
}

// ConfirmPaymentIntent grants the credits a settled payment intent paid
// for, keyed by the intent id. Charges already granted synchronously
// collapse on the idempotency key.
func (engine *Engine) ConfirmPaymentIntent(ctx context.Context, confirmation PaymentConfirmation) error {
	if strings.TrimSpace(confirmation.IntentID) == "" {
		return fmt.Errorf("%w: missing payment intent id", ErrInvalidConfirmation)
	}
	return engine.confirm(ctx, confirmation, strings.TrimSpace(confirmation.IntentID))
}

// ConfirmCheckoutSession grants the credits purchased through a hosted
// checkout, keyed by the session's payment intent when present and the
// session id otherwise.
func (engine *Engine) ConfirmCheckoutSession(ctx context.Context, confirmation PaymentConfirmation) error {
	grantKeyID := strings.TrimSpace(confirmation.IntentID)
	if grantKeyID == "" {
		grantKeyID = strings.TrimSpace(confirmation.SessionID)
	}
	if grantKeyID == "" {
		return fmt.Errorf("%w: missing checkout session id", ErrInvalidConfirmation)
	}
	return engine.confirm(ctx, confirmation, grantKeyID)
}

func (engine *Engine) confirm(ctx context.Context, confirmation PaymentConfirmation, grantKeyID string) error {
	holder, err := credits.NewHolderID(confirmation.Metadata[metadataHolderID])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfirmation, err)
	}
	key, err := credits.NewCreditKey(confirmation.Metadata[metadataCreditKey])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfirmation, err)
	}
	units, err := strconv.ParseInt(strings.TrimSpace(confirmation.Metadata[metadataUnits]), 10, 64)
	if err != nil || units <= 0 {
		return fmt.Errorf("%w: units %q", ErrInvalidConfirmation, confirmation.Metadata[metadataUnits])
	}
	source := credits.SourceTopUp
	description := descriptionTopUp
	if confirmation.Metadata[metadataKind] == kindAutoTopUp {
		source = credits.SourceAutoTopUp
		description = descriptionAutoTopUp
	}
	sourceID := strings.TrimSpace(confirmation.IntentID)
	if sourceID == "" {
		sourceID = grantKeyID
	}
	if _, err := engine.grantCharge(ctx, holder, key, units, source, sourceID, grantKeyID, description); err != nil {
		return err
	}
	return engine.failures.ClearFailure(ctx, holder.String(), key.String())
}

func (engine *Engine) recordDecline(ctx context.Context, holder credits.HolderID, key credits.CreditKey, instrument PaymentMethod, charge ChargeResult, now time.Time) (AutoTopUpOutcome, error) {
	declineType := ClassifyDeclineCode(charge.DeclineCode)
	stored, err := engine.failures.RecordFailure(ctx, FailureRecord{
		HolderID:        holder.String(),
		Key:             key.String(),
		PaymentMethodID: instrument.PaymentMethodID,
		DeclineType:     declineType,
		DeclineCode:     charge.DeclineCode,
		LastFailureAt:   now,
		Disabled:        true,
	})
	if err != nil {
		return AutoTopUpOutcome{}, err
	}
	outcome := AutoTopUpOutcome{
		Attempted:    true,
		Trigger:      TriggerDeclinedPayment,
		DeclineType:  stored.DeclineType,
		DeclineCode:  stored.DeclineCode,
		FailureCount: stored.FailureCount,
	}
	if declineType == DeclineHard || stored.FailureCount >= softFailureEscalation {
		outcome.Status = StatusActionRequired
		return outcome, nil
	}
	outcome.Status = StatusWillRetry
	outcome.RetryAt = stored.LastFailureAt.Add(retryCooldown)
	return outcome, nil
}

// grantCharge writes the ledger grant for a settled charge. The grant key
// is derived from the charge id, so the synchronous and webhook paths for
// the same charge collapse onto one ledger entry.
func (engine *Engine) grantCharge(ctx context.Context, holder credits.HolderID, key credits.CreditKey, units int64, source credits.Source, chargeID string, grantKeyID string, description string) (int64, error) {
	amount, err := credits.NewAmount(grantAmount(key, units))
	if err != nil {
		return 0, err
	}
	idempotencyKey, err := credits.NewIdempotencyKey(chargeGrantKey(grantKeyID))
	if err != nil {
		return 0, err
	}
	balance, err := engine.credits.Grant(ctx, holder, key, amount, credits.MutationDetails{
		Source:         source,
		SourceID:       chargeID,
		Description:    description,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if errors.Is(err, credits.ErrIdempotencyConflict) {
			engine.logger.Debug("charge already granted",
				zap.String("charge_id", chargeID),
				zap.String("holder_id", holder.String()))
			return engine.credits.Balance(ctx, holder, key)
		}
		return 0, err
	}
	return balance, nil
}

func (engine *Engine) checkoutURL(ctx context.Context, holder credits.HolderID, key credits.CreditKey, units int64, amountCents int64) (string, error) {
	return engine.gateway.CheckoutURL(ctx, CheckoutRequest{
		Kind:        CheckoutPurchase,
		HolderID:    holder.String(),
		CreditKey:   key.String(),
		Units:       units,
		AmountCents: amountCents,
		Currency:    engine.currency,
	})
}

func chargeMetadata(holder credits.HolderID, key credits.CreditKey, units int64, kind string) map[string]string {
	return map[string]string{
		metadataHolderID:  holder.String(),
		metadataCreditKey: key.String(),
		metadataUnits:     strconv.FormatInt(units, 10),
		metadataKind:      kind,
	}
}

func grantAmount(key credits.CreditKey, units int64) int64 {
	if key.IsWallet() {
		return units * credits.WalletMilliCentsPerCent
	}
	return units
}

func chargeGrantKey(chargeID string) string {
	return fmt.Sprintf("topup_charge_%s", chargeID)
}

func autoChargeKey(holder credits.HolderID, key credits.CreditKey, month time.Time, attempt int64) string {
	return fmt.Sprintf("auto_topup_%s_%s_%s_%d", holder.String(), key.String(), month.Format(chargeMonthFormat), attempt)
}
