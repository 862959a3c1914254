// Package httpserver is the HTTP facade over the credit ledger, the
// subscription lifecycle and the top-up engine. Holder-facing routes ride
// tauth session cookies; service routes authenticate with a shared-secret
// bearer token.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/lifecycle"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/topup"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

var errMissingDependency = errors.New("missing dependency")

// Dependencies carries the wired services the facade fronts.
type Dependencies struct {
	Logger       *zap.Logger
	Credits      *credits.Service
	Orchestrator *lifecycle.Orchestrator
	TopUps       *topup.Engine
}

func (deps *Dependencies) validate() error {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Credits == nil {
		return fmt.Errorf("%w: credit service", errMissingDependency)
	}
	if deps.Orchestrator == nil {
		return fmt.Errorf("%w: lifecycle orchestrator", errMissingDependency)
	}
	if deps.TopUps == nil {
		return fmt.Errorf("%w: top-up engine", errMissingDependency)
	}
	return nil
}

// Run boots the HTTP facade and serves until the context is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := deps.validate(); err != nil {
		return err
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:       deps.Logger,
		credits:      deps.Credits,
		orchestrator: deps.Orchestrator,
		topUps:       deps.TopUps,
		cfg:          cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("creditwallet api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/balances", handler.handleBalances)
	api.GET("/balances/:key", handler.handleBalance)
	api.GET("/history", handler.handleHistory)
	api.POST("/topups", handler.handleTopUp)
	api.GET("/auto-topup/:key", handler.handleTopUpStatus)

	internal := router.Group("/internal")
	internal.Use(serviceAuthMiddleware([]byte(cfg.ServiceSigningKey), cfg.ServiceIssuer))

	internal.POST("/credits/grant", handler.handleGrant)
	internal.POST("/credits/consume", handler.handleConsume)
	internal.POST("/credits/revoke", handler.handleRevoke)
	internal.POST("/credits/revoke-all", handler.handleRevokeAll)
	internal.POST("/credits/set-balance", handler.handleSetBalance)
	internal.POST("/seats/add", handler.handleSeatAdd)
	internal.POST("/seats/remove", handler.handleSeatRemove)
	internal.POST("/events/subscription", handler.handleSubscriptionEvent)
	internal.POST("/payments/intent-succeeded", handler.handleIntentSucceeded)
	internal.POST("/payments/checkout-completed", handler.handleCheckoutCompleted)
	internal.POST("/auto-topup/unblock", handler.handleUnblock)

	return router
}

type httpHandler struct {
	logger       *zap.Logger
	credits      *credits.Service
	orchestrator *lifecycle.Orchestrator
	topUps       *topup.Engine
	cfg          Config
}

func (handler *httpHandler) handleBalances(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	holder, err := credits.NewHolderID(claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	snapshots, err := handler.credits.Balances(requestCtx, holder)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]balancePayload, 0, len(snapshots))
	for _, snapshot := range snapshots {
		payload = append(payload, balancePayload{
			Key:       snapshot.Key.String(),
			Balance:   snapshot.Balance,
			UpdatedAt: formatTime(snapshot.UpdatedAt),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"balances": payload})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	holder, key, err := holderAndKey(claims.GetUserID(), ctx.Param("key"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.credits.Balance(requestCtx, holder, key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"key": key.String(), "balance": balance})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	holder, err := credits.NewHolderID(claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	query := credits.HistoryQuery{}
	if rawKey := ctx.Query("key"); rawKey != "" {
		key, err := credits.NewCreditKey(rawKey)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		query.Key = &key
	}
	if rawBeforeID := ctx.Query("before_id"); rawBeforeID != "" {
		beforeID, err := strconv.ParseInt(rawBeforeID, 10, 64)
		if err != nil || beforeID < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cursor", "before_id must be a non-negative integer"))
			return
		}
		query.BeforeID = beforeID
	}
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		query.Limit = limit
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	page, err := handler.credits.History(requestCtx, holder, query)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entries := make([]entryPayload, 0, len(page.Entries))
	for _, entry := range page.Entries {
		entries = append(entries, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"entries":        entries,
		"next_before_id": page.NextBeforeID,
	})
}

func (handler *httpHandler) handleTopUp(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request topUpRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	idempotencyKey := request.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("topup:%s", uuid.NewString())
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	outcome, err := handler.topUps.TopUp(requestCtx, topup.TopUpRequest{
		HolderID:       claims.GetUserID(),
		Key:            request.Key,
		Units:          request.Units,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, topUpOutcomePayload{
		Status:        string(outcome.Status),
		Trigger:       string(outcome.Trigger),
		ChargeID:      outcome.ChargeID,
		DeclineCode:   outcome.DeclineCode,
		RecoveryURL:   outcome.RecoveryURL,
		AmountGranted: outcome.AmountGranted,
		Balance:       outcome.Balance,
	})
}

func (handler *httpHandler) handleTopUpStatus(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	holder, key, err := holderAndKey(claims.GetUserID(), ctx.Param("key"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	report, err := handler.topUps.Status(requestCtx, holder, key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, statusReportPayload{
		Key:           report.Key,
		Configured:    report.Configured,
		Mode:          string(report.Mode),
		Blocked:       report.Blocked,
		DeclineType:   string(report.DeclineType),
		DeclineCode:   report.DeclineCode,
		FailureCount:  report.FailureCount,
		LastFailureAt: formatTime(report.LastFailureAt),
		RetryAt:       formatTime(report.RetryAt),
		MonthlyCount:  report.MonthlyCount,
		MonthlyLimit:  report.MonthlyLimit,
	})
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case isValidationError(err):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, credits.ErrIdempotencyConflict):
		ctx.JSON(http.StatusConflict, errorResponse("idempotency_conflict", "operation already applied"))
	case errors.Is(err, lifecycle.ErrHolderAlreadySeated):
		ctx.JSON(http.StatusConflict, errorResponse("already_seated", err.Error()))
	case errors.Is(err, topup.ErrNoSubscription):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("no_subscription", err.Error()))
	case errors.Is(err, topup.ErrTopUpNotConfigured):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("topup_not_configured", err.Error()))
	case errors.Is(err, lifecycle.ErrNotSeatPlan):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("not_seat_plan", err.Error()))
	case errors.Is(err, lifecycle.ErrUnknownPrice):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("unknown_price", err.Error()))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "operation failed"))
	}
}

func isValidationError(err error) bool {
	validationErrors := []error{
		credits.ErrInvalidHolderID,
		credits.ErrInvalidCreditKey,
		credits.ErrInvalidAmount,
		credits.ErrInvalidBalance,
		credits.ErrInvalidIdempotencyKey,
		credits.ErrInvalidMetadataJSON,
		credits.ErrInvalidSource,
		credits.ErrInvalidSourceID,
		lifecycle.ErrInvalidSubscription,
		lifecycle.ErrInvalidInvoiceID,
		lifecycle.ErrInvalidPriceID,
		topup.ErrUnitsOutOfRange,
		topup.ErrMissingIdempotencyKey,
		topup.ErrInvalidConfirmation,
	}
	for _, validationError := range validationErrors {
		if errors.Is(err, validationError) {
			return true
		}
	}
	return false
}

func holderAndKey(rawHolder string, rawKey string) (credits.HolderID, credits.CreditKey, error) {
	holder, err := credits.NewHolderID(rawHolder)
	if err != nil {
		return credits.HolderID{}, credits.CreditKey{}, err
	}
	key, err := credits.NewCreditKey(rawKey)
	if err != nil {
		return credits.HolderID{}, credits.CreditKey{}, err
	}
	return holder, key, nil
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func entryPayloadFrom(entry credits.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.ID,
		Key:            entry.Key,
		Amount:         entry.Amount,
		BalanceAfter:   entry.BalanceAfter,
		Type:           string(entry.Type),
		Source:         string(entry.Source),
		SourceID:       entry.SourceID,
		Description:    entry.Description,
		Metadata:       json.RawMessage(entry.Metadata),
		IdempotencyKey: entry.IdempotencyKey,
		CreatedUnixUTC: entry.CreatedAt.UTC().Unix(),
	}
}

type topUpRequestBody struct {
	Key            string `json:"key"`
	Units          int64  `json:"units"`
	IdempotencyKey string `json:"idempotency_key"`
}

type topUpOutcomePayload struct {
	Status        string `json:"status"`
	Trigger       string `json:"trigger"`
	ChargeID      string `json:"charge_id,omitempty"`
	DeclineCode   string `json:"decline_code,omitempty"`
	RecoveryURL   string `json:"recovery_url,omitempty"`
	AmountGranted int64  `json:"amount_granted"`
	Balance       int64  `json:"balance"`
}

type statusReportPayload struct {
	Key           string `json:"key"`
	Configured    bool   `json:"configured"`
	Mode          string `json:"mode,omitempty"`
	Blocked       bool   `json:"blocked"`
	DeclineType   string `json:"decline_type,omitempty"`
	DeclineCode   string `json:"decline_code,omitempty"`
	FailureCount  int64  `json:"failure_count"`
	LastFailureAt string `json:"last_failure_at,omitempty"`
	RetryAt       string `json:"retry_at,omitempty"`
	MonthlyCount  int64  `json:"monthly_count"`
	MonthlyLimit  int64  `json:"monthly_limit"`
}

type balancePayload struct {
	Key       string `json:"key"`
	Balance   int64  `json:"balance"`
	UpdatedAt string `json:"updated_at"`
}

type entryPayload struct {
	EntryID        int64           `json:"entry_id"`
	Key            string          `json:"key"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	Type           string          `json:"type"`
	Source         string          `json:"source"`
	SourceID       string          `json:"source_id,omitempty"`
	Description    string          `json:"description,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
