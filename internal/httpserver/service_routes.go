package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/lifecycle"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/topup"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventSubscriptionCreated   = "created"
	eventSubscriptionRenewed   = "renewed"
	eventSubscriptionCancelled = "cancelled"
	eventPlanChanged           = "plan_changed"
	eventDowngradeApplied      = "downgrade_applied"
)

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	var request mutationRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	holder, key, err := holderAndKey(request.HolderID, request.Key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := credits.NewAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	details, err := buildMutationDetails(request, credits.SourceAdmin)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.credits.Grant(requestCtx, holder, key, amount, details)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance})
}

// handleConsume spends credits and, when the spend lands, gives the top-up
// engine a chance to refill a balance that dropped below its threshold. The
// refill outcome rides along in the response; its failure never fails the
// consume that already happened.
func (handler *httpHandler) handleConsume(ctx *gin.Context) {
	var request mutationRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	holder, key, err := holderAndKey(request.HolderID, request.Key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := credits.NewAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	details, err := buildMutationDetails(request, credits.SourceUsage)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.credits.Consume(requestCtx, holder, key, amount, details)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{"consumed": result.Consumed, "balance": result.Balance}
	if result.Consumed {
		outcome, autoErr := handler.topUps.MaybeAutoTopUp(requestCtx, holder, key, result.Balance)
		if autoErr != nil {
			handler.logger.Warn("auto top-up check failed",
				zap.String("holder_id", holder.String()),
				zap.String("credit_key", key.String()),
				zap.Error(autoErr))
		} else if outcome != nil {
			response["auto_topup"] = autoTopUpPayloadFrom(*outcome)
		}
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleRevoke(ctx *gin.Context) {
	var request mutationRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	holder, key, err := holderAndKey(request.HolderID, request.Key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	maxAmount, err := credits.NewAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	details, err := buildMutationDetails(request, credits.SourceAdmin)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	revoked, err := handler.credits.Revoke(requestCtx, holder, key, maxAmount, details)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

func (handler *httpHandler) handleRevokeAll(ctx *gin.Context) {
	var request mutationRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	holder, err := credits.NewHolderID(request.HolderID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	details, err := buildMutationDetails(request, credits.SourceAdmin)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if strings.TrimSpace(request.Key) == "" {
		revoked, err := handler.credits.RevokeAllForHolder(requestCtx, holder, details)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		byKey := make(map[string]int64, len(revoked))
		for key, amount := range revoked {
			byKey[key.String()] = amount
		}
		ctx.JSON(http.StatusOK, gin.H{"revoked": byKey})
		return
	}

	key, err := credits.NewCreditKey(request.Key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	revoked, err := handler.credits.RevokeAll(requestCtx, holder, key, details)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

func (handler *httpHandler) handleSetBalance(ctx *gin.Context) {
	var request mutationRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	holder, key, err := holderAndKey(request.HolderID, request.Key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	details, err := buildMutationDetails(request, credits.SourceAdmin)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.credits.SetBalance(requestCtx, holder, key, request.Balance, details)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (handler *httpHandler) handleSeatAdd(ctx *gin.Context) {
	var request seatRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.orchestrator.AddSeat(requestCtx, subscriptionFrom(request.Subscription), request.MemberID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleSeatRemove(ctx *gin.Context) {
	var request seatRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.orchestrator.RemoveSeat(requestCtx, subscriptionFrom(request.Subscription), request.MemberID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleSubscriptionEvent(ctx *gin.Context) {
	var request subscriptionEventBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	subscription := subscriptionFrom(request.Subscription)

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	var err error
	switch request.Type {
	case eventSubscriptionCreated:
		err = handler.orchestrator.HandleSubscriptionCreated(requestCtx, subscription)
	case eventSubscriptionRenewed:
		err = handler.orchestrator.HandleSubscriptionRenewed(requestCtx, subscription, request.InvoiceID)
	case eventSubscriptionCancelled:
		err = handler.orchestrator.HandleSubscriptionCancelled(requestCtx, subscription)
	case eventPlanChanged:
		err = handler.orchestrator.HandleSubscriptionPlanChanged(requestCtx, subscription, request.PreviousPriceID)
	case eventDowngradeApplied:
		err = handler.orchestrator.HandleDowngradeApplied(requestCtx, subscription, request.NewPriceID)
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_event", "unsupported subscription event type"))
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleIntentSucceeded(ctx *gin.Context) {
	var request paymentEventBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	err := handler.topUps.ConfirmPaymentIntent(requestCtx, topup.PaymentConfirmation{
		IntentID:  request.IntentID,
		SessionID: request.SessionID,
		Metadata:  request.Metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleCheckoutCompleted(ctx *gin.Context) {
	var request paymentEventBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	err := handler.topUps.ConfirmCheckoutSession(requestCtx, topup.PaymentConfirmation{
		IntentID:  request.IntentID,
		SessionID: request.SessionID,
		Metadata:  request.Metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleUnblock(ctx *gin.Context) {
	var request unblockRequestBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	holder, err := credits.NewHolderID(request.HolderID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if strings.TrimSpace(request.Key) == "" {
		if err := handler.topUps.UnblockAll(requestCtx, holder); err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	key, err := credits.NewCreditKey(request.Key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.topUps.Unblock(requestCtx, holder, key); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func buildMutationDetails(request mutationRequestBody, fallbackSource credits.Source) (credits.MutationDetails, error) {
	source := fallbackSource
	if strings.TrimSpace(request.Source) != "" {
		parsed, err := credits.ParseSource(request.Source)
		if err != nil {
			return credits.MutationDetails{}, err
		}
		source = parsed
	}
	metadata, err := metadataFromMap(request.Metadata)
	if err != nil {
		return credits.MutationDetails{}, err
	}
	details := credits.MutationDetails{
		Source:      source,
		SourceID:    request.SourceID,
		Description: request.Description,
		Metadata:    metadata,
	}
	if strings.TrimSpace(request.IdempotencyKey) != "" {
		key, err := credits.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			return credits.MutationDetails{}, err
		}
		details.IdempotencyKey = key
	}
	return details, nil
}

func metadataFromMap(values map[string]any) (credits.MetadataJSON, error) {
	if len(values) == 0 {
		return credits.MetadataJSON{}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return credits.MetadataJSON{}, err
	}
	return credits.NewMetadataJSON(string(raw))
}

func subscriptionFrom(payload subscriptionPayload) lifecycle.Subscription {
	return lifecycle.Subscription{
		ID:       payload.ID,
		HolderID: payload.HolderID,
		PriceID:  payload.PriceID,
		Metadata: payload.Metadata,
	}
}

func autoTopUpPayloadFrom(outcome topup.AutoTopUpOutcome) autoTopUpPayload {
	return autoTopUpPayload{
		Attempted:     outcome.Attempted,
		Charged:       outcome.Charged,
		Trigger:       string(outcome.Trigger),
		Status:        string(outcome.Status),
		DeclineCode:   outcome.DeclineCode,
		FailureCount:  outcome.FailureCount,
		RetryAt:       formatTime(outcome.RetryAt),
		AmountGranted: outcome.AmountGranted,
		Balance:       outcome.Balance,
	}
}

type mutationRequestBody struct {
	HolderID       string         `json:"holder_id"`
	Key            string         `json:"key"`
	Amount         int64          `json:"amount"`
	Balance        int64          `json:"balance"`
	Source         string         `json:"source"`
	SourceID       string         `json:"source_id"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type seatRequestBody struct {
	Subscription subscriptionPayload `json:"subscription"`
	MemberID     string              `json:"member_id"`
}

type subscriptionPayload struct {
	ID       string            `json:"id"`
	HolderID string            `json:"holder_id"`
	PriceID  string            `json:"price_id"`
	Metadata map[string]string `json:"metadata"`
}

type subscriptionEventBody struct {
	Type            string              `json:"type"`
	Subscription    subscriptionPayload `json:"subscription"`
	InvoiceID       string              `json:"invoice_id"`
	PreviousPriceID string              `json:"previous_price_id"`
	NewPriceID      string              `json:"new_price_id"`
}

type paymentEventBody struct {
	IntentID  string            `json:"intent_id"`
	SessionID string            `json:"session_id"`
	Metadata  map[string]string `json:"metadata"`
}

type unblockRequestBody struct {
	HolderID string `json:"holder_id"`
	Key      string `json:"key"`
}

type autoTopUpPayload struct {
	Attempted     bool   `json:"attempted"`
	Charged       bool   `json:"charged"`
	Trigger       string `json:"trigger"`
	Status        string `json:"status"`
	DeclineCode   string `json:"decline_code,omitempty"`
	FailureCount  int64  `json:"failure_count,omitempty"`
	RetryAt       string `json:"retry_at,omitempty"`
	AmountGranted int64  `json:"amount_granted"`
	Balance       int64  `json:"balance"`
}
