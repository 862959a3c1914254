// Package paymentgw talks to the payment bridge service over HTTP. The
// bridge owns the provider SDK and its secret keys; this process only ever
// sees instrument handles, charge outcomes and hosted page URLs.
package paymentgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/topup"
	"go.uber.org/zap"
)

var (
	ErrInvalidClientConfig = errors.New("invalid payment bridge config")
	ErrBridgeStatus        = errors.New("unexpected payment bridge status")
	ErrBridgeResponse      = errors.New("invalid payment bridge response")
)

const (
	defaultRequestTimeout = 30 * time.Second

	pathDefaultPaymentMethod = "/v1/payment-methods/default"
	pathCharges              = "/v1/charges"
	pathCheckoutSessions     = "/v1/checkout-sessions"

	headerIdempotencyKey = "Idempotency-Key"
)

// Client implements topup.Gateway against the bridge's JSON API.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption adjusts optional client behavior.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithLogger attaches a logger for request diagnostics.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// New validates the bridge address and returns a ready client. The token is
// sent as a bearer credential on every request; empty disables the header.
func New(baseURL string, authToken string, options ...ClientOption) (*Client, error) {
	trimmedBaseURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBaseURL == "" {
		return nil, fmt.Errorf("%w: empty base url", ErrInvalidClientConfig)
	}
	if _, err := url.Parse(trimmedBaseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	client := &Client{
		baseURL:    trimmedBaseURL,
		authToken:  strings.TrimSpace(authToken),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}

type paymentMethodResponse struct {
	CustomerID      string `json:"customer_id"`
	PaymentMethodID string `json:"payment_method_id"`
}

type chargePayload struct {
	AmountCents     int64             `json:"amount_cents"`
	Currency        string            `json:"currency"`
	CustomerID      string            `json:"customer_id"`
	PaymentMethodID string            `json:"payment_method_id"`
	IdempotencyKey  string            `json:"idempotency_key"`
	Description     string            `json:"description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type chargeResponse struct {
	Status      string `json:"status"`
	ChargeID    string `json:"charge_id"`
	DeclineCode string `json:"decline_code,omitempty"`
}

type checkoutPayload struct {
	Kind        string `json:"kind"`
	HolderID    string `json:"holder_id"`
	CreditKey   string `json:"credit_key,omitempty"`
	Units       int64  `json:"units,omitempty"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

type checkoutResponse struct {
	URL string `json:"url"`
}

// DefaultPaymentMethod reports the holder's stored instrument. A bridge 404
// means the holder has none, which is not an error.
func (client *Client) DefaultPaymentMethod(ctx context.Context, holderID string) (topup.PaymentMethod, bool, error) {
	requestURL := client.baseURL + pathDefaultPaymentMethod + "?holder_id=" + url.QueryEscape(holderID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return topup.PaymentMethod{}, false, err
	}
	client.decorate(request, "")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return topup.PaymentMethod{}, false, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return topup.PaymentMethod{}, false, nil
	}
	if response.StatusCode != http.StatusOK {
		return topup.PaymentMethod{}, false, fmt.Errorf("%w: %d on %s", ErrBridgeStatus, response.StatusCode, pathDefaultPaymentMethod)
	}
	var decoded paymentMethodResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return topup.PaymentMethod{}, false, fmt.Errorf("%w: %v", ErrBridgeResponse, err)
	}
	if decoded.PaymentMethodID == "" {
		return topup.PaymentMethod{}, false, nil
	}
	return topup.PaymentMethod{
		CustomerID:      decoded.CustomerID,
		PaymentMethodID: decoded.PaymentMethodID,
	}, true, nil
}

// CreateCharge submits an immediate charge. Declines come back as a failed
// ChargeResult, not as an error; errors mean the outcome is unknown.
func (client *Client) CreateCharge(ctx context.Context, chargeRequest topup.ChargeRequest) (topup.ChargeResult, error) {
	payload := chargePayload{
		AmountCents:     chargeRequest.AmountCents,
		Currency:        chargeRequest.Currency,
		CustomerID:      chargeRequest.CustomerID,
		PaymentMethodID: chargeRequest.PaymentMethodID,
		IdempotencyKey:  chargeRequest.IdempotencyKey,
		Description:     chargeRequest.Description,
		Metadata:        chargeRequest.Metadata,
	}
	var decoded chargeResponse
	if err := client.postJSON(ctx, pathCharges, chargeRequest.IdempotencyKey, payload, &decoded); err != nil {
		return topup.ChargeResult{}, err
	}
	status, err := parseChargeStatus(decoded.Status)
	if err != nil {
		return topup.ChargeResult{}, err
	}
	if decoded.ChargeID == "" {
		return topup.ChargeResult{}, fmt.Errorf("%w: missing charge id", ErrBridgeResponse)
	}
	client.logger.Debug("charge submitted",
		zap.String("charge_id", decoded.ChargeID),
		zap.String("status", decoded.Status))
	return topup.ChargeResult{
		Status:      status,
		ChargeID:    decoded.ChargeID,
		DeclineCode: decoded.DeclineCode,
	}, nil
}

// CheckoutURL asks the bridge for a hosted page.
func (client *Client) CheckoutURL(ctx context.Context, checkoutRequest topup.CheckoutRequest) (string, error) {
	payload := checkoutPayload{
		Kind:        string(checkoutRequest.Kind),
		HolderID:    checkoutRequest.HolderID,
		CreditKey:   checkoutRequest.CreditKey,
		Units:       checkoutRequest.Units,
		AmountCents: checkoutRequest.AmountCents,
		Currency:    checkoutRequest.Currency,
	}
	var decoded checkoutResponse
	if err := client.postJSON(ctx, pathCheckoutSessions, "", payload, &decoded); err != nil {
		return "", err
	}
	if decoded.URL == "" {
		return "", fmt.Errorf("%w: missing checkout url", ErrBridgeResponse)
	}
	return decoded.URL, nil
}

func (client *Client) postJSON(ctx context.Context, path string, idempotencyKey string, payload any, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	client.decorate(request, idempotencyKey)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: %d on %s", ErrBridgeStatus, response.StatusCode, path)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeResponse, err)
	}
	return nil
}

func (client *Client) decorate(request *http.Request, idempotencyKey string) {
	request.Header.Set("Content-Type", "application/json")
	if client.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+client.authToken)
	}
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
}

func parseChargeStatus(raw string) (topup.ChargeStatus, error) {
	switch topup.ChargeStatus(raw) {
	case topup.ChargeSucceeded, topup.ChargeProcessing, topup.ChargeFailed:
		return topup.ChargeStatus(raw), nil
	}
	return "", fmt.Errorf("%w: charge status %q", ErrBridgeResponse, raw)
}
