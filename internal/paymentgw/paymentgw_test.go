package paymentgw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/topup"
)

const (
	bridgeToken    = "bridge-secret"
	bridgeHolder   = "user-1"
	bridgeCustomer = "cus_1"
	bridgeMethod   = "pm_1"
	bridgeCharge   = "ch_1"
)

func TestDefaultPaymentMethodRoundTrip(t *testing.T) {
	client := newBridgeClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != pathDefaultPaymentMethod {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("holder_id") != bridgeHolder {
			t.Errorf("unexpected holder query %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer "+bridgeToken {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		writeJSON(t, w, map[string]string{
			"customer_id":       bridgeCustomer,
			"payment_method_id": bridgeMethod,
		})
	})

	method, found, err := client.DefaultPaymentMethod(context.Background(), bridgeHolder)
	if err != nil {
		t.Fatalf("default payment method: %v", err)
	}
	if !found {
		t.Fatalf("expected instrument to be found")
	}
	if method.CustomerID != bridgeCustomer || method.PaymentMethodID != bridgeMethod {
		t.Fatalf("unexpected instrument: %+v", method)
	}
}

func TestDefaultPaymentMethodAbsentOnNotFound(t *testing.T) {
	client := newBridgeClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, found, err := client.DefaultPaymentMethod(context.Background(), bridgeHolder)
	if err != nil {
		t.Fatalf("default payment method: %v", err)
	}
	if found {
		t.Fatalf("expected no instrument on 404")
	}
}

func TestCreateChargeSendsIdempotencyHeader(t *testing.T) {
	client := newBridgeClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != pathCharges {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(headerIdempotencyKey) != "charge-key-1" {
			t.Errorf("missing idempotency header, got %q", r.Header.Get(headerIdempotencyKey))
		}
		var payload chargePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode charge payload: %v", err)
		}
		if payload.AmountCents != 400 || payload.PaymentMethodID != bridgeMethod {
			t.Errorf("unexpected charge payload: %+v", payload)
		}
		if payload.Metadata["credit_key"] != "email_credits" {
			t.Errorf("missing metadata, got %+v", payload.Metadata)
		}
		writeJSON(t, w, map[string]string{"status": "succeeded", "charge_id": bridgeCharge})
	})

	result, err := client.CreateCharge(context.Background(), topup.ChargeRequest{
		AmountCents:     400,
		Currency:        "usd",
		CustomerID:      bridgeCustomer,
		PaymentMethodID: bridgeMethod,
		IdempotencyKey:  "charge-key-1",
		Metadata:        map[string]string{"credit_key": "email_credits"},
	})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	if result.Status != topup.ChargeSucceeded || result.ChargeID != bridgeCharge {
		t.Fatalf("unexpected charge result: %+v", result)
	}
}

func TestCreateChargeMapsDecline(t *testing.T) {
	client := newBridgeClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{
			"status":       "failed",
			"charge_id":    bridgeCharge,
			"decline_code": "insufficient_funds",
		})
	})

	result, err := client.CreateCharge(context.Background(), topup.ChargeRequest{AmountCents: 100})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	if result.Status != topup.ChargeFailed || result.DeclineCode != "insufficient_funds" {
		t.Fatalf("unexpected decline result: %+v", result)
	}
}

func TestCreateChargeRejectsUnknownStatus(t *testing.T) {
	client := newBridgeClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"status": "on_hold", "charge_id": bridgeCharge})
	})

	if _, err := client.CreateCharge(context.Background(), topup.ChargeRequest{AmountCents: 100}); !errors.Is(err, ErrBridgeResponse) {
		t.Fatalf("expected %v, got %v", ErrBridgeResponse, err)
	}
}

func TestBridgeErrorStatusSurfaces(t *testing.T) {
	client := newBridgeClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := client.CreateCharge(context.Background(), topup.ChargeRequest{AmountCents: 100}); !errors.Is(err, ErrBridgeStatus) {
		t.Fatalf("expected %v, got %v", ErrBridgeStatus, err)
	}
}

func TestCheckoutURLRoundTrip(t *testing.T) {
	client := newBridgeClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathCheckoutSessions {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload checkoutPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode checkout payload: %v", err)
		}
		if payload.Kind != string(topup.CheckoutPurchase) || payload.HolderID != bridgeHolder {
			t.Errorf("unexpected checkout payload: %+v", payload)
		}
		writeJSON(t, w, map[string]string{"url": "https://pay.example.com/session/cs_1"})
	})

	checkoutURL, err := client.CheckoutURL(context.Background(), topup.CheckoutRequest{
		Kind:     topup.CheckoutPurchase,
		HolderID: bridgeHolder,
		Units:    200,
	})
	if err != nil {
		t.Fatalf("checkout url: %v", err)
	}
	if checkoutURL != "https://pay.example.com/session/cs_1" {
		t.Fatalf("unexpected checkout url %q", checkoutURL)
	}
}

func TestCheckoutURLRejectsEmptyURL(t *testing.T) {
	client := newBridgeClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{})
	})

	if _, err := client.CheckoutURL(context.Background(), topup.CheckoutRequest{Kind: topup.CheckoutPurchase}); !errors.Is(err, ErrBridgeResponse) {
		t.Fatalf("expected %v, got %v", ErrBridgeResponse, err)
	}
}

func TestNewValidatesBaseURL(t *testing.T) {
	if _, err := New("", bridgeToken); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected %v, got %v", ErrInvalidClientConfig, err)
	}
}

func newBridgeClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(server.URL, bridgeToken, WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("new bridge client: %v", err)
	}
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		t.Errorf("encode response: %v", err)
	}
}
