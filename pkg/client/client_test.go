package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atlasx-exchange/pkg/types"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-client")
}

func TestPlaceOrderSendsHeaders(t *testing.T) {
	t.Parallel()

	orderID := uuid.New()
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s, want POST /orders", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Client-Id"); got != "test-client" {
			t.Errorf("X-Client-Id = %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "key-1" {
			t.Errorf("Idempotency-Key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.PlaceOrderResponse{
			OrderID: orderID,
			Status:  types.StatusAccepted,
			Trades:  []types.Trade{},
		})
	})

	price := decimal.NewFromInt(100)
	resp, err := c.PlaceOrder(context.Background(), "key-1", types.PlaceOrderRequest{
		Symbol:   "BTC-USD",
		Side:     "BUY",
		Type:     "LIMIT",
		Quantity: decimal.NewFromInt(1),
		Price:    &price,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.OrderID != orderID || resp.Status != types.StatusAccepted {
		t.Errorf("response = %+v", resp)
	}
}

func TestPlaceOrderSurfacesAPIErrors(t *testing.T) {
	t.Parallel()

	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{Errors: []string{"quantity must be positive"}})
	})

	_, err := c.PlaceOrder(context.Background(), "key-1", types.PlaceOrderRequest{})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error = %v (%T), want *APIError", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || len(apiErr.Errors) != 1 {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestOrderBookPassesDepth(t *testing.T) {
	t.Parallel()

	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orderbook/BTC-USD" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("depth"); got != "5" {
			t.Errorf("depth = %q, want 5", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.OrderBookSnapshot{Symbol: "BTC-USD"})
	})

	snap, err := c.OrderBook(context.Background(), "BTC-USD", 5)
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if snap.Symbol != "BTC-USD" {
		t.Errorf("symbol = %q", snap.Symbol)
	}
}

func TestDepositRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req types.DepositRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Asset != "USD" || !req.Amount.Equal(decimal.NewFromInt(100)) {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]types.BalanceEntry{
			{Asset: "USD", Available: req.Amount},
		})
	})

	entries, err := c.Deposit(context.Background(), "USD", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if len(entries) != 1 || !entries[0].Available.Equal(decimal.NewFromInt(100)) {
		t.Errorf("entries = %+v", entries)
	}
}
