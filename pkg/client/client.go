// Package client is the Go SDK for the exchange's REST and market-data
// APIs. It covers the full wire surface: order placement (idempotent via
// the caller-supplied key), cancellation, order book reads, wallet
// operations and the WebSocket market-data stream.
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atlasx-exchange/pkg/types"
)

// Required request headers, mirrored from the server.
const (
	headerClientID       = "X-Client-Id"
	headerIdempotencyKey = "Idempotency-Key"
)

// APIError carries the server's collected error list for a non-2xx reply.
type APIError struct {
	StatusCode int
	Errors     []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %v", e.StatusCode, e.Errors)
}

// Client talks to one exchange instance on behalf of one client id.
type Client struct {
	http     *resty.Client
	clientID string
}

// New creates a client for baseURL (e.g. "http://localhost:8080")
// operating as clientID.
func New(baseURL, clientID string) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader(headerClientID, clientID)

	return &Client{http: httpClient, clientID: clientID}
}

// PlaceOrder submits an order under the given idempotency key. Retrying
// with the same key returns the original response.
func (c *Client) PlaceOrder(ctx context.Context, idemKey string, req types.PlaceOrderRequest) (*types.PlaceOrderResponse, error) {
	var out types.PlaceOrderResponse
	var apiErr types.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(headerIdempotencyKey, idemKey).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Errors: apiErr.Errors}
	}
	return &out, nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID uuid.UUID) (*types.CancelOrderResponse, error) {
	var out types.CancelOrderResponse
	var apiErr types.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Delete(fmt.Sprintf("/orders/%s/%s", symbol, orderID))
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Errors: apiErr.Errors}
	}
	return &out, nil
}

// OrderBook fetches a bounded-depth snapshot. depth <= 0 uses the server
// default.
func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBookSnapshot, error) {
	var out types.OrderBookSnapshot
	var apiErr types.ErrorResponse

	r := c.http.R().SetContext(ctx).SetResult(&out).SetError(&apiErr)
	if depth > 0 {
		r.SetQueryParam("depth", fmt.Sprintf("%d", depth))
	}
	resp, err := r.Get("/orderbook/" + symbol)
	if err != nil {
		return nil, fmt.Errorf("order book: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Errors: apiErr.Errors}
	}
	return &out, nil
}

// Deposit credits the client's wallet and returns the updated balances.
func (c *Client) Deposit(ctx context.Context, asset string, amount decimal.Decimal) ([]types.BalanceEntry, error) {
	var out []types.BalanceEntry
	var apiErr types.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(types.DepositRequest{Asset: asset, Amount: amount}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/wallets/deposit")
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Errors: apiErr.Errors}
	}
	return out, nil
}

// Balances fetches the client's per-asset balances.
func (c *Client) Balances(ctx context.Context) ([]types.BalanceEntry, error) {
	var out []types.BalanceEntry
	var apiErr types.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/wallets/balances")
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Errors: apiErr.Errors}
	}
	return out, nil
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode())
	}
	return nil
}
