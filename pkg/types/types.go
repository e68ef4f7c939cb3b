// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange: order and trade
// entities, order book snapshots, and the REST/WebSocket payload shapes.
// It has no dependencies on internal packages, so it can be imported by
// any layer, including the client SDK.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ParseSide validates a wire-level side string.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case BUY, SELL:
		return Side(s), nil
	}
	return "", fmt.Errorf("invalid side %q (want BUY or SELL)", s)
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	// Limit orders carry a price and may rest on the book until filled
	// or cancelled.
	Limit OrderType = "LIMIT"
	// Market orders execute immediately against available liquidity and
	// never rest. Market BUY is rejected at ingress because no maximum
	// quote amount is supplied with the order.
	Market OrderType = "MARKET"
)

// ParseOrderType validates a wire-level order type string.
func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(s) {
	case Limit, Market:
		return OrderType(s), nil
	}
	return "", fmt.Errorf("invalid type %q (want LIMIT or MARKET)", s)
}

// OrderStatus is the placement outcome reported back to the client.
type OrderStatus string

const (
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// ResolveStatus maps matching output onto the reported order status:
// remaining zero means FILLED, any trades with remaining left means
// PARTIALLY_FILLED, and no trades with remaining left means ACCEPTED. An
// ACCEPTED limit order is resting; an ACCEPTED market order is not, since
// market orders never rest.
func ResolveStatus(remaining decimal.Decimal, tradeCount int) OrderStatus {
	switch {
	case remaining.IsZero():
		return StatusFilled
	case tradeCount > 0:
		return StatusPartiallyFilled
	default:
		return StatusAccepted
	}
}

// ————————————————————————————————————————————————————————————————————————
// Entities
// ————————————————————————————————————————————————————————————————————————

// SymbolSpec describes one tradeable base/quote pair hosted by the process.
type SymbolSpec struct {
	Symbol string `mapstructure:"symbol"` // e.g. "BTC-USD"
	Base   string `mapstructure:"base"`   // e.g. "BTC"
	Quote  string `mapstructure:"quote"`  // e.g. "USD"
}

// Order is the engine-side representation of a client order.
//
// Remaining starts equal to Quantity and only ever decreases. Price is
// meaningful only for Limit orders; Market orders carry a zero Price.
type Order struct {
	ID        uuid.UUID
	Symbol    string
	Side      Side
	Type      OrderType
	Quantity  decimal.Decimal // original quantity, > 0
	Remaining decimal.Decimal // unfilled quantity, 0 <= Remaining <= Quantity
	Price     decimal.Decimal // limit price, > 0 iff Type == Limit
	CreatedAt time.Time       // UTC arrival time, fixes time priority
}

// Trade records one match between a resting maker and an incoming taker.
// Price is always the maker's resting price.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	MakerOrderID uuid.UUID       `json:"makerOrderId"`
	TakerOrderID uuid.UUID       `json:"takerOrderId"`
	ExecutedAt   time.Time       `json:"executedAtUtc"`
}

// BookLevel aggregates the resting interest at one price.
type BookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"` // total remaining at this price
	OrderCount int             `json:"orderCount"`
}

// OrderBookSnapshot is a bounded-depth projection of one symbol's book.
// Bids are sorted descending by price, asks ascending.
type OrderBookSnapshot struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// ————————————————————————————————————————————————————————————————————————
// REST payloads
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderRequest is the body of POST /orders. Price must be present for
// LIMIT orders and absent for MARKET orders.
type PlaceOrderRequest struct {
	Symbol   string           `json:"symbol"`
	Side     string           `json:"side"`
	Type     string           `json:"type"`
	Quantity decimal.Decimal  `json:"quantity"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

// PlaceOrderResponse is returned for a successful placement.
type PlaceOrderResponse struct {
	OrderID           uuid.UUID       `json:"orderId"`
	Status            OrderStatus     `json:"status"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
	Trades            []Trade         `json:"trades"`
}

// ErrorResponse carries the collected validation/risk/reservation errors
// for a 400-class failure.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// CancelOrderResponse is returned for a successful cancellation.
type CancelOrderResponse struct {
	OrderID           uuid.UUID       `json:"orderId"`
	Status            OrderStatus     `json:"status"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
}

// DepositRequest is the body of POST /wallets/deposit.
type DepositRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// BalanceEntry is one element of the GET /wallets/balances response.
type BalanceEntry struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket market-data messages
// ————————————————————————————————————————————————————————————————————————

// Market-data message types. A new subscription receives one "snapshot"
// unicast; after that the stream carries batched "orderbook", "trade" /
// "trades" and periodic "ping" frames.
const (
	MsgSnapshot  = "snapshot"
	MsgOrderbook = "orderbook"
	MsgTrade     = "trade"
	MsgTrades    = "trades"
	MsgPing      = "ping"
)

// MarketMessage is the single frame shape used on the market-data stream.
// At most one of Snapshot, Trade or Trades is set depending on Type; ping
// frames carry none of them.
type MarketMessage struct {
	Type      string             `json:"type"`
	Symbol    string             `json:"symbol,omitempty"`
	Snapshot  *OrderBookSnapshot `json:"snapshot,omitempty"`
	Trade     *Trade             `json:"trade,omitempty"`
	Trades    []Trade            `json:"trades,omitempty"`
	Timestamp *time.Time         `json:"timestampUtc,omitempty"`
}
