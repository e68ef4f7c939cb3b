// Package events defines the integration events published to the message
// bus and the tag registry used to serialize them.
//
// Every event carries a string tag; the outbox stores (tag, JSON payload)
// pairs and the publisher resolves the tag back to a decoder through an
// explicit registry populated at startup. An unknown tag on decode is a
// terminal failure for that record, never a retry.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atlasx-exchange/pkg/types"
)

// Event tags. These double as the routing keys on the bus.
const (
	TagOrderAccepted  = "order.accepted"
	TagOrderMatched   = "order.matched"
	TagTradeSettled   = "trade.settled"
	TagBalanceUpdated = "balance.updated"
)

// Event is an integration event with a stable type tag.
type Event interface {
	Tag() string
}

// OrderAccepted is published for every order that passes the pipeline,
// whatever its fill outcome.
type OrderAccepted struct {
	OrderID   uuid.UUID         `json:"orderId"`
	ClientID  string            `json:"clientId"`
	Symbol    string            `json:"symbol"`
	Side      types.Side        `json:"side"`
	Type      types.OrderType   `json:"type"`
	Quantity  decimal.Decimal   `json:"quantity"`
	Remaining decimal.Decimal   `json:"remainingQuantity"`
	Price     *decimal.Decimal  `json:"price,omitempty"`
	Status    types.OrderStatus `json:"status"`
	Timestamp time.Time         `json:"timestampUtc"`
}

func (OrderAccepted) Tag() string { return TagOrderAccepted }

// OrderMatched is published once per trade the matching engine produced.
type OrderMatched struct {
	TradeID      uuid.UUID       `json:"tradeId"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	MakerOrderID uuid.UUID       `json:"makerOrderId"`
	TakerOrderID uuid.UUID       `json:"takerOrderId"`
	ExecutedAt   time.Time       `json:"executedAtUtc"`
}

func (OrderMatched) Tag() string { return TagOrderMatched }

// TradeSettled is published after the ledger transfers for one trade have
// completed.
type TradeSettled struct {
	TradeID       uuid.UUID       `json:"tradeId"`
	Symbol        string          `json:"symbol"`
	BuyerAccount  string          `json:"buyerAccount"`
	SellerAccount string          `json:"sellerAccount"`
	BaseAsset     string          `json:"baseAsset"`
	QuoteAsset    string          `json:"quoteAsset"`
	Quantity      decimal.Decimal `json:"quantity"`
	Notional      decimal.Decimal `json:"notional"`
	ExecutedAt    time.Time       `json:"executedAtUtc"`
}

func (TradeSettled) Tag() string { return TagTradeSettled }

// BalanceUpdated reports the post-operation balances of one (account,
// asset) pair.
type BalanceUpdated struct {
	Account   string          `json:"account"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Timestamp time.Time       `json:"timestampUtc"`
}

func (BalanceUpdated) Tag() string { return TagBalanceUpdated }

// Decoder turns a stored payload back into its typed event.
type Decoder func(payload []byte) (Event, error)

// Registry maps event tags to decoders. It is populated at startup and
// read-only afterwards, so no locking is needed.
type Registry struct {
	decoders map[string]Decoder
}

// NewRegistry returns a registry with every exchange event registered.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	r.Register(TagOrderAccepted, decodeInto[OrderAccepted])
	r.Register(TagOrderMatched, decodeInto[OrderMatched])
	r.Register(TagTradeSettled, decodeInto[TradeSettled])
	r.Register(TagBalanceUpdated, decodeInto[BalanceUpdated])
	return r
}

// Register adds a decoder for a tag, replacing any previous one.
func (r *Registry) Register(tag string, dec Decoder) {
	r.decoders[tag] = dec
}

// Decode resolves the tag and unmarshals the payload. An unregistered tag
// is an error the caller must treat as terminal.
func (r *Registry) Decode(tag string, payload []byte) (Event, error) {
	dec, ok := r.decoders[tag]
	if !ok {
		return nil, fmt.Errorf("unknown event tag %q", tag)
	}
	return dec(payload)
}

// Encode serializes an event to its outbox payload.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Tag(), err)
	}
	return payload, nil
}

func decodeInto[T Event](payload []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.Tag(), err)
	}
	return ev, nil
}
