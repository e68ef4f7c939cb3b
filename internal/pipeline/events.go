package pipeline

import (
	"time"

	"github.com/shopspring/decimal"

	"atlasx-exchange/internal/events"
	"atlasx-exchange/pkg/types"
)

// Constructors for the integration events the pipeline enqueues. Kept
// separate so the placement flow reads as orchestration only.

func orderAcceptedEvent(order *types.Order, clientID string, status types.OrderStatus, at time.Time) events.Event {
	ev := events.OrderAccepted{
		OrderID:   order.ID,
		ClientID:  clientID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Type:      order.Type,
		Quantity:  order.Quantity,
		Remaining: order.Remaining,
		Status:    status,
		Timestamp: at,
	}
	if order.Type == types.Limit {
		price := order.Price
		ev.Price = &price
	}
	return ev
}

func orderMatchedEvent(trade types.Trade) events.Event {
	return events.OrderMatched{
		TradeID:      trade.ID,
		Symbol:       trade.Symbol,
		Price:        trade.Price,
		Quantity:     trade.Quantity,
		MakerOrderID: trade.MakerOrderID,
		TakerOrderID: trade.TakerOrderID,
		ExecutedAt:   trade.ExecutedAt,
	}
}

func tradeSettledEvent(trade types.Trade, buyer, seller string, spec types.SymbolSpec, notional decimal.Decimal) events.Event {
	return events.TradeSettled{
		TradeID:       trade.ID,
		Symbol:        trade.Symbol,
		BuyerAccount:  buyer,
		SellerAccount: seller,
		BaseAsset:     spec.Base,
		QuoteAsset:    spec.Quote,
		Quantity:      trade.Quantity,
		Notional:      notional,
		ExecutedAt:    trade.ExecutedAt,
	}
}

func balanceUpdatedEvent(account, asset string, available, reserved decimal.Decimal, at time.Time) events.Event {
	return events.BalanceUpdated{
		Account:   account,
		Asset:     asset,
		Available: available,
		Reserved:  reserved,
		Timestamp: at,
	}
}
