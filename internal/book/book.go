// Package book implements a per-symbol limit order book with price-time
// priority matching.
//
// Price levels are kept in two btrees, bids sorted descending and asks
// ascending, so the best opposite level is always the tree minimum. Each
// level holds a FIFO slice of resting orders; arrival order within a level
// is time priority. A side index from order id to (side, price) makes
// cancellation a level lookup instead of a scan of the whole book.
//
// The book is ownership-agnostic: it knows nothing about accounts or
// balances. Symbol mismatches and nil orders are programmer errors and
// panic; the book itself never produces a user-facing error.
package book

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"atlasx-exchange/pkg/types"
)

// priceLevel holds all resting orders at one price, oldest first.
type priceLevel struct {
	price  decimal.Decimal
	orders []*types.Order
}

// indexEntry locates a resting order for cancellation.
type indexEntry struct {
	side  types.Side
	price decimal.Decimal
}

// MatchResult is the outcome of adding one order: the trades produced, in
// execution order, and the resting residual if the order joined the book.
type MatchResult struct {
	Trades  []types.Trade
	Resting *types.Order
}

// Book is a single-symbol order book. It is not safe for concurrent use;
// the caller serializes access per symbol.
type Book struct {
	symbol string
	bids   *btree.BTreeG[*priceLevel]
	asks   *btree.BTreeG[*priceLevel]
	index  map[uuid.UUID]indexEntry
	now    func() time.Time
}

// New creates an empty book for symbol.
func New(symbol string) *Book {
	// Bids sorted greatest first so the best bid is the tree minimum.
	bids := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.GreaterThan(b.price)
	})
	// Asks sorted least first.
	asks := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.LessThan(b.price)
	})
	return &Book{
		symbol: symbol,
		bids:   bids,
		asks:   asks,
		index:  make(map[uuid.UUID]indexEntry),
		now:    time.Now,
	}
}

// Symbol returns the symbol this book trades.
func (b *Book) Symbol() string { return b.symbol }

// AddOrder matches the incoming order against the opposite side until it is
// filled, the opposite side is exhausted, or (for a limit) the best opposite
// price no longer crosses. A limit residual rests; market orders never rest.
//
// Trade prices are always the maker's resting price, so price improvement on
// a crossing limit accrues to the taker.
func (b *Book) AddOrder(order *types.Order) MatchResult {
	if order == nil {
		panic("book: nil order")
	}
	if order.Symbol != b.symbol {
		panic(fmt.Sprintf("book: order symbol %q routed to book %q", order.Symbol, b.symbol))
	}

	var result MatchResult

	opposite := b.asks
	if order.Side == types.SELL {
		opposite = b.bids
	}

	for order.Remaining.IsPositive() {
		level, ok := opposite.Min()
		if !ok {
			break
		}
		if order.Type == types.Limit && !crosses(order, level.price) {
			break
		}

		// Walk the level head-first; makers fill in arrival order.
		consumed := 0
		for _, maker := range level.orders {
			if !order.Remaining.IsPositive() {
				break
			}
			qty := decimal.Min(order.Remaining, maker.Remaining)
			maker.Remaining = maker.Remaining.Sub(qty)
			order.Remaining = order.Remaining.Sub(qty)

			result.Trades = append(result.Trades, types.Trade{
				ID:           uuid.New(),
				Symbol:       b.symbol,
				Price:        maker.Price,
				Quantity:     qty,
				MakerOrderID: maker.ID,
				TakerOrderID: order.ID,
				ExecutedAt:   b.now().UTC(),
			})

			if maker.Remaining.IsZero() {
				delete(b.index, maker.ID)
				consumed++
			}
		}

		if consumed > 0 {
			level.orders = level.orders[consumed:]
		}
		if len(level.orders) == 0 {
			opposite.Delete(level)
		}
	}

	if order.Remaining.IsPositive() && order.Type == types.Limit {
		b.rest(order)
		result.Resting = order
	}
	return result
}

// crosses reports whether a limit taker can trade at the opposite price.
func crosses(taker *types.Order, oppositePrice decimal.Decimal) bool {
	if taker.Side == types.BUY {
		return oppositePrice.LessThanOrEqual(taker.Price)
	}
	return oppositePrice.GreaterThanOrEqual(taker.Price)
}

// rest places the residual on its own side and indexes it.
func (b *Book) rest(order *types.Order) {
	side := b.bids
	if order.Side == types.SELL {
		side = b.asks
	}

	probe := &priceLevel{price: order.Price}
	if level, ok := side.Get(probe); ok {
		level.orders = append(level.orders, order)
	} else {
		side.Set(&priceLevel{price: order.Price, orders: []*types.Order{order}})
	}
	b.index[order.ID] = indexEntry{side: order.Side, price: order.Price}
}

// CancelOrder removes a resting order, preserving the relative order of the
// rest of its level. It returns the removed order, or nil if id is unknown.
func (b *Book) CancelOrder(id uuid.UUID) *types.Order {
	entry, ok := b.index[id]
	if !ok {
		return nil
	}

	side := b.bids
	if entry.side == types.SELL {
		side = b.asks
	}
	level, ok := side.Get(&priceLevel{price: entry.price})
	if !ok {
		return nil
	}

	for i, o := range level.orders {
		if o.ID == id {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			if len(level.orders) == 0 {
				side.Delete(level)
			}
			delete(b.index, id)
			return o
		}
	}
	return nil
}

// Order returns the resting order with the given id, or nil.
func (b *Book) Order(id uuid.UUID) *types.Order {
	entry, ok := b.index[id]
	if !ok {
		return nil
	}
	side := b.bids
	if entry.side == types.SELL {
		side = b.asks
	}
	level, ok := side.Get(&priceLevel{price: entry.price})
	if !ok {
		return nil
	}
	for _, o := range level.orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// Snapshot projects up to depth levels per side, aggregating remaining
// quantity and order count at each price.
func (b *Book) Snapshot(depth int) types.OrderBookSnapshot {
	return types.OrderBookSnapshot{
		Symbol: b.symbol,
		Bids:   sideLevels(b.bids, depth),
		Asks:   sideLevels(b.asks, depth),
	}
}

func sideLevels(side *btree.BTreeG[*priceLevel], depth int) []types.BookLevel {
	out := make([]types.BookLevel, 0, depth)
	side.Scan(func(level *priceLevel) bool {
		if len(out) >= depth {
			return false
		}
		total := decimal.Zero
		for _, o := range level.orders {
			total = total.Add(o.Remaining)
		}
		out = append(out, types.BookLevel{
			Price:      level.price,
			Quantity:   total,
			OrderCount: len(level.orders),
		})
		return true
	})
	return out
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	level, ok := b.bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	level, ok := b.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}
