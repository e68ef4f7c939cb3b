// Package risk enforces pre-trade checks on incoming orders.
//
// The gate is stateless with respect to orders themselves; it keeps two
// small tables: the last trade price per symbol (for the price band check)
// and a per-client sliding window of request times (for rate limiting).
// Validate collects every failed check into one list so the client sees
// all problems at once rather than fixing them one by one.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"atlasx-exchange/pkg/types"
)

// rateWindow is the span of the per-client request rate check.
const rateWindow = time.Minute

// Config sets the gate's limits. A zero limit disables its check.
type Config struct {
	MaxQuantityPerOrder        decimal.Decimal `mapstructure:"max_quantity_per_order"`
	PriceBandPercent           decimal.Decimal `mapstructure:"price_band_percent"`
	RequestsPerMinutePerClient int             `mapstructure:"requests_per_minute_per_client"`
}

// Request is the slice of an order the gate inspects.
type Request struct {
	ClientID string
	Symbol   string
	Type     types.OrderType
	Quantity decimal.Decimal
	Price    *decimal.Decimal // nil when the order carries no price
}

// Gate holds the risk tables. All methods are safe for concurrent use.
type Gate struct {
	cfg Config

	mu        sync.Mutex
	lastTrade map[string]decimal.Decimal // symbol -> last trade price
	requests  map[string][]time.Time     // client -> request times inside window
	now       func() time.Time
}

// NewGate creates a gate with the given limits.
func NewGate(cfg Config) *Gate {
	return &Gate{
		cfg:       cfg,
		lastTrade: make(map[string]decimal.Decimal),
		requests:  make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Validate runs all checks and returns the collected failures; an empty
// slice means the request passes. Each call counts against the client's
// request budget.
func (g *Gate) Validate(req Request) []error {
	var errs []error

	if req.ClientID == "" {
		errs = append(errs, fmt.Errorf("client id is required"))
	}

	if g.cfg.MaxQuantityPerOrder.IsPositive() && req.Quantity.GreaterThan(g.cfg.MaxQuantityPerOrder) {
		errs = append(errs, fmt.Errorf("quantity %s exceeds maximum %s per order",
			req.Quantity, g.cfg.MaxQuantityPerOrder))
	}

	if req.Type == types.Limit {
		switch {
		case req.Price == nil:
			errs = append(errs, fmt.Errorf("limit order requires a price"))
		case !req.Price.IsPositive():
			errs = append(errs, fmt.Errorf("limit price must be positive"))
		default:
			if err := g.checkPriceBand(req.Symbol, *req.Price); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := g.recordAndCheckRate(req.ClientID); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// checkPriceBand rejects limit prices that deviate from the last trade
// price by more than the configured percentage. No last trade, no check.
func (g *Gate) checkPriceBand(symbol string, price decimal.Decimal) error {
	if !g.cfg.PriceBandPercent.IsPositive() {
		return nil
	}

	g.mu.Lock()
	last, ok := g.lastTrade[symbol]
	g.mu.Unlock()
	if !ok || !last.IsPositive() {
		return nil
	}

	deviation := price.Sub(last).Abs().Div(last).Mul(decimal.NewFromInt(100))
	if deviation.GreaterThan(g.cfg.PriceBandPercent) {
		return fmt.Errorf("price %s deviates %s%% from last trade %s (band %s%%)",
			price, deviation.Round(4), last, g.cfg.PriceBandPercent)
	}
	return nil
}

// recordAndCheckRate appends this request to the client's window, prunes
// expired entries, and fails if the window now exceeds the limit.
func (g *Gate) recordAndCheckRate(clientID string) error {
	if g.cfg.RequestsPerMinutePerClient <= 0 || clientID == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-rateWindow)

	window := g.requests[clientID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	g.requests[clientID] = kept

	if len(kept) > g.cfg.RequestsPerMinutePerClient {
		return fmt.Errorf("rate limit exceeded: %d requests in the last minute (limit %d)",
			len(kept), g.cfg.RequestsPerMinutePerClient)
	}
	return nil
}

// UpdateLastTradePrice records the most recent trade price for a symbol.
// The pipeline calls this after each completed match.
func (g *Gate) UpdateLastTradePrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastTrade[symbol] = price
}

// LastTradePrice returns the recorded last trade price for a symbol.
func (g *Gate) LastTradePrice(symbol string) (decimal.Decimal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.lastTrade[symbol]
	return p, ok
}
