// Package pipeline orchestrates order ingress end to end: idempotency
// lookup, risk checks, funds reservation, matching, settlement, event
// enqueueing and market-data fan-out.
//
// Each symbol has one mutex held across reservation, matching, settlement,
// the last-trade-price update and the outbox enqueues, so everything the
// match produced becomes visible as a single atomic step. Different
// symbols proceed in parallel. The pipeline is also the only holder of
// order ownership: the matching book stays account-agnostic, and the
// owner side-table here supplies the accounts and original limit prices
// that settlement needs.
package pipeline

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atlasx-exchange/internal/book"
	"atlasx-exchange/internal/events"
	"atlasx-exchange/internal/idempotency"
	"atlasx-exchange/internal/ledger"
	"atlasx-exchange/internal/marketdata"
	"atlasx-exchange/internal/outbox"
	"atlasx-exchange/internal/risk"
	"atlasx-exchange/pkg/types"
)

// slot is one symbol's book plus the lock that serializes its pipeline.
type slot struct {
	mu   sync.Mutex
	book *book.Book
	spec types.SymbolSpec
}

// owner records who placed an order and at what limit. The matching engine
// is ownership-agnostic, so settlement resolves accounts here.
type owner struct {
	account    string
	side       types.Side
	typ        types.OrderType
	limitPrice decimal.Decimal
}

// Pipeline wires the trading core together. All dependencies are explicit;
// the process hosts one instance.
type Pipeline struct {
	ledger *ledger.Ledger
	gate   *risk.Gate
	idem   *idempotency.Cache
	outbox *outbox.Outbox
	fanout *marketdata.Fanout
	logger *slog.Logger
	depth  int

	slots map[string]*slot // fixed at construction, read-only after

	ownersMu sync.Mutex
	owners   map[uuid.UUID]owner

	now func() time.Time
}

// New builds a pipeline hosting one book per configured symbol.
func New(
	symbols []types.SymbolSpec,
	l *ledger.Ledger,
	gate *risk.Gate,
	idem *idempotency.Cache,
	ob *outbox.Outbox,
	fanout *marketdata.Fanout,
	depth int,
	logger *slog.Logger,
) *Pipeline {
	slots := make(map[string]*slot, len(symbols))
	for _, spec := range symbols {
		slots[spec.Symbol] = &slot{book: book.New(spec.Symbol), spec: spec}
	}
	return &Pipeline{
		ledger: l,
		gate:   gate,
		idem:   idem,
		outbox: ob,
		fanout: fanout,
		logger: logger.With("component", "pipeline"),
		depth:  depth,
		slots:  slots,
		owners: make(map[uuid.UUID]owner),
		now:    time.Now,
	}
}

// Result is an HTTP-shaped outcome: the status code and the exact payload
// bytes, which is what the idempotency cache replays verbatim.
type Result struct {
	Status  int
	Payload []byte
}

// PlaceOrder runs the full ingress sequence for one order. clientID and
// idemKey must be non-empty; the transport rejects requests without them
// before reaching the pipeline (those failures are never cached).
func (p *Pipeline) PlaceOrder(clientID, idemKey string, req types.PlaceOrderRequest) Result {
	if status, payload, ok := p.idem.TryGet(clientID, idemKey); ok {
		return Result{Status: status, Payload: payload}
	}

	side, typ, errs := p.validateShape(req)
	if len(errs) > 0 {
		return p.reject(clientID, idemKey, errs)
	}

	if errs := p.gate.Validate(risk.Request{
		ClientID: clientID,
		Symbol:   req.Symbol,
		Type:     typ,
		Quantity: req.Quantity,
		Price:    req.Price,
	}); len(errs) > 0 {
		return p.reject(clientID, idemKey, errs)
	}

	sl := p.slots[req.Symbol]
	order := &types.Order{
		ID:        uuid.New(),
		Symbol:    req.Symbol,
		Side:      side,
		Type:      typ,
		Quantity:  req.Quantity,
		Remaining: req.Quantity,
		CreatedAt: p.now().UTC(),
	}
	if typ == types.Limit {
		order.Price = *req.Price
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	reserveAsset, reserveAmount := reservation(sl.spec, order)
	if err := p.ledger.Reserve(clientID, reserveAsset, reserveAmount); err != nil {
		return p.reject(clientID, idemKey, []error{
			fmt.Errorf("%w: need %s %s", err, reserveAmount, reserveAsset),
		})
	}

	result := sl.book.AddOrder(order)

	for _, trade := range result.Trades {
		p.settle(sl.spec, order, clientID, trade)
	}
	if len(result.Trades) > 0 {
		last := result.Trades[len(result.Trades)-1]
		p.gate.UpdateLastTradePrice(req.Symbol, last.Price)
	}

	// A market order never rests; whatever liquidity it could not find is
	// handed back.
	if typ == types.Market && order.Remaining.IsPositive() {
		if err := p.ledger.Release(clientID, reserveAsset, order.Remaining); err != nil {
			panic(fmt.Sprintf("pipeline: release market residual for %s: %v", order.ID, err))
		}
	}

	if result.Resting != nil {
		p.ownersMu.Lock()
		p.owners[order.ID] = owner{
			account:    clientID,
			side:       side,
			typ:        typ,
			limitPrice: order.Price,
		}
		p.ownersMu.Unlock()
	}
	p.dropFilledMakers(sl, result.Trades)

	status := types.ResolveStatus(order.Remaining, len(result.Trades))
	p.enqueue(orderAcceptedEvent(order, clientID, status, p.now().UTC()))

	p.fanout.BroadcastOrderbook(req.Symbol, sl.book.Snapshot(p.depth))
	if len(result.Trades) > 0 {
		p.fanout.BroadcastTrades(req.Symbol, result.Trades)
	}

	trades := result.Trades
	if trades == nil {
		trades = []types.Trade{}
	}
	return p.respond(clientID, idemKey, http.StatusOK, types.PlaceOrderResponse{
		OrderID:           order.ID,
		Status:            status,
		RemainingQuantity: order.Remaining,
		Trades:            trades,
	})
}

// validateShape runs the request-shape checks that precede any side
// effect. It returns the parsed enums so the caller does not re-parse.
func (p *Pipeline) validateShape(req types.PlaceOrderRequest) (types.Side, types.OrderType, []error) {
	var errs []error

	side, err := types.ParseSide(req.Side)
	if err != nil {
		errs = append(errs, err)
	}
	typ, err := types.ParseOrderType(req.Type)
	if err != nil {
		errs = append(errs, err)
	}

	if _, ok := p.slots[req.Symbol]; !ok {
		errs = append(errs, fmt.Errorf("unknown symbol %q", req.Symbol))
	}
	if !req.Quantity.IsPositive() {
		errs = append(errs, fmt.Errorf("quantity must be positive"))
	}

	switch typ {
	case types.Limit:
		if req.Price == nil {
			errs = append(errs, fmt.Errorf("limit order requires a price"))
		} else if !req.Price.IsPositive() {
			errs = append(errs, fmt.Errorf("limit price must be positive"))
		}
	case types.Market:
		if req.Price != nil {
			errs = append(errs, fmt.Errorf("market order must not carry a price"))
		}
		if side == types.BUY {
			errs = append(errs, fmt.Errorf("market buy is not supported: no maximum quote amount can be given"))
		}
	}

	return side, typ, errs
}

// reservation computes what a validated order must lock up before it may
// match: a buy locks quote notional at its limit, a sell locks base
// quantity.
func reservation(spec types.SymbolSpec, order *types.Order) (asset string, amount decimal.Decimal) {
	if order.Side == types.BUY {
		return spec.Quote, order.Price.Mul(order.Quantity)
	}
	return spec.Base, order.Quantity
}

// settle applies the ledger transfers for one trade and enqueues its
// events. The taker is the current order; the maker's account and limit
// come from the owner table. Funds were reserved on both sides before the
// match, so any ledger failure here is a bug and aborts the symbol's
// pipeline loudly.
func (p *Pipeline) settle(spec types.SymbolSpec, taker *types.Order, takerAccount string, trade types.Trade) {
	maker, ok := p.lookupOwner(trade.MakerOrderID)
	if !ok {
		panic(fmt.Sprintf("pipeline: no owner for maker order %s in trade %s", trade.MakerOrderID, trade.ID))
	}

	var buyer, seller string
	var buyerLimit decimal.Decimal
	var buyerIsLimit bool
	if taker.Side == types.BUY {
		buyer, seller = takerAccount, maker.account
		buyerLimit, buyerIsLimit = taker.Price, taker.Type == types.Limit
	} else {
		buyer, seller = maker.account, takerAccount
		buyerLimit, buyerIsLimit = maker.limitPrice, maker.typ == types.Limit
	}

	notional := trade.Price.Mul(trade.Quantity)

	p.mustLedger(p.ledger.Release(buyer, spec.Quote, notional), "release buyer quote", trade)
	p.mustLedger(p.ledger.Debit(buyer, spec.Quote, notional), "debit buyer quote", trade)
	p.mustLedger(p.ledger.Credit(buyer, spec.Base, trade.Quantity), "credit buyer base", trade)

	p.mustLedger(p.ledger.Release(seller, spec.Base, trade.Quantity), "release seller base", trade)
	p.mustLedger(p.ledger.Debit(seller, spec.Base, trade.Quantity), "debit seller base", trade)
	p.mustLedger(p.ledger.Credit(seller, spec.Quote, notional), "credit seller quote", trade)

	// Price improvement went to the buyer: the slice of the reservation
	// priced above the actual fill is no longer needed.
	if buyerIsLimit && buyerLimit.GreaterThan(trade.Price) {
		excess := buyerLimit.Sub(trade.Price).Mul(trade.Quantity)
		p.mustLedger(p.ledger.Release(buyer, spec.Quote, excess), "release price improvement", trade)
	}

	p.enqueue(orderMatchedEvent(trade))
	p.enqueue(tradeSettledEvent(trade, buyer, seller, spec, notional))
	for _, account := range []string{buyer, seller} {
		for _, asset := range []string{spec.Base, spec.Quote} {
			available, reserved := p.ledger.Balance(account, asset)
			p.enqueue(balanceUpdatedEvent(account, asset, available, reserved, trade.ExecutedAt))
		}
	}
}

func (p *Pipeline) mustLedger(err error, step string, trade types.Trade) {
	if err != nil {
		panic(fmt.Sprintf("pipeline: %s for trade %s: %v", step, trade.ID, err))
	}
}

// dropFilledMakers clears owner entries for makers the match consumed
// entirely. Caller holds the slot lock.
func (p *Pipeline) dropFilledMakers(sl *slot, trades []types.Trade) {
	if len(trades) == 0 {
		return
	}
	p.ownersMu.Lock()
	defer p.ownersMu.Unlock()
	for _, trade := range trades {
		if sl.book.Order(trade.MakerOrderID) == nil {
			delete(p.owners, trade.MakerOrderID)
		}
	}
}

func (p *Pipeline) lookupOwner(id uuid.UUID) (owner, bool) {
	p.ownersMu.Lock()
	defer p.ownersMu.Unlock()
	o, ok := p.owners[id]
	return o, ok
}

func (p *Pipeline) enqueue(ev events.Event) {
	if _, err := p.outbox.Enqueue(ev); err != nil {
		p.logger.Error("failed to enqueue event", "tag", ev.Tag(), "error", err)
	}
}
