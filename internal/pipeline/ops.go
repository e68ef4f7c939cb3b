package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atlasx-exchange/pkg/types"
)

// ErrUnknownSymbol is returned by read paths for symbols the process does
// not host.
var ErrUnknownSymbol = errors.New("unknown symbol")

// ErrOrderNotFound is returned when a cancel names no live order of the
// caller's.
var ErrOrderNotFound = errors.New("order not found")

// respond serializes the success body, caches it under the idempotency key
// and returns it.
func (p *Pipeline) respond(clientID, idemKey string, status int, body any) Result {
	payload, err := json.Marshal(body)
	if err != nil {
		// The response types marshal unconditionally; reaching this is a bug.
		panic(fmt.Sprintf("pipeline: marshal response: %v", err))
	}
	p.idem.Store(clientID, idemKey, status, payload)
	return Result{Status: status, Payload: payload}
}

// reject builds, caches and returns a 400 with the collected errors.
func (p *Pipeline) reject(clientID, idemKey string, errs []error) Result {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return p.respond(clientID, idemKey, http.StatusBadRequest, types.ErrorResponse{Errors: msgs})
}

// RejectMalformed caches and returns a 400 for a request whose body could
// not be decoded. The headers identified the caller, so a retry with the
// same key replays the same error.
func (p *Pipeline) RejectMalformed(clientID, idemKey string, err error) Result {
	if status, payload, ok := p.idem.TryGet(clientID, idemKey); ok {
		return Result{Status: status, Payload: payload}
	}
	return p.reject(clientID, idemKey, []error{err})
}

// CancelOrder removes a resting order owned by clientID and releases its
// outstanding reservation.
func (p *Pipeline) CancelOrder(clientID, symbol string, orderID uuid.UUID) (types.CancelOrderResponse, error) {
	sl, ok := p.slots[symbol]
	if !ok {
		return types.CancelOrderResponse{}, ErrUnknownSymbol
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	own, ok := p.lookupOwner(orderID)
	if !ok || own.account != clientID {
		return types.CancelOrderResponse{}, ErrOrderNotFound
	}

	removed := sl.book.CancelOrder(orderID)
	if removed == nil {
		return types.CancelOrderResponse{}, ErrOrderNotFound
	}

	asset, amount := cancelRelease(sl.spec, own, removed.Remaining)
	if err := p.ledger.Release(clientID, asset, amount); err != nil {
		panic(fmt.Sprintf("pipeline: release on cancel of %s: %v", orderID, err))
	}

	p.ownersMu.Lock()
	delete(p.owners, orderID)
	p.ownersMu.Unlock()

	available, reserved := p.ledger.Balance(clientID, asset)
	p.enqueue(balanceUpdatedEvent(clientID, asset, available, reserved, p.now().UTC()))
	p.fanout.BroadcastOrderbook(symbol, sl.book.Snapshot(p.depth))

	return types.CancelOrderResponse{
		OrderID:           orderID,
		Status:            types.StatusCancelled,
		RemainingQuantity: removed.Remaining,
	}, nil
}

// cancelRelease computes the reservation still held by a resting order.
func cancelRelease(spec types.SymbolSpec, own owner, remaining decimal.Decimal) (string, decimal.Decimal) {
	if own.side == types.BUY {
		return spec.Quote, own.limitPrice.Mul(remaining)
	}
	return spec.Base, remaining
}

// Deposit credits an account's available funds and reports the new
// balance on the bus.
func (p *Pipeline) Deposit(clientID, asset string, amount decimal.Decimal) error {
	if err := p.ledger.Deposit(clientID, asset, amount); err != nil {
		return err
	}
	available, reserved := p.ledger.Balance(clientID, asset)
	p.enqueue(balanceUpdatedEvent(clientID, asset, available, reserved, p.now().UTC()))
	return nil
}

// Balances returns the caller's per-asset balances.
func (p *Pipeline) Balances(clientID string) []types.BalanceEntry {
	return p.ledger.Balances(clientID)
}

// Snapshot projects one symbol's book. The read takes the symbol lock so
// it never observes a half-applied match.
func (p *Pipeline) Snapshot(symbol string, depth int) (types.OrderBookSnapshot, error) {
	sl, ok := p.slots[symbol]
	if !ok {
		return types.OrderBookSnapshot{}, ErrUnknownSymbol
	}
	if depth <= 0 {
		depth = p.depth
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.book.Snapshot(depth), nil
}

// Symbols lists the specs this pipeline hosts.
func (p *Pipeline) Symbols() []types.SymbolSpec {
	out := make([]types.SymbolSpec, 0, len(p.slots))
	for _, sl := range p.slots {
		out = append(out, sl.spec)
	}
	return out
}

// HasSymbol reports whether the pipeline hosts a book for symbol.
func (p *Pipeline) HasSymbol(symbol string) bool {
	_, ok := p.slots[symbol]
	return ok
}
