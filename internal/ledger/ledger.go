// Package ledger tracks per-account, per-asset funds split into an
// available and a reserved bucket.
//
// Every operation is atomic: it either completes with both buckets still
// non-negative, or it returns an error and leaves the account untouched.
// Reservations move funds from available to reserved inside one account;
// settlement of a trade is expressed by the caller as a release + debit on
// the paying side and a credit on the receiving side.
package ledger

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"atlasx-exchange/pkg/types"
)

var (
	// ErrInsufficientBalance is returned when an operation would drive
	// available or reserved below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNonPositiveAmount is returned for zero or negative amounts.
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// balance holds the two buckets for one (account, asset) pair.
type balance struct {
	available decimal.Decimal
	reserved  decimal.Decimal
}

// Ledger owns all account balances. A single coarse mutex serializes all
// operations, which keeps cross-account settlement trivially deadlock-free.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]map[string]*balance // account -> ASSET -> balance
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]map[string]*balance)}
}

// normalizeAsset folds asset keys to upper case; "btc" and "BTC" are the
// same asset.
func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// get returns the balance cell for (account, asset), creating it if needed.
// Caller must hold l.mu.
func (l *Ledger) get(account, asset string) *balance {
	assets, ok := l.accounts[account]
	if !ok {
		assets = make(map[string]*balance)
		l.accounts[account] = assets
	}
	b, ok := assets[asset]
	if !ok {
		b = &balance{}
		assets[asset] = b
	}
	return b
}

// Deposit adds amount to the available bucket.
func (l *Ledger) Deposit(account, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(account, normalizeAsset(asset))
	b.available = b.available.Add(amount)
	return nil
}

// Reserve moves amount from available to reserved.
func (l *Ledger) Reserve(account, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(account, normalizeAsset(asset))
	if b.available.LessThan(amount) {
		return ErrInsufficientBalance
	}
	b.available = b.available.Sub(amount)
	b.reserved = b.reserved.Add(amount)
	return nil
}

// Release moves amount from reserved back to available.
func (l *Ledger) Release(account, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(account, normalizeAsset(asset))
	if b.reserved.LessThan(amount) {
		return ErrInsufficientBalance
	}
	b.reserved = b.reserved.Sub(amount)
	b.available = b.available.Add(amount)
	return nil
}

// Credit adds amount to the available bucket.
func (l *Ledger) Credit(account, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(account, normalizeAsset(asset))
	b.available = b.available.Add(amount)
	return nil
}

// Debit removes amount from the available bucket.
func (l *Ledger) Debit(account, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(account, normalizeAsset(asset))
	if b.available.LessThan(amount) {
		return ErrInsufficientBalance
	}
	b.available = b.available.Sub(amount)
	return nil
}

// Balances returns a point-in-time snapshot of one account, sorted by
// asset for stable output.
func (l *Ledger) Balances(account string) []types.BalanceEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	assets := l.accounts[account]
	out := make([]types.BalanceEntry, 0, len(assets))
	for asset, b := range assets {
		out = append(out, types.BalanceEntry{
			Asset:     asset,
			Available: b.available,
			Reserved:  b.reserved,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Balance returns the (available, reserved) pair for one (account, asset).
func (l *Ledger) Balance(account, asset string) (available, reserved decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	assets := l.accounts[account]
	if assets == nil {
		return decimal.Zero, decimal.Zero
	}
	b, ok := assets[normalizeAsset(asset)]
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	return b.available, b.reserved
}

// TotalSupply sums available+reserved across all accounts for one asset.
// Matching and settlement only transfer funds, so this total changes only
// through Deposit.
func (l *Ledger) TotalSupply(asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := normalizeAsset(asset)
	total := decimal.Zero
	for _, assets := range l.accounts {
		if b, ok := assets[key]; ok {
			total = total.Add(b.available).Add(b.reserved)
		}
	}
	return total
}
