// Package marketdata fans order-book snapshots and trades out to
// subscribed market-data connections.
//
// Broadcasts are not sent immediately: per symbol, the latest snapshot is
// coalesced (last writer wins) and trades accumulate in arrival order while
// a one-shot batch-window timer is armed. When the timer fires the buffer
// is drained and flushed to every subscriber as at most one orderbook frame
// plus one trade/trades frame. All optional traffic (orderbook, trade,
// trades, ping) passes a per-subscriber one-second token bucket; the
// initial snapshot unicast on subscribe bypasses it.
//
// The fanout owns subscriber registration and pending buffers only; the
// transport layer owns the physical connections and hands them in behind
// the Transport interface. A subscriber whose send times out or fails is
// removed after the broadcast so a slow consumer never blocks the rest.
package marketdata

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"atlasx-exchange/pkg/types"
)

// Transport is one subscriber's outbound half, implemented by the
// WebSocket layer. Send must respect ctx's deadline.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
}

// Config tunes batching, rate limiting and the heartbeat.
type Config struct {
	BatchWindow          time.Duration `mapstructure:"batch_window"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MaxMessagesPerSecond int           `mapstructure:"max_messages_per_second"`
	SendTimeout          time.Duration `mapstructure:"send_timeout"`
	DefaultDepth         int           `mapstructure:"default_depth"`
}

type subscriber struct {
	id        uuid.UUID
	transport Transport
	limiter   *messageLimiter
}

// symbolState is one symbol's subscriber set and pending buffer, guarded
// by its own mutex so symbols never contend with each other.
type symbolState struct {
	mu             sync.Mutex
	subs           map[uuid.UUID]*subscriber
	pendingSnap    *types.OrderBookSnapshot
	pendingTrades  []types.Trade
	flushScheduled bool
}

// Fanout is the market-data hub for all symbols.
type Fanout struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	symbols map[string]*symbolState

	now func() time.Time
}

// New creates an empty fanout.
func New(cfg Config, logger *slog.Logger) *Fanout {
	return &Fanout{
		cfg:     cfg,
		logger:  logger.With("component", "market-fanout"),
		symbols: make(map[string]*symbolState),
		now:     time.Now,
	}
}

// state returns the per-symbol state, creating it on first use.
func (f *Fanout) state(symbol string) *symbolState {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.symbols[symbol]
	if !ok {
		st = &symbolState{subs: make(map[uuid.UUID]*subscriber)}
		f.symbols[symbol] = st
	}
	return st
}

// Subscribe registers a transport for one symbol and returns the opaque
// connection id used for unsubscription.
func (f *Fanout) Subscribe(symbol string, transport Transport) uuid.UUID {
	st := f.state(symbol)
	sub := &subscriber{
		id:        uuid.New(),
		transport: transport,
		limiter:   newMessageLimiter(f.cfg.MaxMessagesPerSecond),
	}

	st.mu.Lock()
	st.subs[sub.id] = sub
	count := len(st.subs)
	st.mu.Unlock()

	f.logger.Info("subscriber joined", "symbol", symbol, "connection", sub.id, "count", count)
	return sub.id
}

// Unsubscribe removes one connection; unknown ids are a no-op.
func (f *Fanout) Unsubscribe(symbol string, id uuid.UUID) {
	st := f.state(symbol)

	st.mu.Lock()
	_, ok := st.subs[id]
	delete(st.subs, id)
	count := len(st.subs)
	st.mu.Unlock()

	if ok {
		f.logger.Info("subscriber left", "symbol", symbol, "connection", id, "count", count)
	}
}

// SendSnapshot unicasts a snapshot frame to one subscriber, bypassing its
// rate limiter. Used for the mandatory snapshot on a new subscription.
func (f *Fanout) SendSnapshot(symbol string, id uuid.UUID, snap types.OrderBookSnapshot) {
	st := f.state(symbol)

	st.mu.Lock()
	sub, ok := st.subs[id]
	st.mu.Unlock()
	if !ok {
		return
	}

	now := f.now().UTC()
	frame := f.encode(types.MarketMessage{
		Type:      types.MsgSnapshot,
		Symbol:    symbol,
		Snapshot:  &snap,
		Timestamp: &now,
	})
	if frame == nil {
		return
	}
	if !f.send(sub, frame) {
		f.remove(symbol, st, []uuid.UUID{id})
	}
}

// BroadcastOrderbook stashes the snapshot, overwriting any pending one,
// and arms the batch timer if it is not already armed.
func (f *Fanout) BroadcastOrderbook(symbol string, snap types.OrderBookSnapshot) {
	st := f.state(symbol)

	st.mu.Lock()
	st.pendingSnap = &snap
	f.armFlushLocked(symbol, st)
	st.mu.Unlock()
}

// BroadcastTrades appends trades to the pending buffer in engine order and
// arms the batch timer if needed.
func (f *Fanout) BroadcastTrades(symbol string, trades []types.Trade) {
	if len(trades) == 0 {
		return
	}
	st := f.state(symbol)

	st.mu.Lock()
	st.pendingTrades = append(st.pendingTrades, trades...)
	f.armFlushLocked(symbol, st)
	st.mu.Unlock()
}

// armFlushLocked schedules the one-shot flush timer. Caller holds st.mu.
func (f *Fanout) armFlushLocked(symbol string, st *symbolState) {
	if st.flushScheduled {
		return
	}
	st.flushScheduled = true
	time.AfterFunc(f.cfg.BatchWindow, func() { f.flush(symbol, st) })
}

// flush drains the pending buffer and emits at most two frames per open
// subscriber: one orderbook frame and one trade or trades frame.
func (f *Fanout) flush(symbol string, st *symbolState) {
	st.mu.Lock()
	snap := st.pendingSnap
	trades := st.pendingTrades
	st.pendingSnap = nil
	st.pendingTrades = nil
	st.flushScheduled = false

	targets := make([]*subscriber, 0, len(st.subs))
	for _, sub := range st.subs {
		targets = append(targets, sub)
	}
	st.mu.Unlock()

	if snap == nil && len(trades) == 0 {
		return
	}

	now := f.now().UTC()
	var frames [][]byte

	if snap != nil {
		if frame := f.encode(types.MarketMessage{
			Type:      types.MsgOrderbook,
			Symbol:    symbol,
			Snapshot:  snap,
			Timestamp: &now,
		}); frame != nil {
			frames = append(frames, frame)
		}
	}
	switch {
	case len(trades) == 1:
		if frame := f.encode(types.MarketMessage{
			Type:      types.MsgTrade,
			Symbol:    symbol,
			Trade:     &trades[0],
			Timestamp: &now,
		}); frame != nil {
			frames = append(frames, frame)
		}
	case len(trades) > 1:
		if frame := f.encode(types.MarketMessage{
			Type:      types.MsgTrades,
			Symbol:    symbol,
			Trades:    trades,
			Timestamp: &now,
		}); frame != nil {
			frames = append(frames, frame)
		}
	}

	var failed []uuid.UUID
	for _, sub := range targets {
		for _, frame := range frames {
			st.mu.Lock()
			allowed := sub.limiter.allow(f.now())
			st.mu.Unlock()
			if !allowed {
				continue
			}
			if !f.send(sub, frame) {
				failed = append(failed, sub.id)
				break
			}
		}
	}
	f.remove(symbol, st, failed)
}

// RunHeartbeat pings every subscriber of every symbol on the configured
// interval until ctx is cancelled. Pings count against the rate limiter.
func (f *Fanout) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.heartbeat()
		}
	}
}

func (f *Fanout) heartbeat() {
	f.mu.Lock()
	symbols := make(map[string]*symbolState, len(f.symbols))
	for sym, st := range f.symbols {
		symbols[sym] = st
	}
	f.mu.Unlock()

	now := f.now().UTC()
	frame := f.encode(types.MarketMessage{Type: types.MsgPing, Timestamp: &now})
	if frame == nil {
		return
	}

	for sym, st := range symbols {
		st.mu.Lock()
		targets := make([]*subscriber, 0, len(st.subs))
		for _, sub := range st.subs {
			targets = append(targets, sub)
		}
		st.mu.Unlock()

		var failed []uuid.UUID
		for _, sub := range targets {
			st.mu.Lock()
			allowed := sub.limiter.allow(f.now())
			st.mu.Unlock()
			if !allowed {
				continue
			}
			if !f.send(sub, frame) {
				failed = append(failed, sub.id)
			}
		}
		f.remove(sym, st, failed)
	}
}

// send pushes one frame with the per-subscriber timeout. Returns false if
// the subscriber should be dropped.
func (f *Fanout) send(sub *subscriber, frame []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.SendTimeout)
	defer cancel()

	if err := sub.transport.Send(ctx, frame); err != nil {
		f.logger.Warn("subscriber send failed, dropping", "connection", sub.id, "error", err)
		return false
	}
	return true
}

// remove drops the given subscribers after a broadcast.
func (f *Fanout) remove(symbol string, st *symbolState, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	st.mu.Lock()
	for _, id := range ids {
		delete(st.subs, id)
	}
	count := len(st.subs)
	st.mu.Unlock()
	f.logger.Info("removed failed subscribers", "symbol", symbol, "dropped", len(ids), "count", count)
}

func (f *Fanout) encode(msg types.MarketMessage) []byte {
	frame, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("failed to marshal market message", "type", msg.Type, "error", err)
		return nil
	}
	return frame
}

// SubscriberCount reports the current number of subscribers for a symbol.
func (f *Fanout) SubscriberCount(symbol string) int {
	st := f.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}
