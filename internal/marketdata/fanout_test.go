package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"atlasx-exchange/pkg/types"
)

// captureTransport records every frame it is sent.
type captureTransport struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (c *captureTransport) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureTransport) messages(t *testing.T) []types.MarketMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.MarketMessage, 0, len(c.frames))
	for _, frame := range c.frames {
		var msg types.MarketMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("unmarshal frame %s: %v", frame, err)
		}
		out = append(out, msg)
	}
	return out
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFanout(cfg Config) *Fanout {
	if cfg.BatchWindow == 0 {
		cfg.BatchWindow = 20 * time.Millisecond
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	return New(cfg, discard())
}

func trade(q string) types.Trade {
	return types.Trade{
		Symbol:   "BTC-USD",
		Price:    decimal.RequireFromString("100"),
		Quantity: decimal.RequireFromString(q),
	}
}

func waitForFlush() { time.Sleep(80 * time.Millisecond) }

func TestBatchingCoalescesIntoSingleTradesFrame(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{BatchWindow: 50 * time.Millisecond})

	tp := &captureTransport{}
	f.Subscribe("BTC-USD", tp)

	// Two broadcasts inside one window: 3 + 3 trades.
	f.BroadcastTrades("BTC-USD", []types.Trade{trade("1"), trade("2"), trade("3")})
	f.BroadcastTrades("BTC-USD", []types.Trade{trade("4"), trade("5"), trade("6")})

	time.Sleep(150 * time.Millisecond)

	msgs := tp.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want exactly 1", len(msgs))
	}
	if msgs[0].Type != types.MsgTrades || len(msgs[0].Trades) != 6 {
		t.Fatalf("message = %s with %d trades, want trades/6", msgs[0].Type, len(msgs[0].Trades))
	}
	for i, want := range []string{"1", "2", "3", "4", "5", "6"} {
		if !msgs[0].Trades[i].Quantity.Equal(decimal.RequireFromString(want)) {
			t.Errorf("trades[%d].Quantity = %v, want %s (original order)", i, msgs[0].Trades[i].Quantity, want)
		}
	}
}

func TestSingleTradeUsesTradeFrame(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{})

	tp := &captureTransport{}
	f.Subscribe("BTC-USD", tp)
	f.BroadcastTrades("BTC-USD", []types.Trade{trade("1")})
	waitForFlush()

	msgs := tp.messages(t)
	if len(msgs) != 1 || msgs[0].Type != types.MsgTrade || msgs[0].Trade == nil {
		t.Fatalf("messages = %+v, want one trade frame", msgs)
	}
}

func TestSnapshotCoalescedLastWriterWins(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{})

	tp := &captureTransport{}
	f.Subscribe("BTC-USD", tp)

	old := types.OrderBookSnapshot{Symbol: "BTC-USD", Bids: []types.BookLevel{{Price: decimal.RequireFromString("99")}}}
	newer := types.OrderBookSnapshot{Symbol: "BTC-USD", Bids: []types.BookLevel{{Price: decimal.RequireFromString("100")}}}
	f.BroadcastOrderbook("BTC-USD", old)
	f.BroadcastOrderbook("BTC-USD", newer)
	waitForFlush()

	msgs := tp.messages(t)
	if len(msgs) != 1 || msgs[0].Type != types.MsgOrderbook {
		t.Fatalf("messages = %+v, want one orderbook frame", msgs)
	}
	if !msgs[0].Snapshot.Bids[0].Price.Equal(decimal.RequireFromString("100")) {
		t.Errorf("snapshot price = %v, want the later 100", msgs[0].Snapshot.Bids[0].Price)
	}
}

func TestSnapshotAndTradesFlushTogether(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{})

	tp := &captureTransport{}
	f.Subscribe("BTC-USD", tp)

	f.BroadcastOrderbook("BTC-USD", types.OrderBookSnapshot{Symbol: "BTC-USD"})
	f.BroadcastTrades("BTC-USD", []types.Trade{trade("1")})
	waitForFlush()

	msgs := tp.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want orderbook then trade", len(msgs))
	}
	if msgs[0].Type != types.MsgOrderbook || msgs[1].Type != types.MsgTrade {
		t.Errorf("order = %s, %s; want orderbook, trade", msgs[0].Type, msgs[1].Type)
	}
}

func TestSendSnapshotBypassesRateLimiter(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{MaxMessagesPerSecond: 1})

	tp := &captureTransport{}
	id := f.Subscribe("BTC-USD", tp)

	// Exhaust the limiter with a flush.
	f.BroadcastTrades("BTC-USD", []types.Trade{trade("1")})
	waitForFlush()

	f.SendSnapshot("BTC-USD", id, types.OrderBookSnapshot{Symbol: "BTC-USD"})

	msgs := tp.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want trade + snapshot", len(msgs))
	}
	if msgs[1].Type != types.MsgSnapshot {
		t.Errorf("last message = %s, want snapshot", msgs[1].Type)
	}
}

func TestRateLimiterDropsExcess(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{MaxMessagesPerSecond: 1, BatchWindow: 5 * time.Millisecond})

	tp := &captureTransport{}
	f.Subscribe("BTC-USD", tp)

	// Two flushes inside one limiter window: the second frame is dropped.
	f.BroadcastTrades("BTC-USD", []types.Trade{trade("1")})
	time.Sleep(30 * time.Millisecond)
	f.BroadcastTrades("BTC-USD", []types.Trade{trade("2")})
	time.Sleep(30 * time.Millisecond)

	if msgs := tp.messages(t); len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 (second dropped by limiter)", len(msgs))
	}
}

func TestFailedSubscriberRemovedAfterBroadcast(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{})

	bad := &captureTransport{err: errors.New("connection reset")}
	good := &captureTransport{}
	f.Subscribe("BTC-USD", bad)
	f.Subscribe("BTC-USD", good)

	f.BroadcastTrades("BTC-USD", []types.Trade{trade("1")})
	waitForFlush()

	if got := f.SubscriberCount("BTC-USD"); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1 after removal", got)
	}
	if msgs := good.messages(t); len(msgs) != 1 {
		t.Errorf("healthy subscriber got %d messages, want 1", len(msgs))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{})

	tp := &captureTransport{}
	id := f.Subscribe("BTC-USD", tp)
	f.Unsubscribe("BTC-USD", id)

	f.BroadcastTrades("BTC-USD", []types.Trade{trade("1")})
	waitForFlush()

	if msgs := tp.messages(t); len(msgs) != 0 {
		t.Errorf("messages = %d, want 0 after unsubscribe", len(msgs))
	}
}

func TestHeartbeatPingsSubscribers(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{HeartbeatInterval: 10 * time.Millisecond})

	tp := &captureTransport{}
	f.Subscribe("BTC-USD", tp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.RunHeartbeat(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	msgs := tp.messages(t)
	if len(msgs) == 0 {
		t.Fatal("no heartbeat received")
	}
	for _, msg := range msgs {
		if msg.Type != types.MsgPing {
			t.Errorf("message type = %s, want ping", msg.Type)
		}
	}
}

func TestSymbolsIsolated(t *testing.T) {
	t.Parallel()
	f := testFanout(Config{})

	btc := &captureTransport{}
	eth := &captureTransport{}
	f.Subscribe("BTC-USD", btc)
	f.Subscribe("ETH-USD", eth)

	f.BroadcastTrades("BTC-USD", []types.Trade{trade("1")})
	waitForFlush()

	if msgs := eth.messages(t); len(msgs) != 0 {
		t.Errorf("ETH subscriber received BTC trades: %+v", msgs)
	}
}
