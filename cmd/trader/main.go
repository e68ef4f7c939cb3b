// trader is a small demo driver against a running exchange: it funds two
// accounts, subscribes to market data, crosses a pair of limit orders and
// prints what comes back.
//
// Usage: trader [-url http://localhost:8080] [-symbol BTC-USD]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atlasx-exchange/pkg/client"
	"atlasx-exchange/pkg/types"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "exchange base URL")
	symbol := flag.String("symbol", "BTC-USD", "symbol to trade")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, logger, *baseURL, *symbol); err != nil {
		logger.Error("trader failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, baseURL, symbol string) error {
	seller := client.New(baseURL, "demo-seller")
	buyer := client.New(baseURL, "demo-buyer")

	if err := seller.Health(ctx); err != nil {
		return fmt.Errorf("exchange not reachable: %w", err)
	}

	if _, err := seller.Deposit(ctx, "BTC", decimal.NewFromInt(1)); err != nil {
		return err
	}
	if _, err := buyer.Deposit(ctx, "USD", decimal.NewFromInt(100)); err != nil {
		return err
	}
	logger.Info("accounts funded")

	stream, err := buyer.SubscribeMarketData(ctx, symbol, 10)
	if err != nil {
		return err
	}
	defer stream.Close()

	price := decimal.NewFromInt(100)
	sellRes, err := seller.PlaceOrder(ctx, uuid.NewString(), types.PlaceOrderRequest{
		Symbol:   symbol,
		Side:     "SELL",
		Type:     "LIMIT",
		Quantity: decimal.NewFromInt(1),
		Price:    &price,
	})
	if err != nil {
		return err
	}
	logger.Info("sell placed", "order", sellRes.OrderID, "status", sellRes.Status)

	buyRes, err := buyer.PlaceOrder(ctx, uuid.NewString(), types.PlaceOrderRequest{
		Symbol:   symbol,
		Side:     "BUY",
		Type:     "LIMIT",
		Quantity: decimal.NewFromInt(1),
		Price:    &price,
	})
	if err != nil {
		return err
	}
	logger.Info("buy placed", "order", buyRes.OrderID, "status", buyRes.Status)
	for _, trade := range buyRes.Trades {
		logger.Info("trade", "id", trade.ID, "price", trade.Price, "quantity", trade.Quantity)
	}

	balances, err := buyer.Balances(ctx)
	if err != nil {
		return err
	}
	for _, b := range balances {
		logger.Info("buyer balance", "asset", b.Asset, "available", b.Available, "reserved", b.Reserved)
	}

	// Drain a few frames so the stream side of the demo shows something.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-stream.Messages():
			if !ok {
				return nil
			}
			logger.Info("market data", "type", msg.Type, "symbol", msg.Symbol)
		case <-deadline:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
