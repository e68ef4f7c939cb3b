// Package api exposes the exchange over HTTP and WebSocket.
//
// The REST surface covers order placement, cancellation, order book reads
// and wallet operations; /ws upgrades to the market-data stream, which is
// fed by the fanout. The transport owns the physical connections; the
// fanout only ever sees them through the Transport interface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"atlasx-exchange/internal/config"
	"atlasx-exchange/internal/marketdata"
	"atlasx-exchange/internal/pipeline"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes and the underlying http.Server.
func NewServer(cfg config.ServerConfig, p *pipeline.Pipeline, fanout *marketdata.Fanout, logger *slog.Logger) *Server {
	handlers := NewHandlers(cfg, p, fanout, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("POST /orders", handlers.HandlePlaceOrder)
	mux.HandleFunc("DELETE /orders/{symbol}/{id}", handlers.HandleCancelOrder)
	mux.HandleFunc("GET /orderbook/{symbol}", handlers.HandleOrderbook)
	mux.HandleFunc("POST /wallets/deposit", handlers.HandleDeposit)
	mux.HandleFunc("GET /wallets/balances", handlers.HandleBalances)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
