package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"atlasx-exchange/internal/config"
	"atlasx-exchange/internal/ledger"
	"atlasx-exchange/internal/marketdata"
	"atlasx-exchange/internal/pipeline"
	"atlasx-exchange/pkg/types"
)

// Required request headers. The client id scopes wallets, orders and the
// idempotency cache; the key makes POST /orders retry-safe.
const (
	HeaderClientID       = "X-Client-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	cfg      config.ServerConfig
	pipeline *pipeline.Pipeline
	fanout   *marketdata.Fanout
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(cfg config.ServerConfig, p *pipeline.Pipeline, fanout *marketdata.Fanout, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		pipeline: p,
		fanout:   fanout,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandlePlaceOrder is POST /orders. Missing headers fail before the
// idempotency cache is consulted, so those errors are never cached.
func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(HeaderClientID)
	idemKey := r.Header.Get(HeaderIdempotencyKey)

	var headerErrs []string
	if clientID == "" {
		headerErrs = append(headerErrs, fmt.Sprintf("%s header is required", HeaderClientID))
	}
	if idemKey == "" {
		headerErrs = append(headerErrs, fmt.Sprintf("%s header is required", HeaderIdempotencyKey))
	}
	if len(headerErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Errors: headerErrs})
		return
	}

	var req types.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		result := h.pipeline.RejectMalformed(clientID, idemKey, fmt.Errorf("invalid request body: %v", err))
		writeRaw(w, result)
		return
	}

	writeRaw(w, h.pipeline.PlaceOrder(clientID, idemKey, req))
}

// HandleCancelOrder is DELETE /orders/{symbol}/{id}.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(HeaderClientID)
	if clientID == "" {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("%s header is required", HeaderClientID))
		return
	}

	orderID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid order id")
		return
	}

	resp, err := h.pipeline.CancelOrder(clientID, r.PathValue("symbol"), orderID)
	switch {
	case errors.Is(err, pipeline.ErrUnknownSymbol):
		writeErrors(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrOrderNotFound):
		writeErrors(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error("cancel failed", "order", orderID, "error", err)
		writeErrors(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleOrderbook is GET /orderbook/{symbol}?depth=N.
func (h *Handlers) HandleOrderbook(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrors(w, http.StatusBadRequest, "depth must be a positive integer")
			return
		}
		depth = parsed
	}

	snap, err := h.pipeline.Snapshot(r.PathValue("symbol"), depth)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleDeposit is POST /wallets/deposit.
func (h *Handlers) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(HeaderClientID)
	if clientID == "" {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("%s header is required", HeaderClientID))
		return
	}

	var req types.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Asset == "" {
		writeErrors(w, http.StatusBadRequest, "asset is required")
		return
	}

	if err := h.pipeline.Deposit(clientID, req.Asset, req.Amount); err != nil {
		if errors.Is(err, ledger.ErrNonPositiveAmount) {
			writeErrors(w, http.StatusBadRequest, "amount must be positive")
			return
		}
		h.logger.Error("deposit failed", "client", clientID, "error", err)
		writeErrors(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Balances(clientID))
}

// HandleBalances is GET /wallets/balances.
func (h *Handlers) HandleBalances(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(HeaderClientID)
	if clientID == "" {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("%s header is required", HeaderClientID))
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Balances(clientID))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrors(w http.ResponseWriter, status int, msgs ...string) {
	writeJSON(w, status, types.ErrorResponse{Errors: msgs})
}

// writeRaw replays a pipeline result byte for byte, which keeps cached
// idempotent responses identical across retries.
func writeRaw(w http.ResponseWriter, result pipeline.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Payload)
}
