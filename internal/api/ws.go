package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts one gorilla connection to the fanout's Transport.
// gorilla allows a single concurrent writer, so Send serializes writes
// under a mutex; the fanout's flush and heartbeat goroutines may both
// target the same connection.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Send writes one text frame, honoring the context deadline as the write
// deadline.
func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// HandleWebSocket is GET /ws?symbol=S&depth=N. The subscriber immediately
// receives a snapshot unicast, then joins the batched broadcast stream
// until the connection drops.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if !h.pipeline.HasSymbol(symbol) {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("unknown symbol %q", symbol))
		return
	}

	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrors(w, http.StatusBadRequest, "depth must be a positive integer")
			return
		}
		depth = parsed
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return h.originAllowed(req.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	transport := &wsTransport{conn: conn}
	id := h.fanout.Subscribe(symbol, transport)
	h.logger.Info("market-data subscription", "symbol", symbol, "connection", id)

	// Mandatory initial snapshot, unrated.
	if snap, err := h.pipeline.Snapshot(symbol, depth); err == nil {
		h.fanout.SendSnapshot(symbol, id, snap)
	}

	// The stream is outbound-only; the read loop just notices the close.
	go func() {
		defer func() {
			h.fanout.Unsubscribe(symbol, id)
			_ = conn.Close()
		}()
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// originAllowed accepts browser connections from configured origins, and
// from localhost when no list is configured. Non-browser clients omit the
// Origin header and always pass.
func (h *Handlers) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if len(h.cfg.AllowedOrigins) > 0 {
		for _, allowed := range h.cfg.AllowedOrigins {
			if strings.EqualFold(strings.TrimSuffix(allowed, "/"), parsed.Scheme+"://"+parsed.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(parsed.Hostname())
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
