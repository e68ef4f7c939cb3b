package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"atlasx-exchange/pkg/types"
)

// Stream is a live market-data subscription for one symbol.
type Stream struct {
	conn     *websocket.Conn
	messages chan types.MarketMessage
}

// SubscribeMarketData opens the WebSocket stream for symbol. The first
// message is always a snapshot; after that the stream carries orderbook,
// trade/trades and ping frames until Close or a read error.
func (c *Client) SubscribeMarketData(ctx context.Context, symbol string, depth int) (*Stream, error) {
	base, err := url.Parse(c.http.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	wsURL := url.URL{
		Scheme: "ws",
		Host:   base.Host,
		Path:   "/ws",
	}
	if strings.EqualFold(base.Scheme, "https") {
		wsURL.Scheme = "wss"
	}
	query := wsURL.Query()
	query.Set("symbol", symbol)
	if depth > 0 {
		query.Set("depth", strconv.Itoa(depth))
	}
	wsURL.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial market data: %w", err)
	}

	s := &Stream{
		conn:     conn,
		messages: make(chan types.MarketMessage, 64),
	}
	go s.readLoop()
	return s, nil
}

// Messages returns the inbound frame channel. It is closed when the
// connection drops or Close is called.
func (s *Stream) Messages() <-chan types.MarketMessage {
	return s.messages
}

// Close tears the subscription down.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) readLoop() {
	defer close(s.messages)
	for {
		var msg types.MarketMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case s.messages <- msg:
		default:
			// Slow consumer: drop rather than stall the read loop.
		}
	}
}
