package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"atlasx-exchange/internal/events"
)

// RabbitConfig connects the exchange to a RabbitMQ broker.
type RabbitConfig struct {
	URL            string        `mapstructure:"url"`
	Exchange       string        `mapstructure:"exchange"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	ChannelPool    int           `mapstructure:"channel_pool"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
}

// Rabbit publishes events to a RabbitMQ topic exchange with publisher
// confirms.
//
// One long-lived connection carries a small pool of channels. Each channel
// declares the exchange and enables confirm mode once, when it is created.
// Events are published persistent, content-type JSON, with the event tag as
// routing key, and Publish blocks until the broker confirms or the confirm
// timeout elapses. A channel that errors is discarded; the connection is
// redialed with exponential backoff when it is found dead.
type Rabbit struct {
	cfg    RabbitConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channels chan *amqp.Channel
}

// NewRabbit dials the broker and prepares the channel pool.
func NewRabbit(cfg RabbitConfig, logger *slog.Logger) (*Rabbit, error) {
	r := &Rabbit{
		cfg:      cfg,
		logger:   logger.With("component", "rabbit-bus"),
		channels: make(chan *amqp.Channel, cfg.ChannelPool),
	}
	if err := r.connect(); err != nil {
		return nil, err
	}
	return r, nil
}

// connect dials the broker. Caller must not hold r.mu.
func (r *Rabbit) connect() error {
	conn, err := amqp.Dial(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	r.logger.Info("connected to broker", "exchange", r.cfg.Exchange)
	return nil
}

// reconnect redials with exponential backoff until ctx is cancelled.
func (r *Rabbit) reconnect(ctx context.Context) error {
	delay := r.cfg.ReconnectMin
	for {
		if err := r.connect(); err == nil {
			return nil
		} else {
			r.logger.Warn("broker reconnect failed", "retry_in", delay, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.cfg.ReconnectMax {
			delay = r.cfg.ReconnectMax
		}
	}
}

// channel returns a pooled confirm-mode channel, creating one if the pool
// is empty.
func (r *Rabbit) channel(ctx context.Context) (*amqp.Channel, error) {
	select {
	case ch := <-r.channels:
		if !ch.IsClosed() {
			return ch, nil
		}
		// Stale channel; fall through and open a fresh one.
	default:
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		if err := r.reconnect(ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
		conn = r.conn
		r.mu.Unlock()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	// Topic exchange declared once per channel; declaration is idempotent
	// on the broker side.
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return ch, nil
}

// release returns a healthy channel to the pool, closing it if full.
func (r *Rabbit) release(ch *amqp.Channel) {
	select {
	case r.channels <- ch:
	default:
		_ = ch.Close()
	}
}

// Publish sends one event and waits for the broker's confirmation.
func (r *Rabbit) Publish(ctx context.Context, ev events.Event) error {
	body, err := events.Encode(ev)
	if err != nil {
		return err
	}

	ch, err := r.channel(ctx)
	if err != nil {
		return err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, r.cfg.ConfirmTimeout)
	defer cancel()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx,
		r.cfg.Exchange,
		ev.Tag(), // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         ev.Tag(),
			Body:         body,
		})
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("publish %s: %w", ev.Tag(), err)
	}

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("await confirm for %s: %w", ev.Tag(), err)
	}
	if !acked {
		_ = ch.Close()
		return fmt.Errorf("broker nacked %s", ev.Tag())
	}

	r.release(ch)
	return nil
}

// Close shuts down the pooled channels and the connection.
func (r *Rabbit) Close() error {
	for {
		select {
		case ch := <-r.channels:
			_ = ch.Close()
			continue
		default:
		}
		break
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}
