package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"atlasx-exchange/internal/bus"
	"atlasx-exchange/internal/events"
)

// PublisherConfig tunes the lease/dispatch loop.
type PublisherConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration"`
	MaxParallelism int           `mapstructure:"max_parallelism"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
}

// Publisher periodically leases outbox batches and pushes them to the bus.
//
// Failures are retried with exponential backoff until MaxAttempts, then the
// record is marked Failed and never leased again. An event whose tag is not
// in the registry fails terminally on the first attempt; retrying cannot
// make an unknown tag known.
type Publisher struct {
	outbox *Outbox
	bus    bus.EventBus
	reg    *events.Registry
	cfg    PublisherConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher wires a publisher to its outbox and bus.
func NewPublisher(o *Outbox, b bus.EventBus, reg *events.Registry, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		outbox: o,
		bus:    b,
		reg:    reg,
		cfg:    cfg,
		logger: logger.With("component", "outbox-publisher"),
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled. In-flight publishes are awaited before
// returning; each settles with a normal status update.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishDue(ctx)
		}
	}
}

// publishDue leases one batch and dispatches it with bounded parallelism,
// blocking until every record in the batch has settled.
func (p *Publisher) publishDue(ctx context.Context) {
	batch := p.outbox.TryLeaseBatch(p.now(), p.cfg.BatchSize, p.cfg.LeaseDuration)
	if len(batch) == 0 {
		return
	}

	sem := make(chan struct{}, p.cfg.MaxParallelism)
	var wg sync.WaitGroup
	for _, rec := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(rec Record) {
			defer wg.Done()
			defer func() { <-sem }()
			p.dispatch(ctx, rec)
		}(rec)
	}
	wg.Wait()
}

// dispatch publishes one record and records the outcome.
func (p *Publisher) dispatch(ctx context.Context, rec Record) {
	ev, err := p.reg.Decode(rec.Tag, rec.Payload)
	if err != nil {
		p.logger.Error("undecodable outbox record", "record", rec.ID, "tag", rec.Tag, "error", err)
		p.outbox.MarkFailedOrReschedule(rec.ID, err.Error(), p.now(), StatusFailed)
		return
	}

	if err := p.bus.Publish(ctx, ev); err != nil {
		p.fail(rec, err)
		return
	}
	p.outbox.MarkPublished(rec.ID)
}

// fail reschedules with backoff, or marks the record Failed once the
// attempt budget is spent.
func (p *Publisher) fail(rec Record, err error) {
	nextAttempt := rec.Attempts + 1
	if nextAttempt >= p.cfg.MaxAttempts {
		p.logger.Error("outbox record failed terminally",
			"record", rec.ID, "tag", rec.Tag, "attempts", nextAttempt, "error", err)
		p.outbox.MarkFailedOrReschedule(rec.ID, err.Error(), p.now(), StatusFailed)
		return
	}

	delay := backoff(p.cfg.BaseDelay, p.cfg.MaxDelay, rec.Attempts)
	p.logger.Warn("publish failed, rescheduling",
		"record", rec.ID, "tag", rec.Tag, "attempt", nextAttempt, "retry_in", delay, "error", err)
	p.outbox.MarkFailedOrReschedule(rec.ID, err.Error(), p.now().Add(delay), StatusPending)
}

// backoff doubles the base delay per prior attempt, capped at max. The
// shift is clamped so the multiplier cannot overflow.
func backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts > 20 {
		attempts = 20
	}
	d := base << uint(attempts)
	if d > max || d <= 0 {
		return max
	}
	return d
}
