// Package outbox decouples the order pipeline from the message bus.
//
// Domain events are enqueued as records inside the pipeline's critical
// section; a separate publisher leases batches, pushes them to the bus and
// marks the outcome. Leasing gives at-least-once delivery: a record stays
// invisible for the lease duration, and if the publisher dies mid-batch the
// lease expires and the record becomes eligible again.
//
// State is process-local, mirroring the rest of the core, but the record
// lifecycle matches a durable outbox: Pending -> InFlight -> Published, or
// back to Pending with a retry schedule, or Failed once attempts run out.
package outbox

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"atlasx-exchange/internal/events"
)

// Status is the lifecycle state of a record.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusPublished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusPublished:
		return "published"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Record is one enqueued event with its delivery bookkeeping.
type Record struct {
	ID            uuid.UUID
	Tag           string
	Payload       []byte
	CreatedAt     time.Time
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LockedUntil   time.Time
	LastError     string
}

// Outbox owns all records. A single mutex serializes every operation.
type Outbox struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	// order keeps records in (created_at, id) order; enqueue order is
	// creation order, so appending preserves the leasing FIFO.
	order []*Record
	now   func() time.Time
}

// New creates an empty outbox.
func New() *Outbox {
	return &Outbox{
		records: make(map[uuid.UUID]*Record),
		now:     time.Now,
	}
}

// Enqueue serializes the event and adds a Pending record eligible
// immediately.
func (o *Outbox) Enqueue(ev events.Event) (uuid.UUID, error) {
	payload, err := events.Encode(ev)
	if err != nil {
		return uuid.Nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	rec := &Record{
		ID:            uuid.New(),
		Tag:           ev.Tag(),
		Payload:       payload,
		CreatedAt:     now,
		Status:        StatusPending,
		NextAttemptAt: now,
	}
	o.records[rec.ID] = rec
	o.order = append(o.order, rec)
	return rec.ID, nil
}

// TryLeaseBatch selects up to batchSize eligible records in creation order,
// marks them InFlight until now+lease, and returns copies. A record is
// eligible when it is neither Published nor Failed, its next attempt is
// due, and any previous lease has expired.
func (o *Outbox) TryLeaseBatch(now time.Time, batchSize int, lease time.Duration) []Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	var batch []Record
	for _, rec := range o.order {
		if len(batch) >= batchSize {
			break
		}
		if rec.Status == StatusPublished || rec.Status == StatusFailed {
			continue
		}
		if rec.NextAttemptAt.After(now) || rec.LockedUntil.After(now) {
			continue
		}
		rec.Status = StatusInFlight
		rec.LockedUntil = now.Add(lease)
		batch = append(batch, *rec)
	}
	return batch
}

// MarkPublished finalizes successful records, clearing lock and error.
func (o *Outbox) MarkPublished(ids ...uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range ids {
		rec, ok := o.records[id]
		if !ok {
			continue
		}
		rec.Status = StatusPublished
		rec.LockedUntil = time.Time{}
		rec.LastError = ""
	}
}

// MarkFailedOrReschedule records a failed attempt. status selects between
// another try (StatusPending, eligible at nextAttempt) and terminal
// failure (StatusFailed).
func (o *Outbox) MarkFailedOrReschedule(id uuid.UUID, errMsg string, nextAttempt time.Time, status Status) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.records[id]
	if !ok {
		return
	}
	rec.Attempts++
	rec.Status = status
	rec.NextAttemptAt = nextAttempt
	rec.LockedUntil = time.Time{}
	rec.LastError = errMsg
}

// Get returns a copy of one record.
func (o *Outbox) Get(id uuid.UUID) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Pending counts records that are neither Published nor Failed.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, rec := range o.order {
		if rec.Status != StatusPublished && rec.Status != StatusFailed {
			n++
		}
	}
	return n
}
