package outbox

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"atlasx-exchange/internal/events"
)

func enqueueAt(t *testing.T, o *Outbox, at time.Time) uuid.UUID {
	t.Helper()
	o.now = func() time.Time { return at }
	id, err := o.Enqueue(events.OrderAccepted{Symbol: "BTC-USD"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestEnqueueStartsPendingAndDue(t *testing.T) {
	t.Parallel()
	o := New()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	id := enqueueAt(t, o, now)

	rec, ok := o.Get(id)
	if !ok {
		t.Fatal("record missing")
	}
	if rec.Status != StatusPending || rec.Attempts != 0 || !rec.NextAttemptAt.Equal(now) {
		t.Errorf("record = %+v, want pending/0 attempts/due now", rec)
	}
	if rec.Tag != events.TagOrderAccepted {
		t.Errorf("tag = %q, want %q", rec.Tag, events.TagOrderAccepted)
	}
}

func TestLeaseMarksInFlightAndLocks(t *testing.T) {
	t.Parallel()
	o := New()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	id := enqueueAt(t, o, now)

	batch := o.TryLeaseBatch(now, 10, time.Minute)
	if len(batch) != 1 || batch[0].ID != id {
		t.Fatalf("batch = %+v, want the one record", batch)
	}

	// While the lease holds, the record is invisible.
	if again := o.TryLeaseBatch(now.Add(30*time.Second), 10, time.Minute); len(again) != 0 {
		t.Errorf("leased record re-leased: %+v", again)
	}
	// After expiry it becomes eligible again.
	if expired := o.TryLeaseBatch(now.Add(61*time.Second), 10, time.Minute); len(expired) != 1 {
		t.Errorf("expired lease not reclaimed: %+v", expired)
	}
}

func TestLeaseFIFOByCreation(t *testing.T) {
	t.Parallel()
	o := New()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	first := enqueueAt(t, o, base)
	second := enqueueAt(t, o, base.Add(time.Second))
	third := enqueueAt(t, o, base.Add(2*time.Second))

	batch := o.TryLeaseBatch(base.Add(time.Minute), 2, time.Minute)
	if len(batch) != 2 || batch[0].ID != first || batch[1].ID != second {
		t.Errorf("batch order = %v, want [%v %v]", ids(batch), first, second)
	}
	_ = third
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	// Scenario: publish fails once with a 1s backoff; at +0.5s the record
	// is not leasable, at +1.2s it is, succeeds, Published with attempts=1.
	o := New()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	id := enqueueAt(t, o, t0)

	batch := o.TryLeaseBatch(t0, 10, time.Minute)
	if len(batch) != 1 {
		t.Fatalf("initial lease = %d records, want 1", len(batch))
	}
	o.MarkFailedOrReschedule(id, "broker unavailable", t0.Add(time.Second), StatusPending)

	if early := o.TryLeaseBatch(t0.Add(500*time.Millisecond), 10, time.Minute); len(early) != 0 {
		t.Errorf("record leasable before backoff elapsed: %+v", early)
	}

	late := o.TryLeaseBatch(t0.Add(1200*time.Millisecond), 10, time.Minute)
	if len(late) != 1 {
		t.Fatalf("record not leasable after backoff: %+v", late)
	}
	o.MarkPublished(id)

	rec, _ := o.Get(id)
	if rec.Status != StatusPublished || rec.Attempts != 1 || rec.LastError != "" {
		t.Errorf("record = %+v, want published with attempts=1 and no error", rec)
	}
}

func TestTerminalFailureNeverLeasedAgain(t *testing.T) {
	t.Parallel()
	o := New()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	id := enqueueAt(t, o, t0)

	o.TryLeaseBatch(t0, 10, time.Minute)
	o.MarkFailedOrReschedule(id, "permanent", t0, StatusFailed)

	rec, _ := o.Get(id)
	if rec.Status != StatusFailed || rec.Attempts != 1 || rec.LastError != "permanent" {
		t.Errorf("record = %+v, want failed/1/permanent", rec)
	}

	if batch := o.TryLeaseBatch(t0.Add(time.Hour), 10, time.Minute); len(batch) != 0 {
		t.Errorf("failed record leased: %+v", batch)
	}
}

func TestPublishedNeverLeasable(t *testing.T) {
	t.Parallel()
	o := New()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	id := enqueueAt(t, o, t0)

	o.TryLeaseBatch(t0, 10, time.Minute)
	o.MarkPublished(id)

	if batch := o.TryLeaseBatch(t0.Add(time.Hour), 10, time.Minute); len(batch) != 0 {
		t.Errorf("published record leased: %+v", batch)
	}
	if o.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", o.Pending())
	}
}

func TestAttemptsMonotonic(t *testing.T) {
	t.Parallel()
	o := New()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	id := enqueueAt(t, o, t0)

	for i := 1; i <= 3; i++ {
		o.TryLeaseBatch(t0, 10, 0)
		o.MarkFailedOrReschedule(id, "again", t0, StatusPending)
		rec, _ := o.Get(id)
		if rec.Attempts != i {
			t.Fatalf("attempts = %d after %d failures", rec.Attempts, i)
		}
	}
}

func ids(batch []Record) []uuid.UUID {
	out := make([]uuid.UUID, len(batch))
	for i, r := range batch {
		out[i] = r.ID
	}
	return out
}
