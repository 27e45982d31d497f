package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/curbsense/displayd/pkg/models"
)

func dispatchedEntry(queueID, deviceID string, attempts int, deadline time.Time) *models.QueueEntry {
	hash := models.ContentHash(models.ColorOccupied, false)
	return &models.QueueEntry{
		QueueID:        queueID,
		State:          models.QueueStateDispatched,
		DeviceID:       deviceID,
		TenantID:       "tenant-1",
		SpaceID:        "space-1",
		Color:          models.ColorOccupied,
		ContentHash:    hash,
		Attempts:       attempts,
		EnqueuedAt:     time.Now().Add(-time.Minute),
		ExpectedHash:   &hash,
		VerifyDeadline: &deadline,
	}
}

func TestSweepRequeuesWithBackoff(t *testing.T) {
	q := newFakeQueue()
	expired := time.Now().Add(-time.Second)
	q.add(dispatchedEntry("q1", "dev-1", 1, expired))

	r := NewRetryManager(q, testMetrics(), time.Second, 10, 30*time.Second, 3, 100)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(q.reverts) != 1 {
		t.Fatalf("reverts = %v, want one", q.reverts)
	}
	e := q.entries["q1"]
	if e.State != models.QueueStatePending {
		t.Errorf("state = %s, want pending", e.State)
	}
	// First retry lands ~30s out.
	wait := time.Until(e.NextAttemptAt)
	if wait < 25*time.Second || wait > 35*time.Second {
		t.Errorf("retry delay = %v, want ~30s", wait)
	}
	if e.LastError == nil || *e.LastError != "verification_timeout" {
		t.Errorf("last error = %v", e.LastError)
	}
}

func TestSweepSecondRetryDoubles(t *testing.T) {
	q := newFakeQueue()
	expired := time.Now().Add(-time.Second)
	q.add(dispatchedEntry("q1", "dev-1", 2, expired))

	r := NewRetryManager(q, testMetrics(), time.Second, 10, 30*time.Second, 3, 100)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	wait := time.Until(q.entries["q1"].NextAttemptAt)
	if wait < 55*time.Second || wait > 65*time.Second {
		t.Errorf("retry delay = %v, want ~60s", wait)
	}
}

func TestSweepDeadLettersAtMaxAttempts(t *testing.T) {
	q := newFakeQueue()
	expired := time.Now().Add(-time.Second)
	q.add(dispatchedEntry("q1", "dev-1", 3, expired))

	r := NewRetryManager(q, testMetrics(), time.Second, 10, 30*time.Second, 3, 100)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// The third transmission expiring still has a retry left in the budget:
	// the final 120s backoff.
	e, ok := q.entries["q1"]
	if !ok {
		t.Fatalf("entry dead-lettered with retry budget remaining")
	}
	if e.State != models.QueueStatePending {
		t.Fatalf("state = %s, want pending", e.State)
	}
	wait := time.Until(e.NextAttemptAt)
	if wait < 115*time.Second || wait > 125*time.Second {
		t.Errorf("final retry delay = %v, want ~120s", wait)
	}

	// The fourth transmission expiring exhausts the budget.
	e.State = models.QueueStateDispatched
	e.Attempts = 4
	e.VerifyDeadline = &expired
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, ok := q.entries["q1"]; ok {
		t.Fatalf("exhausted entry still in queue")
	}
	if q.deadReason["q1"] != models.ErrorMaxRetriesExceeded {
		t.Errorf("dead reason = %q, want %q", q.deadReason["q1"], models.ErrorMaxRetriesExceeded)
	}
}

func TestRetryScheduleRunsFullBudget(t *testing.T) {
	q := newFakeQueue()
	entry := pendingEntry("q1", "dev-1")
	q.add(entry)

	r := NewRetryManager(q, testMetrics(), time.Second, 10, 30*time.Second, 3, 100)

	// Drive the claim/expire/sweep loop to the end: a never-verified command
	// gets four transmissions with 30s, 60s and 120s waits in between.
	var delays []time.Duration
	dispatches := 0
	for i := 0; i < 10; i++ {
		if _, ok := q.entries["q1"]; !ok {
			break
		}
		expired := time.Now().Add(-time.Second)
		claimed, err := q.ClaimForDispatch("q1", time.Now(), expired, entry.ContentHash, 0)
		if err != nil || !claimed {
			t.Fatalf("claim %d: claimed=%v err=%v", i, claimed, err)
		}
		dispatches++

		if err := r.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if e, ok := q.entries["q1"]; ok {
			delays = append(delays, time.Until(e.NextAttemptAt).Round(time.Second))
			e.NextAttemptAt = time.Now()
		}
	}

	if dispatches != 4 {
		t.Fatalf("dispatches = %d, want 4", dispatches)
	}
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
	if q.deadReason["q1"] != models.ErrorMaxRetriesExceeded {
		t.Errorf("dead reason = %q, want %q", q.deadReason["q1"], models.ErrorMaxRetriesExceeded)
	}
}

func TestSweepIgnoresUnexpiredEntries(t *testing.T) {
	q := newFakeQueue()
	q.add(dispatchedEntry("q1", "dev-1", 1, time.Now().Add(10*time.Second)))

	r := NewRetryManager(q, testMetrics(), time.Second, 10, 30*time.Second, 3, 100)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(q.reverts) != 0 {
		t.Errorf("unexpired entry was requeued")
	}
}
