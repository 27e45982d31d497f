package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/curbsense/displayd/pkg/metrics"
	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/store"
)

// RetryManager sweeps dispatched entries whose verification deadline lapsed:
// under the attempt budget they go back to pending with exponential backoff,
// over it they move to the dead-letter set.
type RetryManager struct {
	queue   store.QueueStore
	metrics *metrics.Metrics

	sweepInterval time.Duration
	batchSize     int
	retryBase     time.Duration
	maxAttempts   int
	deadLetterMax int
}

func NewRetryManager(queue store.QueueStore, m *metrics.Metrics, sweepInterval time.Duration, batchSize int, retryBase time.Duration, maxAttempts, deadLetterMax int) *RetryManager {
	return &RetryManager{
		queue:         queue,
		metrics:       m,
		sweepInterval: sweepInterval,
		batchSize:     batchSize,
		retryBase:     retryBase,
		maxAttempts:   maxAttempts,
		deadLetterMax: deadLetterMax,
	}
}

// Run sweeps on the configured interval until the context ends.
func (r *RetryManager) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				slog.Error("retry sweep failed", "error", err)
			}
		}
	}
}

// Sweep processes one batch of expired verifications.
func (r *RetryManager) Sweep(ctx context.Context) error {
	now := time.Now()
	entries, err := r.queue.SelectExpiredVerifications(now, r.batchSize)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		// Attempts counts transmissions, and the first one is not a retry:
		// the budget is spent only once maxAttempts retries have also gone
		// unverified. With the default budget of 3 that is four
		// transmissions, backed off 30s, 60s and 120s in between.
		if entry.Attempts > r.maxAttempts {
			moved, err := r.queue.MoveToDeadLetter(entry, models.QueueStateDispatched, models.ErrorMaxRetriesExceeded, r.deadLetterMax)
			if err != nil {
				slog.Error("dead-lettering exhausted entry failed", "queue_id", entry.QueueID, "error", err)
				continue
			}
			if moved {
				r.metrics.DeadLettered.Inc()
				slog.Error("command dead-lettered after exhausting retries",
					"device_id", entry.DeviceID,
					"queue_id", entry.QueueID,
					"attempts", entry.Attempts,
					"color", entry.Color,
					"blink", entry.Blink)
			}
			continue
		}

		retryAt := now.Add(Backoff(r.retryBase, entry.Attempts))
		reverted, err := r.queue.RevertToPending(entry.QueueID, retryAt, "verification_timeout")
		if err != nil {
			slog.Error("requeueing timed-out entry failed", "queue_id", entry.QueueID, "error", err)
			continue
		}
		if reverted {
			r.metrics.Retries.Inc()
			slog.Warn("verification timed out, retrying",
				"device_id", entry.DeviceID,
				"queue_id", entry.QueueID,
				"attempt", entry.Attempts,
				"next_attempt_at", retryAt)
		}
	}
	return nil
}
