package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/curbsense/displayd/pkg/metrics"
	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/store"
)

// Janitor actions for entries stranded behind an offline gateway.
const (
	JanitorActionDeadLetter = "deadletter"
	JanitorActionRequeue    = "requeue"
)

// Janitor periodically looks for pending entries that have sat in the queue
// past the staleness cutoff while their affinity gateway is offline. Those
// entries would otherwise be retried forever against a dead radio path.
type Janitor struct {
	queue    store.QueueStore
	affinity store.AffinityStore
	health   HealthSource
	metrics  *metrics.Metrics

	interval      time.Duration
	staleAfter    time.Duration
	batchSize     int
	action        string
	deadLetterMax int
}

func NewJanitor(queue store.QueueStore, affinity store.AffinityStore, health HealthSource, m *metrics.Metrics, interval, staleAfter time.Duration, batchSize int, action string, deadLetterMax int) *Janitor {
	return &Janitor{
		queue:         queue,
		affinity:      affinity,
		health:        health,
		metrics:       m,
		interval:      interval,
		staleAfter:    staleAfter,
		batchSize:     batchSize,
		action:        action,
		deadLetterMax: deadLetterMax,
	}
}

// Run sweeps on the configured interval until the context ends.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				slog.Error("janitor sweep failed", "error", err)
			}
		}
	}
}

// Sweep drains every currently-stale entry, batch by batch, so one cycle
// clears the whole backlog behind an offline gateway.
func (j *Janitor) Sweep(ctx context.Context) error {
	snap, err := j.health.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(snap.OfflineGateways()) == 0 {
		return nil
	}

	cutoff := time.Now().Add(-j.staleAfter)
	// Skipped entries (online gateway, unpinned) stay pending and show up in
	// every subsequent batch, so track what this sweep has already seen.
	seen := make(map[string]struct{})
	for {
		entries, err := j.queue.SelectPendingOlderThan(cutoff, j.batchSize)
		if err != nil {
			return err
		}

		progress := false
		for _, entry := range entries {
			if _, done := seen[entry.QueueID]; done {
				continue
			}
			seen[entry.QueueID] = struct{}{}
			progress = true

			aff, err := j.affinity.Get(ctx, entry.DeviceID)
			if err != nil {
				slog.Warn("janitor affinity lookup failed", "device_id", entry.DeviceID, "error", err)
				continue
			}
			if aff == nil || !snap.IsOffline(aff.CurrentGatewayID) {
				continue
			}

			switch j.action {
			case JanitorActionRequeue:
				reset, err := j.queue.ResetForRequeue(entry.QueueID, time.Now().Add(j.interval))
				if err != nil {
					slog.Error("janitor requeue failed", "queue_id", entry.QueueID, "error", err)
					continue
				}
				if reset {
					slog.Warn("stale entry requeued behind offline gateway",
						"device_id", entry.DeviceID,
						"queue_id", entry.QueueID,
						"gateway_id", aff.CurrentGatewayID)
				}
			default:
				moved, err := j.queue.MoveToDeadLetter(entry, models.QueueStatePending, models.ErrorGatewayOffline, j.deadLetterMax)
				if err != nil {
					slog.Error("janitor dead-letter failed", "queue_id", entry.QueueID, "error", err)
					continue
				}
				if moved {
					j.metrics.JanitorFlushes.Inc()
					j.metrics.DeadLettered.Inc()
					slog.Warn("stale entry dead-lettered, gateway offline",
						"device_id", entry.DeviceID,
						"queue_id", entry.QueueID,
						"gateway_id", aff.CurrentGatewayID,
						"enqueued_at", entry.EnqueuedAt)
				}
			}
		}

		if len(entries) < j.batchSize || !progress {
			return nil
		}
	}
}
