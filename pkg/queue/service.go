// Package queue is the front door of the delivery pipeline: it resolves the
// target display device, suppresses redundant commands and hands everything
// else to the durable per-device queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/curbsense/displayd/pkg/metrics"
	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/store"
)

// ErrNoDisplayDevice is returned when a space has no known indicator
// display. The command is dropped; the mapping is learned from the device's
// next uplink.
var ErrNoDisplayDevice = errors.New("no display device mapped for space")

// Service implements enqueue, operator flush and dead-letter replay on top
// of the stores. The display state machine feeds it through the Enqueuer
// interface; the HTTP layer calls the operator methods directly.
type Service struct {
	queue       store.QueueStore
	deadLetters store.DeadLetterStore
	verified    store.VerifiedHashStore
	devices     store.DeviceMapStore
	metrics     *metrics.Metrics

	deadLetterMax int
	commandTTL    time.Duration

	// OnChange, when set, is called after the queue contents change. Used to
	// wake SSE subscribers.
	OnChange func()
}

func NewService(stores *store.Stores, m *metrics.Metrics, deadLetterMax int, commandTTL time.Duration) *Service {
	return &Service{
		queue:         stores.Queue,
		deadLetters:   stores.DeadLetters,
		verified:      stores.Verified,
		devices:       stores.DeviceMap,
		metrics:       m,
		deadLetterMax: deadLetterMax,
		commandTTL:    commandTTL,
	}
}

// Enqueue accepts a computed display command. The device is resolved from
// the space mapping when the caller did not pin one; a command matching the
// device's last verified state is suppressed as a no-op.
func (s *Service) Enqueue(ctx context.Context, cmd models.DisplayCommand) error {
	if cmd.DeviceID == "" {
		deviceID, err := s.devices.Get(ctx, cmd.TenantID, cmd.SpaceID)
		if err != nil {
			return fmt.Errorf("resolving display device: %w", err)
		}
		if deviceID == "" {
			slog.Warn("dropping command for unmapped space", "tenant_id", cmd.TenantID, "space_id", cmd.SpaceID)
			return ErrNoDisplayDevice
		}
		cmd.DeviceID = deviceID
	}

	last, err := s.verified.Get(ctx, cmd.DeviceID)
	if err != nil {
		// Dedup is an optimization; a redis hiccup must not lose commands.
		slog.Warn("verified hash lookup failed, enqueueing anyway", "device_id", cmd.DeviceID, "error", err)
	} else if last != "" && last == cmd.ContentHash {
		s.metrics.DedupSuppressed.Inc()
		slog.Debug("command suppressed, device already verified at this state",
			"device_id", cmd.DeviceID, "content_hash", cmd.ContentHash)
		return nil
	}

	now := time.Now()
	entry := &models.QueueEntry{
		QueueID:       uuid.NewString(),
		State:         models.QueueStatePending,
		DeviceID:      cmd.DeviceID,
		TenantID:      cmd.TenantID,
		SpaceID:       cmd.SpaceID,
		Color:         cmd.Color,
		Blink:         cmd.Blink,
		ContentHash:   cmd.ContentHash,
		Priority:      cmd.Priority,
		ExpiresAt:     cmd.ExpiresAt,
		CreatedAt:     cmd.CreatedAt,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	if err := s.queue.Enqueue(entry); err != nil {
		return fmt.Errorf("enqueueing command for %s: %w", cmd.DeviceID, err)
	}
	s.metrics.Enqueued.Inc()
	if s.OnChange != nil {
		s.OnChange()
	}
	return nil
}

// FlushDevice clears the device's queued command into the dead-letter set.
// Returns false when nothing was queued.
func (s *Service) FlushDevice(ctx context.Context, deviceID string) (bool, error) {
	entry, err := s.queue.GetByDevice(deviceID)
	if err != nil {
		return false, fmt.Errorf("loading queue entry for %s: %w", deviceID, err)
	}
	if entry == nil {
		return false, nil
	}
	moved, err := s.queue.MoveToDeadLetter(entry, entry.State, models.ErrorOperatorFlush, s.deadLetterMax)
	if err != nil {
		return false, fmt.Errorf("flushing queue entry for %s: %w", deviceID, err)
	}
	if moved {
		s.metrics.OperatorFlushes.Inc()
		s.metrics.DeadLettered.Inc()
		slog.Info("queue entry flushed by operator", "device_id", deviceID, "queue_id", entry.QueueID)
	}
	return moved, nil
}

// ListDeadLetters returns dead letters newest-first.
func (s *Service) ListDeadLetters(limit, offset int) ([]*models.DeadLetter, error) {
	return s.deadLetters.List(limit, offset)
}

// ReplayDeadLetter re-enqueues a dead letter as a fresh command and removes
// it from the set. The verified-hash record is cleared first so the replay
// is never suppressed as a duplicate.
func (s *Service) ReplayDeadLetter(ctx context.Context, id int64) (*models.DeadLetter, error) {
	letter, err := s.deadLetters.GetByID(id)
	if err != nil {
		return nil, fmt.Errorf("loading dead letter %d: %w", id, err)
	}
	if letter == nil {
		return nil, nil
	}

	if err := s.verified.Delete(ctx, letter.DeviceID); err != nil {
		slog.Warn("failed to clear verified hash before replay", "device_id", letter.DeviceID, "error", err)
	}

	now := time.Now()
	cmd := models.DisplayCommand{
		DeviceID:    letter.DeviceID,
		TenantID:    letter.TenantID,
		SpaceID:     letter.SpaceID,
		Color:       letter.Color,
		Blink:       letter.Blink,
		ContentHash: letter.ContentHash,
		ExpiresAt:   now.Add(s.commandTTL),
		CreatedAt:   now,
	}
	if err := s.Enqueue(ctx, cmd); err != nil {
		return nil, fmt.Errorf("replaying dead letter %d: %w", id, err)
	}
	if err := s.deadLetters.DeleteByID(id); err != nil {
		return nil, fmt.Errorf("removing replayed dead letter %d: %w", id, err)
	}
	slog.Info("dead letter replayed", "id", id, "device_id", letter.DeviceID)
	return letter, nil
}

// QueueMetrics is the aggregate health view served by the operator API.
type QueueMetrics struct {
	PendingDepth    int64 `json:"pending_depth"`
	DispatchedDepth int64 `json:"dispatched_depth"`
	DeadLetterDepth int64 `json:"dead_letter_depth"`

	// Latency percentiles over the recent verified-delivery window, in
	// milliseconds.
	DeliveryP50Ms float64 `json:"delivery_p50_ms"`
	DeliveryP95Ms float64 `json:"delivery_p95_ms"`
	DeliveryP99Ms float64 `json:"delivery_p99_ms"`
}

// Metrics snapshots the queue depths and delivery percentiles, updating the
// prometheus gauges as a side effect.
func (s *Service) Metrics(ctx context.Context) (*QueueMetrics, error) {
	counts, err := s.queue.CountByState()
	if err != nil {
		return nil, fmt.Errorf("counting queue entries: %w", err)
	}
	deadCount, err := s.deadLetters.Count()
	if err != nil {
		return nil, fmt.Errorf("counting dead letters: %w", err)
	}

	p50, p95, p99 := s.metrics.LatencyQuantiles()
	out := &QueueMetrics{
		PendingDepth:    counts[models.QueueStatePending],
		DispatchedDepth: counts[models.QueueStateDispatched],
		DeadLetterDepth: deadCount,
		DeliveryP50Ms:   p50 * 1000,
		DeliveryP95Ms:   p95 * 1000,
		DeliveryP99Ms:   p99 * 1000,
	}
	s.metrics.PendingDepth.Set(float64(out.PendingDepth + out.DispatchedDepth))
	s.metrics.DeadLetterDepth.Set(float64(deadCount))
	return out, nil
}
