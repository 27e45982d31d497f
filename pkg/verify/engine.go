// Package verify closes the delivery loop: display uplinks report the state
// the device actually shows, and matching an outstanding dispatched command
// is the only thing that completes it. A dispatch with no matching uplink is
// a failure by definition.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/curbsense/displayd/pkg/metrics"
	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/store"
)

// Engine matches display uplinks against outstanding verification records.
type Engine struct {
	queue    store.QueueStore
	affinity store.AffinityStore
	verified store.VerifiedHashStore
	metrics  *metrics.Metrics

	verifiedTTL time.Duration
}

func NewEngine(stores *store.Stores, m *metrics.Metrics, verifiedTTL time.Duration) *Engine {
	return &Engine{
		queue:       stores.Queue,
		affinity:    stores.Affinity,
		verified:    stores.Verified,
		metrics:     m,
		verifiedTTL: verifiedTTL,
	}
}

// HandleUplink processes one display status uplink: it refreshes the
// device's gateway affinity, then checks the reported state against any
// outstanding dispatched command.
func (e *Engine) HandleUplink(ctx context.Context, up models.DeviceUplink) error {
	if up.GatewayID != "" {
		if err := e.affinity.Update(ctx, up.DeviceID, up.GatewayID, up.Timestamp, up.FrameCounter); err != nil {
			slog.Warn("affinity update failed", "device_id", up.DeviceID, "error", err)
		}
	}

	entry, err := e.queue.GetByDevice(up.DeviceID)
	if err != nil {
		return fmt.Errorf("loading queue entry for %s: %w", up.DeviceID, err)
	}
	if entry == nil || entry.State != models.QueueStateDispatched || entry.ExpectedHash == nil {
		return nil
	}

	observed := models.ContentHash(up.AppliedColor, up.AppliedBlink)
	if observed != *entry.ExpectedHash {
		e.metrics.VerifyMismatches.Inc()
		slog.Warn("uplink state does not match outstanding command",
			"device_id", up.DeviceID,
			"queue_id", entry.QueueID,
			"expected_hash", *entry.ExpectedHash,
			"observed_hash", observed,
			"applied_color", up.AppliedColor,
			"applied_blink", up.AppliedBlink)
		return nil
	}

	if entry.ExpectedSeqFloor != nil && up.FrameCounter <= *entry.ExpectedSeqFloor {
		// Right state, but from before the dispatch. Likely a queued or
		// duplicated frame; the fresh confirmation is still outstanding.
		slog.Debug("stale uplink ignored, frame counter at or below dispatch floor",
			"device_id", up.DeviceID,
			"queue_id", entry.QueueID,
			"frame_counter", up.FrameCounter,
			"floor", *entry.ExpectedSeqFloor)
		return nil
	}

	removed, err := e.queue.DeleteVerified(entry.QueueID)
	if err != nil {
		return fmt.Errorf("completing verified entry %s: %w", entry.QueueID, err)
	}
	if !removed {
		// Coalesced or swept between the read and the delete.
		return nil
	}

	e.metrics.Verified.Inc()
	latency := time.Since(entry.EnqueuedAt)
	e.metrics.ObserveDelivery(latency.Seconds())

	if err := e.verified.Set(ctx, up.DeviceID, observed, e.verifiedTTL); err != nil {
		slog.Warn("recording verified hash failed", "device_id", up.DeviceID, "error", err)
	}

	slog.Info("command verified",
		"device_id", up.DeviceID,
		"queue_id", entry.QueueID,
		"color", up.AppliedColor,
		"blink", up.AppliedBlink,
		"attempts", entry.Attempts,
		"latency_ms", latency.Milliseconds())
	return nil
}
