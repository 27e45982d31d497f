// Package gateway derives gateway online/offline status from the heartbeat
// feed. Consumers receive an explicit point-in-time snapshot rather than
// ambient mutable state, so the dispatcher and janitor stay testable with
// synthetic health data.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/store"
)

// Snapshot is a point-in-time view of gateway health.
type Snapshot struct {
	Records map[string]models.GatewayRecord
	TakenAt time.Time
}

// IsOffline reports whether the gateway is positively known to be offline.
// Gateways we have never heard from are not "known offline"; dispatching to
// them is allowed and the transport decides.
func (s Snapshot) IsOffline(gatewayID string) bool {
	rec, ok := s.Records[gatewayID]
	return ok && rec.Status == models.GatewayOffline
}

// OfflineGateways returns the ids of all gateways currently marked offline.
func (s Snapshot) OfflineGateways() []string {
	var offline []string
	for id, rec := range s.Records {
		if rec.Status == models.GatewayOffline {
			offline = append(offline, id)
		}
	}
	return offline
}

// HealthMonitor tracks gateway liveness. Heartbeats land in the gateway
// store; snapshots are rebuilt from it on a bounded interval so the hot path
// never waits on redis.
type HealthMonitor struct {
	store        store.GatewayStore
	offlineAfter time.Duration
	cacheTTL     time.Duration

	mu        sync.RWMutex
	snapshot  Snapshot
	refreshed time.Time
}

func NewHealthMonitor(gwStore store.GatewayStore, offlineAfter, cacheTTL time.Duration) *HealthMonitor {
	return &HealthMonitor{
		store:        gwStore,
		offlineAfter: offlineAfter,
		cacheTTL:     cacheTTL,
	}
}

// HandleHeartbeat records one observation from the gateway stats feed.
func (m *HealthMonitor) HandleHeartbeat(ctx context.Context, hb models.GatewayHeartbeat) error {
	return m.store.Touch(ctx, hb.GatewayID, hb.LastSeenAt)
}

// Snapshot returns the current health view, refreshing from the store when
// the cached one has aged out.
func (m *HealthMonitor) Snapshot(ctx context.Context) (Snapshot, error) {
	m.mu.RLock()
	if time.Since(m.refreshed) < m.cacheTTL && m.snapshot.Records != nil {
		snap := m.snapshot
		m.mu.RUnlock()
		return snap, nil
	}
	m.mu.RUnlock()
	return m.refresh(ctx)
}

func (m *HealthMonitor) refresh(ctx context.Context) (Snapshot, error) {
	seen, err := m.store.LastSeen(ctx)
	if err != nil {
		// Serve the stale snapshot rather than stalling the pipeline.
		m.mu.RLock()
		stale := m.snapshot
		m.mu.RUnlock()
		if stale.Records != nil {
			slog.Warn("gateway health refresh failed, serving stale snapshot", "error", err)
			return stale, nil
		}
		return Snapshot{}, err
	}

	now := time.Now()
	records := make(map[string]models.GatewayRecord, len(seen))
	for id, last := range seen {
		status := models.GatewayOnline
		if now.Sub(last) > m.offlineAfter {
			status = models.GatewayOffline
		}
		records[id] = models.GatewayRecord{
			GatewayID:  id,
			Status:     status,
			LastSeenAt: last,
		}
	}

	snap := Snapshot{Records: records, TakenAt: now}
	m.mu.Lock()
	m.snapshot = snap
	m.refreshed = now
	m.mu.Unlock()
	return snap, nil
}

// Run refreshes the snapshot in the background until the context ends, so
// offline transitions are noticed even while the queue is idle.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.refresh(ctx); err != nil {
				slog.Warn("gateway health refresh failed", "error", err)
			}
		}
	}
}
