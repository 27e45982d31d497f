package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/curbsense/displayd/pkg/models"
)

type fakeGatewayStore struct {
	seen map[string]time.Time
	err  error
}

func (f *fakeGatewayStore) Touch(ctx context.Context, gatewayID string, at time.Time) error {
	if f.seen == nil {
		f.seen = make(map[string]time.Time)
	}
	f.seen[gatewayID] = at
	return nil
}

func (f *fakeGatewayStore) LastSeen(ctx context.Context) (map[string]time.Time, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.seen, nil
}

func TestSnapshotOfflineThreshold(t *testing.T) {
	now := time.Now()
	fs := &fakeGatewayStore{seen: map[string]time.Time{
		"gw-fresh": now.Add(-time.Minute),
		"gw-stale": now.Add(-10 * time.Minute),
	}}
	m := NewHealthMonitor(fs, 5*time.Minute, 30*time.Second)

	snap, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if snap.IsOffline("gw-fresh") {
		t.Errorf("fresh gateway marked offline")
	}
	if !snap.IsOffline("gw-stale") {
		t.Errorf("stale gateway not marked offline")
	}
	// Never-seen gateways are not positively offline.
	if snap.IsOffline("gw-unknown") {
		t.Errorf("unknown gateway marked offline")
	}

	offline := snap.OfflineGateways()
	if len(offline) != 1 || offline[0] != "gw-stale" {
		t.Errorf("offline = %v", offline)
	}
}

func TestSnapshotIsCached(t *testing.T) {
	fs := &fakeGatewayStore{seen: map[string]time.Time{
		"gw-1": time.Now(),
	}}
	m := NewHealthMonitor(fs, 5*time.Minute, time.Hour)

	first, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// New heartbeats land in the store but the cached view stands until the
	// TTL lapses.
	fs.seen["gw-2"] = time.Now()
	second, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(second.Records) != len(first.Records) {
		t.Errorf("cached snapshot changed: %d -> %d records", len(first.Records), len(second.Records))
	}
}

func TestSnapshotServesStaleOnStoreError(t *testing.T) {
	fs := &fakeGatewayStore{seen: map[string]time.Time{
		"gw-1": time.Now(),
	}}
	m := NewHealthMonitor(fs, 5*time.Minute, 0)

	if _, err := m.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Store failure with a zero cache TTL forces a refresh attempt; the old
	// snapshot is served instead of failing the caller.
	fs.err = errors.New("redis down")
	snap, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot with failing store: %v", err)
	}
	if _, ok := snap.Records["gw-1"]; !ok {
		t.Errorf("stale snapshot lost gateway records")
	}
}

func TestHandleHeartbeatTouchesStore(t *testing.T) {
	fs := &fakeGatewayStore{}
	m := NewHealthMonitor(fs, 5*time.Minute, time.Second)

	at := time.Now()
	hb := models.GatewayHeartbeat{GatewayID: "gw-1", LastSeenAt: at}
	if err := m.HandleHeartbeat(context.Background(), hb); err != nil {
		t.Fatalf("HandleHeartbeat: %v", err)
	}
	if !fs.seen["gw-1"].Equal(at) {
		t.Errorf("heartbeat not recorded: %v", fs.seen)
	}
}
