package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/curbsense/displayd/pkg/gateway"
	"github.com/curbsense/displayd/pkg/metrics"
	"github.com/curbsense/displayd/pkg/models"
)

type fakeQueue struct {
	entries map[string]*models.QueueEntry // by queue id

	claims     []string
	reverts    []string
	requeues   []string
	deadReason map[string]string
	claimOK    bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		entries:    make(map[string]*models.QueueEntry),
		deadReason: make(map[string]string),
		claimOK:    true,
	}
}

func (f *fakeQueue) add(e *models.QueueEntry) { f.entries[e.QueueID] = e }

func (f *fakeQueue) Enqueue(entry *models.QueueEntry) error { f.add(entry); return nil }

func (f *fakeQueue) GetByDevice(deviceID string) (*models.QueueEntry, error) {
	for _, e := range f.entries {
		if e.DeviceID == deviceID {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeQueue) SelectEligible(now time.Time, limit int) ([]*models.QueueEntry, error) {
	var out []*models.QueueEntry
	for _, e := range f.entries {
		if e.State == models.QueueStatePending && !e.NextAttemptAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeQueue) ClaimForDispatch(queueID string, now, deadline time.Time, expectedHash string, seqFloor int64) (bool, error) {
	if !f.claimOK {
		return false, nil
	}
	e, ok := f.entries[queueID]
	if !ok || e.State != models.QueueStatePending {
		return false, nil
	}
	e.State = models.QueueStateDispatched
	e.Attempts++
	e.ExpectedHash = &expectedHash
	e.ExpectedSeqFloor = &seqFloor
	e.VerifyDeadline = &deadline
	f.claims = append(f.claims, queueID)
	return true, nil
}

func (f *fakeQueue) RevertToPending(queueID string, nextAttempt time.Time, lastError string) (bool, error) {
	e, ok := f.entries[queueID]
	if !ok || e.State != models.QueueStateDispatched {
		return false, nil
	}
	e.State = models.QueueStatePending
	e.NextAttemptAt = nextAttempt
	e.LastError = &lastError
	f.reverts = append(f.reverts, queueID)
	return true, nil
}

func (f *fakeQueue) DeleteVerified(queueID string) (bool, error) {
	e, ok := f.entries[queueID]
	if !ok || e.State != models.QueueStateDispatched {
		return false, nil
	}
	delete(f.entries, queueID)
	return true, nil
}

func (f *fakeQueue) SelectExpiredVerifications(now time.Time, limit int) ([]*models.QueueEntry, error) {
	var out []*models.QueueEntry
	for _, e := range f.entries {
		if e.State == models.QueueStateDispatched && e.VerifyDeadline != nil && !e.VerifyDeadline.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeQueue) SelectPendingOlderThan(cutoff time.Time, limit int) ([]*models.QueueEntry, error) {
	var out []*models.QueueEntry
	for _, e := range f.entries {
		if len(out) == limit {
			break
		}
		if e.State == models.QueueStatePending && e.EnqueuedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeQueue) ResetForRequeue(queueID string, nextAttempt time.Time) (bool, error) {
	e, ok := f.entries[queueID]
	if !ok || e.State != models.QueueStatePending {
		return false, nil
	}
	e.Attempts = 0
	e.NextAttemptAt = nextAttempt
	f.requeues = append(f.requeues, queueID)
	return true, nil
}

func (f *fakeQueue) MoveToDeadLetter(entry *models.QueueEntry, expectedState models.QueueState, reason string, maxSize int) (bool, error) {
	e, ok := f.entries[entry.QueueID]
	if !ok || e.State != expectedState {
		return false, nil
	}
	delete(f.entries, entry.QueueID)
	f.deadReason[entry.QueueID] = reason
	return true, nil
}

func (f *fakeQueue) CountByState() (map[models.QueueState]int64, error) {
	counts := make(map[models.QueueState]int64)
	for _, e := range f.entries {
		counts[e.State]++
	}
	return counts, nil
}

type fakeAffinity struct {
	byDevice map[string]*models.DeviceGatewayAffinity
}

func (f *fakeAffinity) Update(ctx context.Context, deviceID, gatewayID string, at time.Time, frameCounter int64) error {
	return nil
}

func (f *fakeAffinity) Get(ctx context.Context, deviceID string) (*models.DeviceGatewayAffinity, error) {
	return f.byDevice[deviceID], nil
}

type fakeHealth struct {
	offline map[string]bool
}

func (f *fakeHealth) Snapshot(ctx context.Context) (gateway.Snapshot, error) {
	records := make(map[string]models.GatewayRecord)
	for id, off := range f.offline {
		status := models.GatewayOnline
		if off {
			status = models.GatewayOffline
		}
		records[id] = models.GatewayRecord{GatewayID: id, Status: status}
	}
	return gateway.Snapshot{Records: records, TakenAt: time.Now()}, nil
}

type fakeLimiter struct {
	allow bool
}

func (f *fakeLimiter) Allow(ctx context.Context, gatewayID, tenantID string) (bool, error) {
	return f.allow, nil
}

type fakeTransport struct {
	sent []models.DisplayCommand
	err  error
}

func (f *fakeTransport) SendDownlink(ctx context.Context, cmd models.DisplayCommand, gatewayID string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func testSettings() Settings {
	return Settings{
		Workers:       1,
		BatchSize:     10,
		PollInterval:  10 * time.Millisecond,
		VerifyTimeout: 15 * time.Second,
		RetryBase:     30 * time.Second,
		MaxAttempts:   3,
	}
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func pendingEntry(queueID, deviceID string) *models.QueueEntry {
	return &models.QueueEntry{
		QueueID:       queueID,
		State:         models.QueueStatePending,
		DeviceID:      deviceID,
		TenantID:      "tenant-1",
		SpaceID:       "space-1",
		Color:         models.ColorOccupied,
		ContentHash:   models.ContentHash(models.ColorOccupied, false),
		EnqueuedAt:    time.Now().Add(-time.Second),
		NextAttemptAt: time.Now().Add(-time.Second),
	}
}

func TestBackoffSchedule(t *testing.T) {
	base := 30 * time.Second
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	for i, w := range want {
		if got := Backoff(base, i+1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestProcessDispatchesAndClaims(t *testing.T) {
	q := newFakeQueue()
	entry := pendingEntry("q1", "dev-1")
	q.add(entry)

	aff := &fakeAffinity{byDevice: map[string]*models.DeviceGatewayAffinity{
		"dev-1": {DeviceID: "dev-1", CurrentGatewayID: "gw-1", LastFrameCounter: 42},
	}}
	transport := &fakeTransport{}
	d := New(q, aff, &fakeHealth{offline: map[string]bool{"gw-1": false}}, &fakeLimiter{allow: true}, transport, testMetrics(), testSettings())

	d.process(context.Background(), entry)

	if len(q.claims) != 1 {
		t.Fatalf("claims = %v, want one", q.claims)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(transport.sent))
	}
	if entry.ExpectedSeqFloor == nil || *entry.ExpectedSeqFloor != 42 {
		t.Errorf("seq floor = %v, want 42", entry.ExpectedSeqFloor)
	}
	if entry.State != models.QueueStateDispatched {
		t.Errorf("state = %s, want dispatched", entry.State)
	}
}

func TestProcessSkipsOfflineGateway(t *testing.T) {
	q := newFakeQueue()
	entry := pendingEntry("q1", "dev-1")
	q.add(entry)

	aff := &fakeAffinity{byDevice: map[string]*models.DeviceGatewayAffinity{
		"dev-1": {DeviceID: "dev-1", CurrentGatewayID: "gw-1"},
	}}
	transport := &fakeTransport{}
	d := New(q, aff, &fakeHealth{offline: map[string]bool{"gw-1": true}}, &fakeLimiter{allow: true}, transport, testMetrics(), testSettings())

	d.process(context.Background(), entry)

	if len(q.claims) != 0 || len(transport.sent) != 0 {
		t.Fatalf("offline gateway was dispatched: claims=%v sent=%d", q.claims, len(transport.sent))
	}
	if entry.State != models.QueueStatePending {
		t.Errorf("state = %s, want pending", entry.State)
	}
	if !d.admitAfterDefer("dev-1") {
		t.Errorf("device not deferred")
	}
}

// admitAfterDefer reports whether the device currently sits in the deferral
// map.
func (d *Dispatcher) admitAfterDefer(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.deferred[deviceID]
	return ok && until.After(time.Now())
}

func TestPruneDeferredDropsLapsedEntries(t *testing.T) {
	d := New(newFakeQueue(), &fakeAffinity{byDevice: map[string]*models.DeviceGatewayAffinity{}}, &fakeHealth{}, &fakeLimiter{allow: true}, &fakeTransport{}, testMetrics(), testSettings())

	// dev-gone's entry was flushed while deferred; it never comes back
	// through admit, so the poll-tick prune has to reap it.
	d.deferDevice("dev-gone", -time.Second)
	d.deferDevice("dev-waiting", time.Hour)

	d.pruneDeferred(time.Now())

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.deferred["dev-gone"]; ok {
		t.Errorf("lapsed deferral not pruned")
	}
	if _, ok := d.deferred["dev-waiting"]; !ok {
		t.Errorf("active deferral was pruned")
	}
}

func TestProcessDefersOnRateLimit(t *testing.T) {
	q := newFakeQueue()
	entry := pendingEntry("q1", "dev-1")
	q.add(entry)

	transport := &fakeTransport{}
	d := New(q, &fakeAffinity{byDevice: map[string]*models.DeviceGatewayAffinity{}}, &fakeHealth{}, &fakeLimiter{allow: false}, transport, testMetrics(), testSettings())

	d.process(context.Background(), entry)

	if len(q.claims) != 0 || len(transport.sent) != 0 {
		t.Fatalf("rate-limited entry was dispatched")
	}
}

func TestProcessRevertsOnTransportError(t *testing.T) {
	q := newFakeQueue()
	entry := pendingEntry("q1", "dev-1")
	q.add(entry)

	transport := &fakeTransport{err: errors.New("broker unreachable")}
	d := New(q, &fakeAffinity{byDevice: map[string]*models.DeviceGatewayAffinity{}}, &fakeHealth{}, &fakeLimiter{allow: true}, transport, testMetrics(), testSettings())

	d.process(context.Background(), entry)

	if len(q.reverts) != 1 {
		t.Fatalf("reverts = %v, want one", q.reverts)
	}
	if entry.State != models.QueueStatePending {
		t.Errorf("state = %s, want pending after transport failure", entry.State)
	}
}

func TestProcessSkipsSupersededClaim(t *testing.T) {
	q := newFakeQueue()
	entry := pendingEntry("q1", "dev-1")
	q.add(entry)
	q.claimOK = false

	transport := &fakeTransport{}
	d := New(q, &fakeAffinity{byDevice: map[string]*models.DeviceGatewayAffinity{}}, &fakeHealth{}, &fakeLimiter{allow: true}, transport, testMetrics(), testSettings())

	d.process(context.Background(), entry)

	if len(transport.sent) != 0 {
		t.Fatalf("superseded entry was sent")
	}
}
