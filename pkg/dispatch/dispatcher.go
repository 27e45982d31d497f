// Package dispatch drains the durable queue: a worker pool claims eligible
// entries, checks gateway health and rate budgets, and hands the downlink to
// the transport. Companion sweeps handle verification timeouts and stranded
// entries behind dead gateways.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/curbsense/displayd/pkg/gateway"
	"github.com/curbsense/displayd/pkg/metrics"
	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/store"
)

// Transport submits a downlink toward the device. Implemented by the MQTT
// integration; the network server handles the actual radio scheduling.
type Transport interface {
	SendDownlink(ctx context.Context, cmd models.DisplayCommand, gatewayID string) error
}

// HealthSource provides the gateway health snapshot consulted before each
// dispatch.
type HealthSource interface {
	Snapshot(ctx context.Context) (gateway.Snapshot, error)
}

// RateLimiter gates dispatch attempts per gateway and tenant.
type RateLimiter interface {
	Allow(ctx context.Context, gatewayID, tenantID string) (bool, error)
}

// Settings are the dispatcher tunables, lifted from configuration.
type Settings struct {
	Workers       int
	BatchSize     int
	PollInterval  time.Duration
	VerifyTimeout time.Duration
	RetryBase     time.Duration
	MaxAttempts   int
}

// Dispatcher owns the pending-to-dispatched half of the pipeline.
type Dispatcher struct {
	queue     store.QueueStore
	affinity  store.AffinityStore
	health    HealthSource
	limiter   RateLimiter
	transport Transport
	metrics   *metrics.Metrics
	settings  Settings

	// deferred holds per-device backoff for entries skipped without a state
	// transition (offline gateway, empty rate bucket) so the poll loop does
	// not rechurn them every tick.
	mu       sync.Mutex
	deferred map[string]time.Time
	inflight map[string]struct{}
}

func New(queue store.QueueStore, affinity store.AffinityStore, health HealthSource, limiter RateLimiter, transport Transport, m *metrics.Metrics, settings Settings) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		affinity:  affinity,
		health:    health,
		limiter:   limiter,
		transport: transport,
		metrics:   m,
		settings:  settings,
		deferred:  make(map[string]time.Time),
		inflight:  make(map[string]struct{}),
	}
}

// Run polls for eligible entries and fans them out to the worker pool until
// the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	work := make(chan *models.QueueEntry)
	var wg sync.WaitGroup
	for i := 0; i < d.settings.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range work {
				d.process(ctx, entry)
			}
		}()
	}

	ticker := time.NewTicker(d.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return
		case <-ticker.C:
			d.pruneDeferred(time.Now())
			entries, err := d.queue.SelectEligible(time.Now(), d.settings.BatchSize)
			if err != nil {
				slog.Error("selecting eligible queue entries failed", "error", err)
				continue
			}
			for _, entry := range entries {
				if !d.admit(entry.DeviceID) {
					continue
				}
				select {
				case work <- entry:
				case <-ctx.Done():
					close(work)
					wg.Wait()
					return
				}
			}
		}
	}
}

// admit reserves the device for one worker and honors local deferrals.
func (d *Dispatcher) admit(deviceID string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if until, ok := d.deferred[deviceID]; ok {
		if now.Before(until) {
			return false
		}
		delete(d.deferred, deviceID)
	}
	if _, busy := d.inflight[deviceID]; busy {
		return false
	}
	d.inflight[deviceID] = struct{}{}
	return true
}

func (d *Dispatcher) release(deviceID string) {
	d.mu.Lock()
	delete(d.inflight, deviceID)
	d.mu.Unlock()
}

func (d *Dispatcher) deferDevice(deviceID string, wait time.Duration) {
	d.mu.Lock()
	d.deferred[deviceID] = time.Now().Add(wait)
	d.mu.Unlock()
}

// pruneDeferred drops lapsed deferrals. admit clears them for devices that
// come back through the queue; this covers devices that never do, such as
// ones flushed or dead-lettered while deferred.
func (d *Dispatcher) pruneDeferred(now time.Time) {
	d.mu.Lock()
	for deviceID, until := range d.deferred {
		if !now.Before(until) {
			delete(d.deferred, deviceID)
		}
	}
	d.mu.Unlock()
}

// process drives one entry through health check, rate acquisition, claim and
// transport submission.
func (d *Dispatcher) process(ctx context.Context, entry *models.QueueEntry) {
	defer d.release(entry.DeviceID)

	var gatewayID string
	var seqFloor int64
	aff, err := d.affinity.Get(ctx, entry.DeviceID)
	if err != nil {
		slog.Warn("affinity lookup failed, dispatching without gateway pinning", "device_id", entry.DeviceID, "error", err)
	} else if aff != nil {
		gatewayID = aff.CurrentGatewayID
		seqFloor = aff.LastFrameCounter
	}

	if gatewayID != "" {
		snap, err := d.health.Snapshot(ctx)
		if err != nil {
			slog.Warn("gateway health unavailable, dispatching anyway", "error", err)
		} else if snap.IsOffline(gatewayID) {
			d.metrics.GatewayOffline.Inc()
			d.deferDevice(entry.DeviceID, d.settings.VerifyTimeout)
			slog.Warn("deferring dispatch, affinity gateway offline",
				"device_id", entry.DeviceID, "gateway_id", gatewayID, "queue_id", entry.QueueID)
			return
		}
	}

	allowed, err := d.limiter.Allow(ctx, rateScope(gatewayID), entry.TenantID)
	if err != nil {
		slog.Warn("rate limiter unavailable, dispatching anyway", "device_id", entry.DeviceID, "error", err)
	} else if !allowed {
		d.metrics.RateLimited.Inc()
		d.deferDevice(entry.DeviceID, 2*time.Second)
		slog.Debug("dispatch deferred by rate limit",
			"device_id", entry.DeviceID, "gateway_id", gatewayID, "tenant_id", entry.TenantID)
		return
	}

	now := time.Now()
	deadline := now.Add(d.settings.VerifyTimeout)
	claimed, err := d.queue.ClaimForDispatch(entry.QueueID, now, deadline, entry.ContentHash, seqFloor)
	if err != nil {
		slog.Error("claiming queue entry failed", "queue_id", entry.QueueID, "error", err)
		return
	}
	if !claimed {
		// Superseded by a fresh command or taken by another worker.
		return
	}

	d.metrics.DispatchAttempts.Inc()
	if err := d.transport.SendDownlink(ctx, entry.Command(), gatewayID); err != nil {
		slog.Error("downlink submission failed", "device_id", entry.DeviceID, "queue_id", entry.QueueID, "error", err)
		retryAt := now.Add(Backoff(d.settings.RetryBase, entry.Attempts+1))
		if _, rerr := d.queue.RevertToPending(entry.QueueID, retryAt, "transport_error"); rerr != nil {
			slog.Error("reverting failed dispatch failed", "queue_id", entry.QueueID, "error", rerr)
		}
		return
	}

	slog.Debug("downlink dispatched",
		"device_id", entry.DeviceID,
		"queue_id", entry.QueueID,
		"gateway_id", gatewayID,
		"color", entry.Color,
		"blink", entry.Blink,
		"attempt", entry.Attempts+1)
}

// rateScope maps an unknown gateway onto a shared bucket so unpinned devices
// still draw from a budget.
func rateScope(gatewayID string) string {
	if gatewayID == "" {
		return "unpinned"
	}
	return gatewayID
}

// Backoff returns the retry delay after the given attempt count: the base
// delay doubled per prior attempt.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		attempts = 16
	}
	return base << (attempts - 1)
}
