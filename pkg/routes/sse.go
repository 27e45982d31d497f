package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// MetricsNotifier wakes SSE subscribers when queue contents change, so the
// dashboard reacts immediately instead of waiting for the next refresh tick.
type MetricsNotifier struct {
	subscribers map[chan struct{}]struct{}
	mu          sync.RWMutex
}

func NewMetricsNotifier() *MetricsNotifier {
	return &MetricsNotifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Subscribe adds a new subscriber that will be woken on queue changes.
func (mn *MetricsNotifier) Subscribe() chan struct{} {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	ch := make(chan struct{}, 1)
	mn.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber.
func (mn *MetricsNotifier) Unsubscribe(ch chan struct{}) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	delete(mn.subscribers, ch)
	close(ch)
}

// Notify wakes all subscribers.
func (mn *MetricsNotifier) Notify() {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	for ch := range mn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Already has a pending wakeup, skip.
		}
	}
}

// SSE endpoint streaming live queue metrics to the dashboard.
func (wr *WebRouter) metricsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	notifyCh := wr.Notifier.Subscribe()
	defer wr.Notifier.Unsubscribe(notifyCh)

	ctx := r.Context()

	sendMetrics := func() error {
		m, err := wr.queue.Metrics(ctx)
		if err != nil {
			return err
		}
		body, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: metrics\ndata: %s\n\n", body); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendMetrics(); err != nil {
		slog.Error("error sending initial SSE metrics", "error", err)
		return
	}

	// Refresh periodically even without changes; heartbeat keeps proxies
	// from closing idle streams.
	refresh := time.NewTicker(5 * time.Second)
	defer refresh.Stop()
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notifyCh:
			if err := sendMetrics(); err != nil {
				slog.Error("error sending SSE metrics", "error", err)
				return
			}
		case <-refresh.C:
			if err := sendMetrics(); err != nil {
				slog.Error("error sending SSE metrics", "error", err)
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
