// Package routes serves the operator HTTP API: queue health, dead-letter
// management, device flush, gateway visibility and the dashboard page.
package routes

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/curbsense/displayd/internal/web"
	"github.com/curbsense/displayd/pkg/display"
	"github.com/curbsense/displayd/pkg/gateway"
	"github.com/curbsense/displayd/pkg/models"
	"github.com/curbsense/displayd/pkg/queue"
	"github.com/curbsense/displayd/pkg/store"
)

type WebRouter struct {
	queue    *queue.Service
	health   *gateway.HealthMonitor
	spaces   store.SpaceStateStore
	machine  *display.Machine
	registry *prometheus.Registry

	Notifier *MetricsNotifier
}

func NewWebRouter(q *queue.Service, health *gateway.HealthMonitor, spaces store.SpaceStateStore, machine *display.Machine, registry *prometheus.Registry) *WebRouter {
	return &WebRouter{
		queue:    q,
		health:   health,
		spaces:   spaces,
		machine:  machine,
		registry: registry,
		Notifier: NewMetricsNotifier(),
	}
}

// Handler builds the router with the full middleware chain.
func (wr *WebRouter) Handler() http.Handler {
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/", wr.dashboardPage).Methods("GET")
	myRouter.HandleFunc("/healthz", wr.healthz).Methods("GET")
	myRouter.HandleFunc("/api/queue/metrics", wr.queueMetrics).Methods("GET")
	myRouter.HandleFunc("/api/queue/sse", wr.metricsSSE).Methods("GET")
	myRouter.HandleFunc("/api/deadletter", wr.listDeadLetters).Methods("GET")
	myRouter.HandleFunc("/api/deadletter/{id}/replay", wr.replayDeadLetter).Methods("POST")
	myRouter.HandleFunc("/api/devices/{device_id}/flush", wr.flushDevice).Methods("POST")
	myRouter.HandleFunc("/api/gateways", wr.getGateways).Methods("GET")
	myRouter.HandleFunc("/api/spaces/{space_id}/override", wr.setOverride).Methods("PUT")
	myRouter.Handle("/metrics", promhttp.HandlerFor(wr.registry, promhttp.HandlerOpts{}))

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(RequestLogger)
	h := handlers.RecoveryHandler()
	return h(myRouter)
}

// ListenAndServe runs the operator API until the server fails.
func (wr *WebRouter) ListenAndServe(listenAddr string) error {
	return http.ListenAndServe(listenAddr, wr.Handler())
}

func RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Info("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (wr *WebRouter) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (wr *WebRouter) queueMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := wr.queue.Metrics(r.Context())
	if err != nil {
		slog.Error("error building queue metrics", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type DeadLettersResponse struct {
	DeadLetters []*models.DeadLetter `json:"dead_letters"`
}

func (wr *WebRouter) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 100
	if v, err := strconv.Atoi(query.Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(query.Get("offset")); err == nil && v > 0 {
		offset = v
	}

	letters, err := wr.queue.ListDeadLetters(limit, offset)
	if err != nil {
		slog.Error("error listing dead letters", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if letters == nil {
		letters = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, DeadLettersResponse{DeadLetters: letters})
}

func (wr *WebRouter) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid dead letter id", http.StatusBadRequest)
		return
	}

	letter, err := wr.queue.ReplayDeadLetter(r.Context(), id)
	if err != nil {
		slog.Error("error replaying dead letter", "id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if letter == nil {
		http.Error(w, "Dead letter not found", http.StatusNotFound)
		return
	}
	wr.Notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"device_id": letter.DeviceID,
	})
}

func (wr *WebRouter) flushDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if deviceID == "" {
		http.Error(w, "Device id required", http.StatusBadRequest)
		return
	}

	flushed, err := wr.queue.FlushDevice(r.Context(), deviceID)
	if err != nil {
		slog.Error("error flushing device queue", "device_id", deviceID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !flushed {
		http.Error(w, "Nothing queued for device", http.StatusNotFound)
		return
	}
	wr.Notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type GatewaysResponse struct {
	Gateways []models.GatewayRecord `json:"gateways"`
}

func (wr *WebRouter) gatewayRecords(ctx context.Context) ([]models.GatewayRecord, error) {
	snap, err := wr.health.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]models.GatewayRecord, 0, len(snap.Records))
	for _, rec := range snap.Records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].GatewayID < records[j].GatewayID
	})
	return records, nil
}

func (wr *WebRouter) getGateways(w http.ResponseWriter, r *http.Request) {
	records, err := wr.gatewayRecords(r.Context())
	if err != nil {
		slog.Error("error building gateway snapshot", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, GatewaysResponse{Gateways: records})
}

type OverrideRequest struct {
	TenantID string `json:"tenant_id"`
	State    string `json:"state"`
}

func (wr *WebRouter) setOverride(w http.ResponseWriter, r *http.Request) {
	spaceID := mux.Vars(r)["space_id"]

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	state := models.AdminState(req.State)
	switch state {
	case models.AdminNormal, models.AdminBlocked, models.AdminOutOfService:
	default:
		http.Error(w, "Invalid override state", http.StatusBadRequest)
		return
	}

	if err := wr.spaces.SetAdminState(r.Context(), spaceID, state); err != nil {
		slog.Error("error setting space override", "space_id", spaceID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := wr.machine.NotifySpace(r.Context(), req.TenantID, spaceID); err != nil {
		slog.Warn("recompute after override failed", "space_id", spaceID, "error", err)
	}

	slog.Info("space override set", "space_id", spaceID, "state", state)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type dashboardData struct {
	Gateways []models.GatewayRecord
}

func (wr *WebRouter) dashboardPage(w http.ResponseWriter, r *http.Request) {
	tmpl, err := web.GetHTMLTemplate("dashboard")
	if err != nil {
		slog.Error("error loading dashboard template", "error", err)
		http.Error(w, "Error rendering page", http.StatusInternalServerError)
		return
	}

	records, err := wr.gatewayRecords(r.Context())
	if err != nil {
		slog.Warn("gateway snapshot unavailable for dashboard", "error", err)
	}

	if err := tmpl.ExecuteTemplate(w, "dashboard.tmpl.html", dashboardData{Gateways: records}); err != nil {
		slog.Error("error rendering dashboard", "error", err)
		http.Error(w, "Error rendering page", http.StatusInternalServerError)
	}
}
