package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// StorePinger interface for health checks
type StorePinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store     StorePinger
	sessions  SessionLister
	startTime time.Time
	version   string
}

func NewHealthHandler(store StorePinger, sessions SessionLister, version string) *HealthHandler {
	return &HealthHandler{
		store:     store,
		sessions:  sessions,
		startTime: time.Now(),
		version:   version,
	}
}

type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version,omitempty"`
	Uptime    string         `json:"uptime"`
	Timestamp string         `json:"timestamp"`
	Checks    map[string]any `json:"checks"`
	Sessions  map[string]int `json:"sessions,omitempty"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]any)
	overallStatus := "ok"

	// Store check
	storeStatus := "ok"
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			storeStatus = "error"
			overallStatus = "degraded"
			checks["store_error"] = err.Error()
		}
	}
	checks["store"] = storeStatus

	response := HealthResponse{
		Status:    overallStatus,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if h.sessions != nil {
		response.Sessions = make(map[string]int)
		for kind, ids := range h.sessions.Sessions() {
			response.Sessions[kind] = len(ids)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Liveness is a simple check for Kubernetes-style liveness probes
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Readiness checks if the connection store is reachable
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"error":  "connection store unavailable",
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ready"}`))
}
