package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/stalectl/stalectl/internal/invalidation"
	"github.com/stalectl/stalectl/internal/tiercache"
)

// AdminAPI is the surface the router needs from the invalidation engine and
// tier cache to serve the operational endpoints.
type AdminAPI interface {
	Metrics() invalidation.Snapshot
	ResetMetrics()
	InvalidateManual(ctx context.Context, req invalidation.ManualRequest)
	CacheStats(ctx context.Context) tiercache.Stats
}

// statsResponse is the GET /stats payload: engine counters plus per-tier
// cache occupancy.
type statsResponse struct {
	Invalidation invalidation.Snapshot `json:"invalidation"`
	Cache        tiercache.Stats       `json:"cache"`
}

// NewAdminHandler wires the operational HTTP surface: health, stats, and
// manual invalidation. The /metrics endpoint is mounted by the caller so the
// Prometheus handler stays decoupled from routing.
func NewAdminHandler(api AdminAPI) http.Handler {
	if api == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statsResponse{
			Invalidation: api.Metrics(),
			Cache:        api.CacheStats(r.Context()),
		})
	})
	mux.HandleFunc("DELETE /stats", func(w http.ResponseWriter, r *http.Request) {
		api.ResetMetrics()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /invalidate", func(w http.ResponseWriter, r *http.Request) {
		var req invalidation.ManualRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		api.InvalidateManual(r.Context(), req)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
