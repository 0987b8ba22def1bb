// Package httpapi exposes the stream gateway's operational surface:
// a /healthz liveness probe and a /stats endpoint reporting the
// counters from gateway.Server.Stats(), following the same
// mux.NewRouter/HandleFunc shape the wider pack uses for its own
// internal APIs.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/eufylive/stream-gateway/pkg/gateway"
)

// statsResponse wraps gateway.ServerStats with human-readable
// companion fields for operators reading the endpoint directly.
type statsResponse struct {
	gateway.ServerStats
	BytesStreamedHuman string `json:"bytes_streamed_human"`
	UptimeHuman        string `json:"uptime_human"`
}

// Handler serves the gateway's operational HTTP endpoints.
type Handler struct {
	server *gateway.Server
	router *mux.Router
}

// NewHandler builds a Handler wrapping server's /stats and /healthz
// routes.
func NewHandler(server *gateway.Server) *Handler {
	h := &Handler{server: server, router: mux.NewRouter()}
	h.router.HandleFunc("/healthz", h.handleHealthz).Methods("GET")
	h.router.HandleFunc("/stats", h.handleStats).Methods("GET")
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !h.server.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "stopped"}) //nolint:errcheck
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.server.Stats()
	resp := statsResponse{
		ServerStats:        stats,
		BytesStreamedHuman: humanize.Bytes(stats.BytesStreamed),
		UptimeHuman:        humanize.Time(time.Now().Add(-stats.Uptime)),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
