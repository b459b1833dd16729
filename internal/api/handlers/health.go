package handlers

import (
	"net/http"

	"github.com/kubelamp/kubelamp/internal/kubeconfig"
	"github.com/kubelamp/kubelamp/internal/multiplexer"
	"github.com/kubelamp/kubelamp/internal/portforward"
)

type HealthHandler struct {
	Store *kubeconfig.Store
}

func NewHealthHandler(store *kubeconfig.Store) *HealthHandler {
	return &HealthHandler{Store: store}
}

// Check handles GET /healthz. The gateway is healthy as soon as it can serve;
// individual cluster reachability is reported per-cluster instead.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"clusters": len(h.Store.Clusters()),
	})
}

// StatusHandler reports gateway-level runtime counters for the UI's
// diagnostics view.
type StatusHandler struct {
	Mux      *multiplexer.Multiplexer
	Forwards *portforward.Manager
}

func NewStatusHandler(mux *multiplexer.Multiplexer, forwards *portforward.Manager) *StatusHandler {
	return &StatusHandler{Mux: mux, Forwards: forwards}
}

// Status handles GET /api/v1/status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"activeStreams": h.Mux.ActiveStreams(),
		"portForwards":  len(h.Forwards.List("")),
	})
}
