package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kubelamp/kubelamp/internal/kubeconfig"
)

type ClustersHandler struct {
	Store  *kubeconfig.Store
	Logger *slog.Logger
}

func NewClustersHandler(store *kubeconfig.Store, logger *slog.Logger) *ClustersHandler {
	return &ClustersHandler{Store: store, Logger: logger}
}

// List handles GET /api/v1/clusters.
func (h *ClustersHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Store.Clusters())
}

// Health handles GET /api/v1/clusters/{cluster}/health by asking the API
// server for its version, the cheapest authenticated round-trip there is.
func (h *ClustersHandler) Health(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "cluster")

	cl, err := h.Store.Get(name)
	if err != nil {
		if errors.Is(err, kubeconfig.ErrClusterNotFound) {
			writeError(w, http.StatusNotFound, "Unknown cluster")
			return
		}
		writeError(w, http.StatusInternalServerError, "Cluster lookup failed")
		return
	}

	cs, err := cl.Clientset()
	if err != nil {
		h.Logger.Error("Building clientset failed",
			slog.String("cluster", name),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "Cluster unavailable")
		return
	}

	version, err := cs.Discovery().ServerVersion()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"cluster":   name,
			"reachable": false,
			"error":     err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cluster":   name,
		"reachable": true,
		"version":   version.GitVersion,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
