package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kubelamp/kubelamp/internal/kubeconfig"
	"github.com/kubelamp/kubelamp/internal/portforward"
)

type PortForwardHandler struct {
	Manager  *portforward.Manager
	Logger   *slog.Logger
	validate *validator.Validate
}

func NewPortForwardHandler(manager *portforward.Manager, logger *slog.Logger) *PortForwardHandler {
	return &PortForwardHandler{
		Manager:  manager,
		Logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Create handles POST /api/v1/portforwards.
func (h *PortForwardHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req portforward.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid port-forward request: "+err.Error())
		return
	}

	fw, err := h.Manager.Start(r.Context(), req)
	if err != nil {
		if errors.Is(err, kubeconfig.ErrClusterNotFound) {
			writeError(w, http.StatusNotFound, "Unknown cluster")
			return
		}
		h.Logger.Warn("Port-forward start failed",
			slog.String("cluster", req.Cluster),
			slog.String("pod", req.Pod),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, fw)
}

// List handles GET /api/v1/portforwards?cluster=name.
func (h *PortForwardHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.List(r.URL.Query().Get("cluster")))
}

// Get handles GET /api/v1/portforwards/{id}.
func (h *PortForwardHandler) Get(w http.ResponseWriter, r *http.Request) {
	fw, err := h.Manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Unknown port-forward")
		return
	}
	writeJSON(w, http.StatusOK, fw)
}

// Delete handles DELETE /api/v1/portforwards/{id}.
func (h *PortForwardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.Stop(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "Unknown port-forward")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
