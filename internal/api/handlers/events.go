package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kubelamp/kubelamp/internal/telemetry"
)

// EventsHandler relays gateway events (cluster list changes, port-forward
// state transitions) to the UI over Server-Sent Events.
type EventsHandler struct {
	Hub    *telemetry.Hub
	Logger *slog.Logger
}

func NewEventsHandler(hub *telemetry.Hub, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{Hub: hub, Logger: logger}
}

// Stream handles GET /api/v1/events?topic=clusters.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	switch topic {
	case telemetry.TopicClusters, telemetry.TopicPortForwards:
	default:
		writeError(w, http.StatusBadRequest, "Unknown topic")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := h.Hub.Subscribe(topic)
	defer h.Hub.Unsubscribe(topic, events)

	h.Logger.Debug("SSE client connected", slog.String("topic", topic))

	for {
		select {
		case <-r.Context().Done():
			h.Logger.Debug("SSE client disconnected", slog.String("topic", topic))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
