package handlers

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kubelamp/kubelamp/internal/multiplexer"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size; clients only send small control payloads.
	maxMessageSize = 4096

	// Per-session outbound queue depth before frames are dropped, used when
	// the configured stream buffer size is absent.
	defaultSendQueueSize = 256
)

// The Origin header was already validated by the CORS middleware on the
// router, so the upgrader accepts here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WatchRequest is a control message from the UI on the multiplexed socket. A
// single socket carries many streams; REQUEST opens one, CLOSE releases it.
type WatchRequest struct {
	Type    string `json:"type" validate:"required,oneof=REQUEST CLOSE"`
	Cluster string `json:"cluster" validate:"required"`
	Path    string `json:"path" validate:"required"`
	Mode    string `json:"mode" validate:"omitempty,oneof=json channel"`
}

// StreamFrame is one outbound message to the UI, tagged with the stream it
// belongs to so the client can demultiplex.
type StreamFrame struct {
	Cluster string          `json:"cluster"`
	Path    string          `json:"path"`
	Status  string          `json:"status"` // data | error | complete
	Channel int             `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`   // JSON payloads
	Binary  string          `json:"binary,omitempty"` // base64 payloads (channel mode)
	Error   string          `json:"error,omitempty"`
}

type MultiplexerHandler struct {
	Mux      *multiplexer.Multiplexer
	Logger   *slog.Logger
	queue    int
	validate *validator.Validate
}

// NewMultiplexerHandler builds the handler for the multiplexed watch socket.
// queueSize is the per-session outbound frame queue depth; zero or negative
// selects the default.
func NewMultiplexerHandler(mux *multiplexer.Multiplexer, logger *slog.Logger, queueSize int) *MultiplexerHandler {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &MultiplexerHandler{
		Mux:      mux,
		Logger:   logger,
		queue:    queueSize,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// streamSub tracks one open stream on a session. detach is filled in once
// Subscribe returns; a terminal frame can race that, so release tolerates nil.
type streamSub struct {
	detach func()
}

// session is the state of one connected UI socket. The subscription map is
// shared between the read pump and multiplexer callbacks, so it is guarded by
// its own mutex; a terminal frame removes the entry so the client can open
// the same stream again.
type session struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*streamSub // streamID -> subscription
}

// Serve handles GET /wsMultiplexer.
func (h *MultiplexerHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade WebSocket connection", slog.String("error", err.Error()))
		return
	}

	s := &session{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, h.queue),
		subs: make(map[string]*streamSub),
	}
	s.logger = h.Logger.With(slog.String("session", s.id))
	s.logger.Info("Multiplexer session opened", slog.String("remote", r.RemoteAddr))

	go s.writePump()
	h.readPump(r, s)
}

// readPump processes control messages until the client goes away, then
// releases every stream the session still holds.
func (h *MultiplexerHandler) readPump(r *http.Request, s *session) {
	defer func() {
		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()
		for _, sub := range subs {
			if sub.detach != nil {
				sub.detach()
			}
		}
		close(s.send)
		s.ws.Close()
		s.logger.Info("Multiplexer session closed", slog.Int("streams", len(subs)))
	}()

	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("Session closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var req WatchRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.reject("", "", "invalid JSON payload")
			continue
		}
		if err := h.validate.Struct(req); err != nil {
			s.reject(req.Cluster, req.Path, "invalid watch request: "+err.Error())
			continue
		}

		switch req.Type {
		case "REQUEST":
			h.openStream(r, s, req)
		case "CLOSE":
			h.closeStream(s, req)
		}
	}
}

func (h *MultiplexerHandler) openStream(r *http.Request, s *session, req WatchRequest) {
	id := streamID(req)

	s.mu.Lock()
	if _, exists := s.subs[id]; exists {
		s.mu.Unlock()
		// The UI re-requesting a live stream is a client bug; opening it
		// twice would double every delivery. Ended streams were already
		// released, so a re-request after an error or complete frame falls
		// through and opens fresh.
		s.logger.Warn("Duplicate stream request ignored",
			slog.String("cluster", req.Cluster),
			slog.String("path", req.Path),
		)
		return
	}
	sub := &streamSub{}
	s.subs[id] = sub
	s.mu.Unlock()

	mode := multiplexer.ModeJSON
	if req.Mode == "channel" {
		mode = multiplexer.ModeChannel
	}

	detach := h.Mux.Subscribe(r.Context(), req.Cluster, req.Path, mode, func(msg multiplexer.Message) {
		if msg.Status != multiplexer.StatusData {
			// Terminal frame: drop the session's entry so the client can
			// retry by re-requesting the same stream.
			s.release(id, sub)
		}
		s.enqueue(encodeFrame(msg))
	})

	s.mu.Lock()
	if cur, ok := s.subs[id]; ok && cur == sub {
		sub.detach = detach
		s.mu.Unlock()
	} else {
		// The stream ended (or the session closed) before registration
		// finished; nothing tracks this subscription anymore.
		s.mu.Unlock()
		detach()
		return
	}

	s.logger.Debug("Stream opened",
		slog.String("cluster", req.Cluster),
		slog.String("path", req.Path),
	)
}

func (h *MultiplexerHandler) closeStream(s *session, req WatchRequest) {
	id := streamID(req)

	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)
	detach := sub.detach
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
	s.logger.Debug("Stream closed",
		slog.String("cluster", req.Cluster),
		slog.String("path", req.Path),
	)
}

// release removes one stream entry if it is still the tracked subscription
// for its key, then detaches it from the multiplexer.
func (s *session) release(id string, sub *streamSub) {
	s.mu.Lock()
	cur, ok := s.subs[id]
	if !ok || cur != sub {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)
	detach := sub.detach
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
}

func streamID(req WatchRequest) string {
	return req.Cluster + "\x00" + req.Path
}

// enqueue hands a frame to the write pump without ever blocking the
// multiplexer's fan-out goroutine. A full queue means the client stopped
// draining; frames are dropped and the read deadline will reap the session.
func (s *session) enqueue(frame []byte) {
	defer func() {
		// The send channel closes when the read pump exits; a late fan-out
		// callback racing that close is expected during teardown.
		_ = recover()
	}()
	select {
	case s.send <- frame:
	default:
		s.logger.Warn("Dropping frame for slow client")
	}
}

func (s *session) reject(cluster, path, reason string) {
	frame, _ := json.Marshal(StreamFrame{
		Cluster: cluster,
		Path:    path,
		Status:  "error",
		Error:   reason,
	})
	s.enqueue(frame)
}

// writePump streams queued frames to the client and keeps the connection
// alive with pings, one writer goroutine per socket.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodeFrame(msg multiplexer.Message) []byte {
	frame := StreamFrame{
		Cluster: msg.Cluster,
		Path:    msg.Path,
		Status:  msg.Status.String(),
	}

	switch msg.Status {
	case multiplexer.StatusError:
		frame.Error = string(msg.Data)
	case multiplexer.StatusData:
		if msg.Channel != 0 {
			frame.Channel = int(msg.Channel)
		}
		if json.Valid(msg.Data) {
			frame.Data = msg.Data
		} else {
			frame.Binary = base64.StdEncoding.EncodeToString(msg.Data)
		}
	}

	out, _ := json.Marshal(frame)
	return out
}
