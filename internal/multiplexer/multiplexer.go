// Package multiplexer shares upstream watch connections between UI
// subscribers. At most one upstream connection exists per (cluster, path)
// pair; every frame it delivers is fanned out to all subscribers registered
// for that pair at the time of delivery.
package multiplexer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is one live upstream stream connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens upstream connections. Implementations attach cluster
// credentials and negotiate subprotocols.
type Dialer interface {
	Dial(ctx context.Context, cluster, path string) (Conn, error)
}

// Callback receives every message fanned out for a subscription. Callbacks
// run on the stream's read goroutine and are isolated from each other: a
// panic in one subscriber is logged and does not abort delivery to the rest.
type Callback func(Message)

type connState int

const (
	statePending connState = iota
	stateOpen
)

type subscriber struct {
	id uint64
	fn Callback
}

// stream is the per-key pairing of connection state and listener list. The
// two live and die together: a stream exists if and only if it has at least
// one subscriber.
type stream struct {
	cluster string
	path    string
	mode    Mode
	state   connState
	conn    Conn
	subs    []*subscriber // registration order
}

// Multiplexer owns the connection and listener registries. The zero value is
// not usable; use New. All registry mutation is guarded by a single mutex so
// the one-connection-per-key invariant holds under concurrent subscribes.
type Multiplexer struct {
	dialer Dialer
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	streams map[string]*stream
}

func New(dialer Dialer, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		dialer:  dialer,
		logger:  logger,
		streams: make(map[string]*stream),
	}
}

// streamKey uniquely identifies a logical stream. The separator cannot occur
// in a cluster name, so distinct (cluster, path) pairs never collide.
func streamKey(cluster, path string) string {
	return cluster + "\x00" + path
}

// Subscribe registers fn for the (cluster, path) stream and returns a detach
// function. The first subscriber for a key triggers the upstream dial; later
// subscribers share the pending or open connection. The detach function
// removes exactly this subscription; when the last subscriber detaches, the
// upstream connection is closed and the key is purged from both registries.
// Calling detach more than once is a no-op.
//
// Subscribing the same callback twice is not deduplicated: it will be invoked
// once per registration on every message.
func (m *Multiplexer) Subscribe(ctx context.Context, cluster, path string, mode Mode, fn Callback) func() {
	key := streamKey(cluster, path)

	m.mu.Lock()
	st, ok := m.streams[key]
	if !ok {
		st = &stream{
			cluster: cluster,
			path:    path,
			mode:    mode,
			state:   statePending,
		}
		m.streams[key] = st
	}
	m.nextID++
	sub := &subscriber{id: m.nextID, fn: fn}
	st.subs = append(st.subs, sub)
	m.mu.Unlock()

	if !ok {
		go m.establish(ctx, key, st)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(key, st, sub.id) })
	}
}

// establish dials the upstream for a freshly created Pending stream. If every
// subscriber detached while the dial was in flight, the connection is closed
// immediately and never stored.
func (m *Multiplexer) establish(ctx context.Context, key string, st *stream) {
	conn, err := m.dialer.Dial(ctx, st.cluster, st.path)

	m.mu.Lock()
	cur, wanted := m.streams[key]
	wanted = wanted && cur == st

	if err != nil {
		var subs []*subscriber
		if wanted {
			delete(m.streams, key)
			subs = snapshot(st)
		}
		m.mu.Unlock()

		m.logger.Error("Upstream dial failed",
			slog.String("cluster", st.cluster),
			slog.String("path", st.path),
			slog.String("error", err.Error()),
		)
		m.fanOut(subs, Message{
			Cluster: st.cluster,
			Path:    st.path,
			Status:  StatusError,
			Data:    []byte(err.Error()),
		})
		return
	}

	if !wanted {
		// Everyone left before the dial finished.
		m.mu.Unlock()
		conn.Close()
		return
	}

	st.state = stateOpen
	st.conn = conn
	m.mu.Unlock()

	m.logger.Debug("Upstream connection established",
		slog.String("cluster", st.cluster),
		slog.String("path", st.path),
	)
	go m.readLoop(key, st, conn)
}

func (m *Multiplexer) readLoop(key string, st *stream, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.teardown(key, st, err)
			return
		}
		m.deliver(key, st, data)
	}
}

// deliver decodes one upstream frame and fans it out to the subscribers
// registered at this moment, in registration order.
func (m *Multiplexer) deliver(key string, st *stream, data []byte) {
	m.mu.Lock()
	cur, ok := m.streams[key]
	if !ok || cur != st {
		m.mu.Unlock()
		return
	}
	subs := snapshot(st)
	m.mu.Unlock()

	m.fanOut(subs, decode(st.mode, st.cluster, st.path, data))
}

// teardown handles the upstream ending on its own. If the stream was already
// purged by the last unsubscribe, the read error is just the local close and
// there is nothing to do. Otherwise subscribers get a terminal message so
// they can tell a finished stream from a silent one.
func (m *Multiplexer) teardown(key string, st *stream, err error) {
	m.mu.Lock()
	cur, ok := m.streams[key]
	if !ok || cur != st {
		m.mu.Unlock()
		return
	}
	delete(m.streams, key)
	subs := snapshot(st)
	m.mu.Unlock()

	st.conn.Close()

	msg := Message{Cluster: st.cluster, Path: st.path}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		msg.Status = StatusComplete
	} else {
		msg.Status = StatusError
		msg.Data = []byte(err.Error())
		m.logger.Warn("Upstream connection lost",
			slog.String("cluster", st.cluster),
			slog.String("path", st.path),
			slog.String("error", err.Error()),
		)
	}
	m.fanOut(subs, msg)
}

func (m *Multiplexer) unsubscribe(key string, st *stream, id uint64) {
	m.mu.Lock()
	cur, ok := m.streams[key]
	if !ok || cur != st {
		m.mu.Unlock()
		return
	}

	for i, sub := range st.subs {
		if sub.id == id {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			break
		}
	}

	if len(st.subs) > 0 {
		m.mu.Unlock()
		return
	}

	// Last listener gone: connection state and listener list die together.
	delete(m.streams, key)
	conn := st.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.logger.Debug("Stream released",
		slog.String("cluster", st.cluster),
		slog.String("path", st.path),
	)
}

func (m *Multiplexer) fanOut(subs []*subscriber, msg Message) {
	for _, sub := range subs {
		m.invoke(sub, msg)
	}
}

// invoke runs one callback inside its own recover boundary so a panicking
// subscriber cannot starve the subscribers after it in the same delivery.
func (m *Multiplexer) invoke(sub *subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Subscriber callback panicked",
				slog.String("cluster", msg.Cluster),
				slog.String("path", msg.Path),
				slog.Any("panic", r),
			)
		}
	}()
	sub.fn(msg)
}

func snapshot(st *stream) []*subscriber {
	return append([]*subscriber(nil), st.subs...)
}

// ActiveStreams reports how many upstream stream entries exist, pending or open.
func (m *Multiplexer) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Subscribers reports the listener count for one (cluster, path) key.
func (m *Multiplexer) Subscribers(cluster, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[streamKey(cluster, path)]
	if !ok {
		return 0
	}
	return len(st.subs)
}
