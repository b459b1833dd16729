package multiplexer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubelamp/kubelamp/internal/multiplexer"
)

// fakeConn is a scriptable upstream connection. Frames and read errors are
// fed through channels; Close unblocks any pending read.
type fakeConn struct {
	frames    chan []byte
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.TextMessage, f, nil
	case err := <-c.errs:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, io.ErrClosedPipe
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	conns   []*fakeConn
	dialErr error
	block   chan struct{} // when non-nil, Dial waits until it is closed
}

func (d *fakeDialer) Dial(ctx context.Context, cluster, path string) (multiplexer.Conn, error) {
	if d.block != nil {
		<-d.block
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// recorder is a subscriber callback that captures deliveries.
type recorder struct {
	mu   sync.Mutex
	msgs []multiplexer.Message
	ch   chan multiplexer.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan multiplexer.Message, 64)}
}

func (r *recorder) callback(msg multiplexer.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.ch <- msg
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) next(t *testing.T) multiplexer.Message {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return multiplexer.Message{}
	}
}

func newMux(d multiplexer.Dialer) *multiplexer.Multiplexer {
	return multiplexer.New(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitForOpenConn(t *testing.T, d *fakeDialer, i int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool { return d.conn(i) != nil }, 2*time.Second, 5*time.Millisecond,
		"upstream connection was never established")
	return d.conn(i)
}

func TestSubscribe_SharedConnectionAndFanOut(t *testing.T) {
	dialer := &fakeDialer{}
	mux := newMux(dialer)
	ctx := context.Background()

	rec1 := newRecorder()
	rec2 := newRecorder()

	unsub1 := mux.Subscribe(ctx, "c1", "/api/v1/pods?watch=true", multiplexer.ModeJSON, rec1.callback)
	conn := waitForOpenConn(t, dialer, 0)

	// A second subscriber on the same key must not trigger a second dial.
	unsub2 := mux.Subscribe(ctx, "c1", "/api/v1/pods?watch=true", multiplexer.ModeJSON, rec2.callback)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, 1, mux.ActiveStreams())
	assert.Equal(t, 2, mux.Subscribers("c1", "/api/v1/pods?watch=true"))

	// One incoming frame reaches both callbacks exactly once.
	conn.frames <- []byte(`{"type":"ADDED"}`)
	msg1 := rec1.next(t)
	msg2 := rec2.next(t)
	assert.Equal(t, multiplexer.StatusData, msg1.Status)
	assert.Equal(t, "c1", msg1.Cluster)
	assert.JSONEq(t, `{"type":"ADDED"}`, string(msg1.Data))
	assert.Equal(t, msg1, msg2)

	// After the first subscriber detaches, only the second keeps receiving.
	unsub1()
	conn.frames <- []byte(`{"type":"MODIFIED"}`)
	msg2 = rec2.next(t)
	assert.JSONEq(t, `{"type":"MODIFIED"}`, string(msg2.Data))

	require.Eventually(t, func() bool { return rec1.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, conn.isClosed(), "connection must stay open while subscribers remain")

	// Last detach closes the upstream and purges both registries.
	unsub2()
	require.Eventually(t, func() bool { return conn.isClosed() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, mux.ActiveStreams())
	assert.Equal(t, 0, mux.Subscribers("c1", "/api/v1/pods?watch=true"))
	assert.Equal(t, 1, rec1.count())
	assert.Equal(t, 2, rec2.count())
}

func TestSubscribe_DistinctKeysGetDistinctConnections(t *testing.T) {
	dialer := &fakeDialer{}
	mux := newMux(dialer)
	ctx := context.Background()

	rec := newRecorder()
	mux.Subscribe(ctx, "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)
	mux.Subscribe(ctx, "c2", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)
	mux.Subscribe(ctx, "c1", "/api/v1/services", multiplexer.ModeJSON, rec.callback)

	require.Eventually(t, func() bool { return dialer.dialCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, mux.ActiveStreams())
}

func TestSubscribe_AbandonedWhileDialing(t *testing.T) {
	dialer := &fakeDialer{block: make(chan struct{})}
	mux := newMux(dialer)

	rec := newRecorder()
	unsub := mux.Subscribe(context.Background(), "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)

	// Detach while the dial is still in flight, then let it finish.
	unsub()
	assert.Equal(t, 0, mux.ActiveStreams())
	close(dialer.block)

	// The late connection must be closed immediately and never stored.
	conn := waitForOpenConn(t, dialer, 0)
	require.Eventually(t, func() bool { return conn.isClosed() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, mux.ActiveStreams())
	assert.Equal(t, 0, rec.count())
}

func TestSubscribe_DialFailure(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	mux := newMux(dialer)

	rec := newRecorder()
	mux.Subscribe(context.Background(), "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)

	msg := rec.next(t)
	assert.Equal(t, multiplexer.StatusError, msg.Status)
	assert.Contains(t, string(msg.Data), "connection refused")
	assert.Equal(t, 0, mux.ActiveStreams())

	// No automatic retry: a fresh subscribe is what triggers the next dial.
	dialer.mu.Lock()
	dialer.dialErr = nil
	dialer.mu.Unlock()
	mux.Subscribe(context.Background(), "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)
	require.Eventually(t, func() bool { return dialer.dialCount() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDeliver_ChannelModeDecoding(t *testing.T) {
	dialer := &fakeDialer{}
	mux := newMux(dialer)

	rec := newRecorder()
	mux.Subscribe(context.Background(), "c1", "/exec", multiplexer.ModeChannel, rec.callback)
	conn := waitForOpenConn(t, dialer, 0)

	conn.frames <- append([]byte{multiplexer.ChannelStderr}, []byte("oom killed")...)
	msg := rec.next(t)
	assert.Equal(t, multiplexer.ChannelStderr, msg.Channel)
	assert.Equal(t, "oom killed", string(msg.Data))
}

func TestDeliver_PanickingSubscriberIsolated(t *testing.T) {
	dialer := &fakeDialer{}
	mux := newMux(dialer)
	ctx := context.Background()

	rec := newRecorder()
	mux.Subscribe(ctx, "c1", "/api/v1/pods", multiplexer.ModeJSON, func(multiplexer.Message) {
		panic("subscriber bug")
	})
	mux.Subscribe(ctx, "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)
	conn := waitForOpenConn(t, dialer, 0)

	conn.frames <- []byte(`{"type":"ADDED"}`)
	msg := rec.next(t)
	assert.Equal(t, multiplexer.StatusData, msg.Status)
}

func TestReadLoop_UpstreamErrorNotifiesAndPurges(t *testing.T) {
	dialer := &fakeDialer{}
	mux := newMux(dialer)

	rec := newRecorder()
	mux.Subscribe(context.Background(), "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)
	conn := waitForOpenConn(t, dialer, 0)

	conn.errs <- errors.New("unexpected EOF")
	msg := rec.next(t)
	assert.Equal(t, multiplexer.StatusError, msg.Status)
	assert.Contains(t, string(msg.Data), "unexpected EOF")

	require.Eventually(t, func() bool { return mux.ActiveStreams() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, conn.isClosed())
}

func TestReadLoop_CleanCloseDeliversComplete(t *testing.T) {
	dialer := &fakeDialer{}
	mux := newMux(dialer)

	rec := newRecorder()
	mux.Subscribe(context.Background(), "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)
	conn := waitForOpenConn(t, dialer, 0)

	conn.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	msg := rec.next(t)
	assert.Equal(t, multiplexer.StatusComplete, msg.Status)
	assert.Empty(t, msg.Data)

	require.Eventually(t, func() bool { return mux.ActiveStreams() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribe_ConcurrentSubscribersSingleDial(t *testing.T) {
	dialer := &fakeDialer{}
	mux := newMux(dialer)
	ctx := context.Background()

	const n = 32
	recs := make([]*recorder, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		recs[i] = newRecorder()
		wg.Add(1)
		go func(rec *recorder) {
			defer wg.Done()
			mux.Subscribe(ctx, "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)
		}(recs[i])
	}
	wg.Wait()

	conn := waitForOpenConn(t, dialer, 0)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, 1, mux.ActiveStreams())
	assert.Equal(t, n, mux.Subscribers("c1", "/api/v1/pods"))

	conn.frames <- []byte(`{"type":"ADDED"}`)
	for _, rec := range recs {
		rec.next(t)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	dialer := &fakeDialer{}
	mux := newMux(dialer)
	ctx := context.Background()

	rec := newRecorder()
	unsub1 := mux.Subscribe(ctx, "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)
	mux.Subscribe(ctx, "c1", "/api/v1/pods", multiplexer.ModeJSON, rec.callback)
	waitForOpenConn(t, dialer, 0)

	unsub1()
	unsub1() // second call must not detach the remaining subscriber

	assert.Equal(t, 1, mux.Subscribers("c1", "/api/v1/pods"))
	assert.Equal(t, 1, mux.ActiveStreams())
}
