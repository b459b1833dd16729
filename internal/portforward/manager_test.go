package portforward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubelamp/kubelamp/internal/kubeconfig"
	"github.com/kubelamp/kubelamp/internal/telemetry"
)

func newTestManager(t *testing.T, run runner) (*Manager, *telemetry.Hub) {
	t.Helper()

	doc := `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://unit.test:6443
  name: test
contexts:
- context:
    cluster: test
    user: test
  name: test
users:
- name: test
  user:
    token: tkn
`
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kubeconfig.NewStore(logger, path, false)
	require.NoError(t, store.Load())

	hub := telemetry.NewHub()
	m := NewManager(store, hub, logger)
	m.run = run
	return m, hub
}

// blockingRunner becomes ready immediately and holds the tunnel open until
// stopCh closes.
func blockingRunner(ctx context.Context, cl *kubeconfig.Cluster, req Request, stopCh, readyCh chan struct{}) error {
	close(readyCh)
	<-stopCh
	return nil
}

func TestManager_StartStopLifecycle(t *testing.T) {
	m, hub := newTestManager(t, blockingRunner)
	events := hub.Subscribe(telemetry.TopicPortForwards)

	fw, err := m.Start(context.Background(), Request{
		Cluster: "test", Namespace: "default", Pod: "nginx", Ports: []string{"8080:80"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, fw.State)
	assert.NotEmpty(t, fw.ID)

	ev := <-events
	assert.Equal(t, "started", ev.Kind)
	assert.Equal(t, fw.ID, ev.Name)

	got, err := m.Get(fw.ID)
	require.NoError(t, err)
	assert.Equal(t, "nginx", got.Pod)

	listed := m.List("test")
	require.Len(t, listed, 1)
	assert.Empty(t, m.List("other-cluster"))

	require.NoError(t, m.Stop(fw.ID))
	ev = <-events
	assert.Equal(t, "stopped", ev.Kind)

	_, err = m.Get(fw.ID)
	assert.ErrorIs(t, err, ErrForwardNotFound)
	assert.ErrorIs(t, m.Stop(fw.ID), ErrForwardNotFound)
}

func TestManager_StartUnknownCluster(t *testing.T) {
	m, _ := newTestManager(t, blockingRunner)

	_, err := m.Start(context.Background(), Request{
		Cluster: "missing", Namespace: "default", Pod: "nginx", Ports: []string{"80"},
	})
	assert.ErrorIs(t, err, kubeconfig.ErrClusterNotFound)
	assert.Empty(t, m.List(""))
}

func TestManager_RunnerFailsBeforeReady(t *testing.T) {
	m, _ := newTestManager(t, func(ctx context.Context, cl *kubeconfig.Cluster, req Request, stopCh, readyCh chan struct{}) error {
		return errors.New("pod not found")
	})

	_, err := m.Start(context.Background(), Request{
		Cluster: "test", Namespace: "default", Pod: "ghost", Ports: []string{"80"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pod not found")
	assert.Empty(t, m.List(""), "failed starts must not linger in the registry")
}

func TestManager_RunnerReadyThenExitsImmediately(t *testing.T) {
	m, _ := newTestManager(t, func(ctx context.Context, cl *kubeconfig.Cluster, req Request, stopCh, readyCh chan struct{}) error {
		close(readyCh)
		return errors.New("tunnel collapsed")
	})

	fw, err := m.Start(context.Background(), Request{
		Cluster: "test", Namespace: "default", Pod: "nginx", Ports: []string{"80"},
	})
	if err != nil {
		// The runner's error beat the ready signal; Start reported it and
		// nothing may linger in the registry.
		assert.Empty(t, m.List(""))
		return
	}

	// Ready won the race: the forward must converge to failed rather than
	// sit listed as running with a dead tunnel behind it.
	require.Eventually(t, func() bool {
		got, gerr := m.Get(fw.ID)
		return gerr == nil && got.State == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_RunnerFailsAfterReady(t *testing.T) {
	failNow := make(chan struct{})
	m, hub := newTestManager(t, func(ctx context.Context, cl *kubeconfig.Cluster, req Request, stopCh, readyCh chan struct{}) error {
		close(readyCh)
		<-failNow
		return errors.New("lost connection to pod")
	})
	events := hub.Subscribe(telemetry.TopicPortForwards)

	fw, err := m.Start(context.Background(), Request{
		Cluster: "test", Namespace: "default", Pod: "nginx", Ports: []string{"80"},
	})
	require.NoError(t, err)
	<-events // started

	close(failNow)

	select {
	case ev := <-events:
		assert.Equal(t, "failed", ev.Kind)
		assert.Equal(t, fw.ID, ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("failure event never broadcast")
	}

	got, err := m.Get(fw.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "lost connection")
}
