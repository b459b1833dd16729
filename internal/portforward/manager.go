// Package portforward runs and tracks pod port-forward sessions on behalf of
// UI clients, one SPDY tunnel per session.
package portforward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	pf "k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/kubelamp/kubelamp/internal/kubeconfig"
	"github.com/kubelamp/kubelamp/internal/telemetry"
)

// State of one forward session.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

var (
	ErrForwardNotFound = errors.New("port-forward not found")
	ErrPodNotRunning   = errors.New("pod is not running")
)

// readyTimeout bounds how long Start waits for the tunnel to come up.
const readyTimeout = 15 * time.Second

// Request describes a forward to establish.
type Request struct {
	Cluster   string   `json:"cluster" validate:"required"`
	Namespace string   `json:"namespace" validate:"required"`
	Pod       string   `json:"pod" validate:"required"`
	Ports     []string `json:"ports" validate:"required,min=1,dive,required"` // "local:remote" or "remote"
}

// Forward is one tracked session.
type Forward struct {
	ID        string   `json:"id"`
	Cluster   string   `json:"cluster"`
	Namespace string   `json:"namespace"`
	Pod       string   `json:"pod"`
	Ports     []string `json:"ports"`
	State     State    `json:"state"`
	Error     string   `json:"error,omitempty"`

	stop     chan struct{}
	stopOnce sync.Once
	started  chan struct{} // closed once Start has resolved the pre-ready outcome
}

// runner establishes the tunnel and blocks until it ends. Replaceable so
// tests do not need a live API server.
type runner func(ctx context.Context, cl *kubeconfig.Cluster, req Request, stopCh, readyCh chan struct{}) error

// Manager owns the registry of active forwards.
type Manager struct {
	store  *kubeconfig.Store
	hub    *telemetry.Hub
	logger *slog.Logger
	run    runner

	mu       sync.Mutex
	forwards map[string]*Forward
}

func NewManager(store *kubeconfig.Store, hub *telemetry.Hub, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		hub:      hub,
		logger:   logger,
		run:      spdyRun,
		forwards: make(map[string]*Forward),
	}
}

// Start establishes a new forward and blocks until the tunnel is ready, the
// runner fails, or the ready timeout elapses.
func (m *Manager) Start(ctx context.Context, req Request) (Forward, error) {
	cl, err := m.store.Get(req.Cluster)
	if err != nil {
		return Forward{}, err
	}

	fw := &Forward{
		ID:        uuid.NewString(),
		Cluster:   req.Cluster,
		Namespace: req.Namespace,
		Pod:       req.Pod,
		Ports:     req.Ports,
		State:     StatePending,
		stop:      make(chan struct{}),
		started:   make(chan struct{}),
	}
	defer close(fw.started)

	m.mu.Lock()
	m.forwards[fw.ID] = fw
	m.mu.Unlock()

	readyCh := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		err := m.run(ctx, cl, req, fw.stop, readyCh)
		errCh <- err
		m.finish(fw, err)
	}()

	select {
	case <-readyCh:
		m.setState(fw, StateRunning, "")
		m.hub.Broadcast(telemetry.TopicPortForwards, telemetry.Event{
			Kind: "started", Name: fw.ID, Detail: fw.Pod,
		})
		return m.snapshotOf(fw), nil
	case err := <-errCh:
		m.remove(fw.ID)
		if err == nil {
			err = errors.New("port-forward ended before becoming ready")
		}
		return Forward{}, fmt.Errorf("starting port-forward to %s/%s: %w", req.Namespace, req.Pod, err)
	case <-time.After(readyTimeout):
		fw.stopOnce.Do(func() { close(fw.stop) })
		m.remove(fw.ID)
		return Forward{}, fmt.Errorf("port-forward to %s/%s timed out", req.Namespace, req.Pod)
	}
}

// Stop tears down a forward and removes it from the registry.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	fw, ok := m.forwards[id]
	if ok {
		delete(m.forwards, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrForwardNotFound, id)
	}

	fw.stopOnce.Do(func() { close(fw.stop) })
	m.hub.Broadcast(telemetry.TopicPortForwards, telemetry.Event{
		Kind: "stopped", Name: id, Detail: fw.Pod,
	})
	return nil
}

// List returns snapshots of all forwards, optionally filtered by cluster,
// sorted by pod then ID for stable UI rendering.
func (m *Manager) List(cluster string) []Forward {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Forward, 0, len(m.forwards))
	for _, fw := range m.forwards {
		if cluster != "" && fw.Cluster != cluster {
			continue
		}
		out = append(out, *snapshot(fw))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pod != out[j].Pod {
			return out[i].Pod < out[j].Pod
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a snapshot of one forward.
func (m *Manager) Get(id string) (Forward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fw, ok := m.forwards[id]
	if !ok {
		return Forward{}, fmt.Errorf("%w: %q", ErrForwardNotFound, id)
	}
	return *snapshot(fw), nil
}

// finish records the outcome of a runner that ended on its own after the
// tunnel became ready. Pre-ready failures are reported by Start directly, so
// finish first waits for Start to resolve; a runner that becomes ready and
// dies immediately must not leave a dead tunnel listed as running.
func (m *Manager) finish(fw *Forward, err error) {
	<-fw.started

	m.mu.Lock()
	cur, tracked := m.forwards[fw.ID]
	m.mu.Unlock()
	if !tracked || cur != fw {
		return // Start reported the failure, or an explicit Stop removed it
	}

	if err != nil {
		m.setState(fw, StateFailed, err.Error())
		m.logger.Warn("Port-forward failed",
			slog.String("id", fw.ID),
			slog.String("pod", fw.Pod),
			slog.String("error", err.Error()),
		)
		m.hub.Broadcast(telemetry.TopicPortForwards, telemetry.Event{
			Kind: "failed", Name: fw.ID, Detail: err.Error(),
		})
		return
	}
	m.setState(fw, StateStopped, "")
	m.hub.Broadcast(telemetry.TopicPortForwards, telemetry.Event{
		Kind: "stopped", Name: fw.ID, Detail: fw.Pod,
	})
}

func (m *Manager) setState(fw *Forward, state State, errMsg string) {
	m.mu.Lock()
	fw.State = state
	fw.Error = errMsg
	m.mu.Unlock()
}

func (m *Manager) snapshotOf(fw *Forward) Forward {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *snapshot(fw)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.forwards, id)
	m.mu.Unlock()
}

// snapshot copies the exported fields; callers must hold m.mu.
func snapshot(fw *Forward) *Forward {
	return &Forward{
		ID:        fw.ID,
		Cluster:   fw.Cluster,
		Namespace: fw.Namespace,
		Pod:       fw.Pod,
		Ports:     append([]string(nil), fw.Ports...),
		State:     fw.State,
		Error:     fw.Error,
	}
}

// spdyRun is the production runner: verify the pod is running, then open the
// SPDY tunnel and forward until stopCh closes or the tunnel drops.
func spdyRun(ctx context.Context, cl *kubeconfig.Cluster, req Request, stopCh, readyCh chan struct{}) error {
	cs, err := cl.Clientset()
	if err != nil {
		return err
	}
	pod, err := cs.CoreV1().Pods(req.Namespace).Get(ctx, req.Pod, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("looking up pod: %w", err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return fmt.Errorf("%w: %s is %s", ErrPodNotRunning, req.Pod, pod.Status.Phase)
	}

	cfg := cl.RESTConfig()
	transport, upgrader, err := spdy.RoundTripperFor(cfg)
	if err != nil {
		return fmt.Errorf("building SPDY transport: %w", err)
	}

	host, err := url.Parse(cfg.Host)
	if err != nil {
		return fmt.Errorf("parsing API server address: %w", err)
	}
	host.Path = fmt.Sprintf("%s/api/v1/namespaces/%s/pods/%s/portforward",
		host.Path, req.Namespace, req.Pod)

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, host)
	forwarder, err := pf.New(dialer, req.Ports, stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		return fmt.Errorf("creating forwarder: %w", err)
	}
	return forwarder.ForwardPorts()
}
