package kubeconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ErrClusterNotFound is returned when a request names a cluster the store
// does not know about.
var ErrClusterNotFound = errors.New("cluster not found")

// InClusterName is the registered name of the service-account cluster when
// the gateway runs inside a pod.
const InClusterName = "in-cluster"

// Cluster is one usable Kubernetes context: a name, the API server it points
// at, and the client configuration needed to reach it.
type Cluster struct {
	Name     string `json:"name"`
	Server   string `json:"server"`
	AuthType string `json:"authType"` // "token", "certificate", "serviceAccount" or "none"

	restConfig *rest.Config

	mu        sync.Mutex
	clientset kubernetes.Interface
}

// RESTConfig returns the client-go configuration for this cluster.
func (c *Cluster) RESTConfig() *rest.Config {
	return c.restConfig
}

// Clientset returns a typed clientset for this cluster, building it on first use.
func (c *Cluster) Clientset() (kubernetes.Interface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clientset != nil {
		return c.clientset, nil
	}
	cs, err := kubernetes.NewForConfig(c.restConfig)
	if err != nil {
		return nil, fmt.Errorf("building clientset for cluster %q: %w", c.Name, err)
	}
	c.clientset = cs
	return cs, nil
}

// Store discovers clusters from kubeconfig files and keeps them addressable
// by name. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	paths     []string
	inCluster bool
	clusters  map[string]*Cluster
}

// NewStore creates a store reading from the given kubeconfig path list
// (colon-separated, KUBECONFIG style). An empty path falls back to
// ~/.kube/config. With inCluster set, the pod service account is registered
// as an additional cluster.
func NewStore(logger *slog.Logger, kubeConfigPath string, inCluster bool) *Store {
	return &Store{
		logger:    logger,
		paths:     splitPaths(kubeConfigPath),
		inCluster: inCluster,
		clusters:  make(map[string]*Cluster),
	}
}

func splitPaths(kubeConfigPath string) []string {
	if kubeConfigPath == "" {
		return []string{clientcmd.RecommendedHomeFile}
	}
	var paths []string
	for _, p := range filepath.SplitList(kubeConfigPath) {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Paths returns the kubeconfig files the store reads from.
func (s *Store) Paths() []string {
	return s.paths
}

// Load reads every configured kubeconfig source and replaces the cluster set.
// Unreadable files are skipped with a warning so one broken kubeconfig does
// not take down the rest.
func (s *Store) Load() error {
	clusters, err := s.discover()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.clusters = clusters
	s.mu.Unlock()

	if len(clusters) == 0 {
		s.logger.Warn("No clusters discovered; the UI will show an empty cluster list")
	}
	return nil
}

// Refresh re-reads all sources and reports which cluster names appeared and
// disappeared compared to the previous set.
func (s *Store) Refresh() (added, removed []string, err error) {
	clusters, err := s.discover()
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	for name := range clusters {
		if _, ok := s.clusters[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range s.clusters {
		if _, ok := clusters[name]; !ok {
			removed = append(removed, name)
		}
	}
	s.clusters = clusters
	s.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed, nil
}

func (s *Store) discover() (map[string]*Cluster, error) {
	clusters := make(map[string]*Cluster)

	for _, path := range s.paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			s.logger.Debug("Kubeconfig file does not exist, skipping", slog.String("path", path))
			continue
		}

		raw, err := clientcmd.LoadFromFile(path)
		if err != nil {
			s.logger.Warn("Skipping unreadable kubeconfig",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		for ctxName := range raw.Contexts {
			restConfig, err := clientcmd.NewNonInteractiveClientConfig(
				*raw, ctxName, &clientcmd.ConfigOverrides{}, nil,
			).ClientConfig()
			if err != nil {
				s.logger.Warn("Skipping unusable context",
					slog.String("context", ctxName),
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}

			if _, dup := clusters[ctxName]; dup {
				s.logger.Warn("Duplicate context name, later kubeconfig wins",
					slog.String("context", ctxName),
				)
			}
			clusters[ctxName] = &Cluster{
				Name:       ctxName,
				Server:     restConfig.Host,
				AuthType:   authType(restConfig),
				restConfig: restConfig,
			}
		}
	}

	if s.inCluster {
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			s.logger.Warn("In-cluster config requested but unavailable", slog.String("error", err.Error()))
		} else {
			clusters[InClusterName] = &Cluster{
				Name:       InClusterName,
				Server:     restConfig.Host,
				AuthType:   "serviceAccount",
				restConfig: restConfig,
			}
		}
	}

	return clusters, nil
}

func authType(cfg *rest.Config) string {
	switch {
	case cfg.BearerToken != "" || cfg.BearerTokenFile != "":
		return "token"
	case len(cfg.CertData) > 0 || cfg.CertFile != "":
		return "certificate"
	default:
		return "none"
	}
}

// Get returns the named cluster or ErrClusterNotFound.
func (s *Store) Get(name string) (*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clusters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrClusterNotFound, name)
	}
	return c, nil
}

// Clusters returns all known clusters sorted by name.
func (s *Store) Clusters() []*Cluster {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
