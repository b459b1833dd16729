// Package proxy forwards plain REST requests from the UI to the API server
// of the addressed cluster, attaching that cluster's credentials and TLS
// material. Watch streams do not travel through here; they go through the
// multiplexer endpoint.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"k8s.io/client-go/rest"

	"github.com/kubelamp/kubelamp/internal/auth"
	"github.com/kubelamp/kubelamp/internal/kubeconfig"
)

type entry struct {
	cluster *kubeconfig.Cluster
	proxy   *httputil.ReverseProxy
}

// ClusterProxy is a reverse proxy keyed by cluster name. Built proxies are
// cached per cluster object, so a kubeconfig refresh (which produces new
// cluster objects) transparently invalidates stale transports.
type ClusterProxy struct {
	store  *kubeconfig.Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

func New(store *kubeconfig.Store, logger *slog.Logger) *ClusterProxy {
	return &ClusterProxy{
		store:   store,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Handler serves GET/POST/... /clusters/{cluster}/* by stripping the prefix
// and relaying the rest of the path to the cluster's API server.
func (p *ClusterProxy) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cluster := chi.URLParam(r, "cluster")

		// Refuse obviously expired forwarded tokens before burning a
		// round-trip on the API server.
		if token := auth.BearerToken(r); token != "" {
			if info, err := auth.Inspect(token); err == nil && info.Expired(time.Now()) {
				p.logger.Warn("Rejected request with expired token",
					slog.String("cluster", cluster),
					slog.String("subject", info.Subject),
				)
				http.Error(w, `{"message": "Token expired"}`, http.StatusUnauthorized)
				return
			}
		}

		rp, err := p.proxyFor(cluster)
		if err != nil {
			if errors.Is(err, kubeconfig.ErrClusterNotFound) {
				http.Error(w, `{"message": "Unknown cluster"}`, http.StatusNotFound)
				return
			}
			p.logger.Error("Building cluster proxy failed",
				slog.String("cluster", cluster),
				slog.String("error", err.Error()),
			)
			http.Error(w, `{"message": "Cluster unavailable"}`, http.StatusBadGateway)
			return
		}

		r.URL.Path = "/" + chi.URLParam(r, "*")
		rp.ServeHTTP(w, r)
	}
}

func (p *ClusterProxy) proxyFor(name string) (*httputil.ReverseProxy, error) {
	cl, err := p.store.Get(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[name]; ok && e.cluster == cl {
		return e.proxy, nil
	}

	rp, err := build(cl, p.logger)
	if err != nil {
		return nil, err
	}
	p.entries[name] = entry{cluster: cl, proxy: rp}
	return rp, nil
}

func build(cl *kubeconfig.Cluster, logger *slog.Logger) (*httputil.ReverseProxy, error) {
	cfg := cl.RESTConfig()

	target, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parsing API server address %q: %w", cfg.Host, err)
	}

	transport, err := rest.TransportFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("building transport for cluster %q: %w", cl.Name, err)
	}

	return &httputil.ReverseProxy{
		Transport: transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
			req.Host = target.Host
			if _, ok := req.Header["User-Agent"]; !ok {
				// Keep the default Go user agent out of audit logs.
				req.Header.Set("User-Agent", "")
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("Cluster proxy error",
				slog.String("cluster", cl.Name),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			http.Error(w, `{"message": "Upstream request failed"}`, http.StatusBadGateway)
		},
	}, nil
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && a != "":
		return a + "/" + b
	}
	return a + b
}
