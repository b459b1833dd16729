// Package kube turns a cluster's client configuration into live WebSocket
// connections against the Kubernetes API server.
package kube

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/client-go/rest"

	"github.com/kubelamp/kubelamp/internal/kubeconfig"
	"github.com/kubelamp/kubelamp/internal/multiplexer"
)

const (
	// channelSubprotocol selects the binary framing where the first byte of
	// every frame is a channel discriminator.
	channelSubprotocol = "v4.channel.k8s.io"

	// bearerProtocolPrefix carries the bearer token inside the negotiated
	// subprotocol list, the same way browser clients authenticate streams.
	bearerProtocolPrefix = "base64url.bearer.authorization.k8s.io."

	handshakeTimeout = 15 * time.Second
)

// WebSocketDialer opens authenticated WebSocket streams to the API server of
// any cluster known to the store. It implements multiplexer.Dialer.
type WebSocketDialer struct {
	store  *kubeconfig.Store
	logger *slog.Logger
}

func NewWebSocketDialer(store *kubeconfig.Store, logger *slog.Logger) *WebSocketDialer {
	return &WebSocketDialer{store: store, logger: logger}
}

// Dial resolves the cluster, swaps the API server URL to the ws(s) scheme,
// attaches credentials and TLS material from the kubeconfig, and performs the
// WebSocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, cluster, path string) (multiplexer.Conn, error) {
	cl, err := d.store.Get(cluster)
	if err != nil {
		return nil, err
	}
	cfg := cl.RESTConfig()

	target, err := StreamURL(cfg.Host, path)
	if err != nil {
		return nil, fmt.Errorf("building stream URL for cluster %q: %w", cluster, err)
	}

	tlsConfig, err := rest.TLSConfigFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("building TLS config for cluster %q: %w", cluster, err)
	}

	headers := http.Header{}
	protocols := []string{channelSubprotocol}

	token, err := bearerToken(cfg)
	if err != nil {
		return nil, err
	}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
		protocols = append(protocols, bearerProtocol(token))
	} else if cfg.Username != "" {
		basic := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		headers.Set("Authorization", "Basic "+basic)
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     protocols,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", target, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}

	d.logger.Debug("Upstream WebSocket handshake complete",
		slog.String("cluster", cluster),
		slog.String("url", target),
	)
	return conn, nil
}

// StreamURL joins an API server base address and a resource path into a
// WebSocket URL, preserving the path's query string.
func StreamURL(host, path string) (string, error) {
	base, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parsing API server address %q: %w", host, err)
	}

	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http":
		base.Scheme = "ws"
	case "wss", "ws":
		// already a WebSocket address
	default:
		return "", fmt.Errorf("unsupported API server scheme %q", base.Scheme)
	}

	rel, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parsing resource path %q: %w", path, err)
	}

	base.Path = joinSlash(base.Path, rel.Path)
	base.RawQuery = rel.RawQuery
	return base.String(), nil
}

func joinSlash(a, b string) string {
	switch {
	case a == "":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	default:
		return a + b
	}
}

func bearerToken(cfg *rest.Config) (string, error) {
	if cfg.BearerToken != "" {
		return cfg.BearerToken, nil
	}
	if cfg.BearerTokenFile == "" {
		return "", nil
	}
	raw, err := os.ReadFile(cfg.BearerTokenFile)
	if err != nil {
		return "", fmt.Errorf("reading bearer token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func bearerProtocol(token string) string {
	return bearerProtocolPrefix + base64.RawURLEncoding.EncodeToString([]byte(token))
}
