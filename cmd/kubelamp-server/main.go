package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kubelamp/kubelamp/internal/api/handlers"
	"github.com/kubelamp/kubelamp/internal/api/router"
	"github.com/kubelamp/kubelamp/internal/config"
	"github.com/kubelamp/kubelamp/internal/kube"
	"github.com/kubelamp/kubelamp/internal/kubeconfig"
	"github.com/kubelamp/kubelamp/internal/multiplexer"
	"github.com/kubelamp/kubelamp/internal/portforward"
	"github.com/kubelamp/kubelamp/internal/proxy"
	"github.com/kubelamp/kubelamp/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("Booting kubelamp gateway")

	cfg := config.Load()

	// --- Cluster discovery ---
	store := kubeconfig.NewStore(logger, cfg.KubeConfigPath, cfg.InCluster)
	if err := store.Load(); err != nil {
		logger.Error("FATAL: cluster discovery failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Clusters discovered", "count", len(store.Clusters()))

	// --- Streaming core ---
	hub := telemetry.NewHub()
	dialer := kube.NewWebSocketDialer(store, logger)
	mux := multiplexer.New(dialer, logger)
	forwards := portforward.NewManager(store, hub, logger)
	clusterProxy := proxy.New(store, logger)

	// --- Background workers ---
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	watcher := kubeconfig.NewWatcher(store, hub, logger, cfg.WatchInterval)
	go watcher.Start(workerCtx)

	// --- HTTP gateway ---
	r := router.NewRouter(router.RouterConfig{
		BaseURL:            cfg.BaseURL,
		AllowedOrigins:     cfg.AllowedOrigins,
		ClustersHandler:    handlers.NewClustersHandler(store, logger),
		MultiplexerHandler: handlers.NewMultiplexerHandler(mux, logger, cfg.StreamBufferSize),
		PortForwardHandler: handlers.NewPortForwardHandler(forwards, logger),
		EventsHandler:      handlers.NewEventsHandler(hub, logger),
		HealthHandler:      handlers.NewHealthHandler(store),
		StatusHandler:      handlers.NewStatusHandler(mux, forwards),
		ProxyHandler:       clusterProxy.Handler(),
		Logger:             logger,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the multiplexer socket and SSE stream are
		// long-lived responses.
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Gateway listening", "port", cfg.Port, "env", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("CRITICAL: Server crashed", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	logger.Info("Shutting down...")
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", "error", err)
	}
	logger.Info("Gateway stopped")
}
