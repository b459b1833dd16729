package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all dynamic configuration for the gateway.
// It is resolved once at boot and treated as read-only afterwards.
type Config struct {
	Environment string // "development" or "production"
	Port        string
	BaseURL     string // external URL prefix the gateway is served under, e.g. "/dash"

	// Cluster discovery
	KubeConfigPath string // colon-separated list of kubeconfig files; empty means ~/.kube/config
	InCluster      bool   // also register the service-account cluster when running inside a pod
	WatchInterval  time.Duration

	// Streaming
	StreamBufferSize int // outbound frame queue depth per UI socket session

	AllowedOrigins []string
}

// Load parses the environment and applies sensible default fallbacks.
func Load() *Config {
	env := getEnv("KUBELAMP_ENV", "production")

	// A local .env is a development convenience only; production config
	// comes from the real environment.
	if env == "development" {
		_ = godotenv.Load()
	}

	// Strict CORS: must be explicitly defined in production.
	corsOrigins := getEnv("KUBELAMP_ALLOWED_ORIGINS", "")
	if corsOrigins == "" {
		if env == "production" {
			log.Fatal("[FATAL] KUBELAMP_ALLOWED_ORIGINS environment variable is required in production.")
		}
		corsOrigins = "http://localhost:5173"
	}

	interval := getEnv("KUBELAMP_WATCH_INTERVAL", "10s")
	watchInterval, err := time.ParseDuration(interval)
	if err != nil {
		log.Fatalf("[FATAL] KUBELAMP_WATCH_INTERVAL is not a valid duration: %v", err)
	}

	bufferSize, err := strconv.Atoi(getEnv("KUBELAMP_STREAM_BUFFER", "256"))
	if err != nil || bufferSize < 1 {
		log.Fatalf("[FATAL] KUBELAMP_STREAM_BUFFER must be a positive integer, got %q", getEnv("KUBELAMP_STREAM_BUFFER", "256"))
	}

	return &Config{
		Environment:      env,
		Port:             getEnv("KUBELAMP_PORT", "4466"),
		BaseURL:          strings.TrimSuffix(getEnv("KUBELAMP_BASE_URL", ""), "/"),
		KubeConfigPath:   getEnv("KUBECONFIG", ""),
		InCluster:        getEnv("KUBELAMP_IN_CLUSTER", "") == "true",
		WatchInterval:    watchInterval,
		StreamBufferSize: bufferSize,
		AllowedOrigins:   strings.Split(corsOrigins, ","),
	}
}

// getEnv retrieves an environment variable or returns a fallback value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
