package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LiorVainer/mission-center/pkg/broker"
	"github.com/LiorVainer/mission-center/pkg/catalog"
	"github.com/LiorVainer/mission-center/pkg/otelhelper"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		slog.Warn("Ignoring invalid integer env value", "key", key, "value", v)
	}
	return def
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "broker-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cat, err := catalog.Load()
	if err != nil {
		slog.Error("Failed to load mission catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Mission catalog loaded", "missions", cat.Missions())

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "broker-service")
	natsPass := envOrDefault("NATS_PASS", "broker-service-secret")
	ttlSeconds := envIntOrDefault("SESSION_TTL_SECONDS", 15)
	hbSeconds := envIntOrDefault("HEARTBEAT_INTERVAL_SECONDS", 5)

	slog.Info("Starting Mission Broker", "nats_url", natsURL)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("broker-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	b := broker.New(cat)
	sessions := newSessionTable()
	handlers := newHandlerSet(nc, b, sessions, hbSeconds)
	if err := handlers.subscribe(); err != nil {
		slog.Error("Failed to subscribe", "error", err)
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runSweeper(sigCtx, sessions, b, time.Duration(ttlSeconds)*time.Second)

	slog.Info("Mission broker ready",
		"missions", cat.Len(), "session_ttl_s", ttlSeconds, "heartbeat_interval_s", hbSeconds)

	<-sigCtx.Done()

	slog.Info("Shutting down mission broker")
	nc.Drain()
}
