package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/padlabs/gateway/internal/gateway"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := loadConfig()

	state, err := gateway.NewState(cfg, logger)
	if err != nil {
		return fmt.Errorf("gateway state: %w", err)
	}
	defer state.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Registry reconnect and health probing run in the background.
	go state.Run(ctx)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: state.Handler(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway starting",
		"port", cfg.Port,
		"redis", cfg.RedisURL,
		"max_concurrent_requests", cfg.MaxConcurrentRequests,
	)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func loadConfig() gateway.Config {
	cfg := gateway.DefaultConfig()

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("SM_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.RabbitURL = v
	}
	if v, err := strconv.Atoi(os.Getenv("SERV_REST_PORT")); err == nil && v > 0 {
		cfg.BackendRestPort = v
	}
	if v, err := strconv.Atoi(os.Getenv("SERVER_TIMEOUT_MS")); err == nil && v > 0 {
		cfg.UpstreamTimeout = time.Duration(v) * time.Millisecond
	}
	if v, err := strconv.Atoi(os.Getenv("MAX_CONCURRENT_REQUESTS")); err == nil && v > 0 {
		cfg.MaxConcurrentRequests = v
	}
	if v, err := strconv.Atoi(os.Getenv("ERROR_THRESHOLD")); err == nil && v > 0 {
		cfg.Breaker.ErrorThreshold = v
	}
	if v, err := strconv.Atoi(os.Getenv("ERROR_TIMEOUT")); err == nil && v > 0 {
		cfg.Breaker.ErrorTimeout = time.Duration(v) * time.Millisecond
	}
	if v, err := strconv.Atoi(os.Getenv("REROUTE_THRESHOLD")); err == nil && v > 0 {
		cfg.Breaker.RerouteThreshold = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("CRITICAL_LOAD_THRESHOLD"), 64); err == nil && v > 0 {
		cfg.CriticalLoadThreshold = v
	}
	if v := os.Getenv("GATEWAY_SECRET"); v != "" {
		cfg.GatewaySecret = v
	}

	return cfg
}
