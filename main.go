package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/caiyusheng650/SocketChatAI/internal/auth"
	"github.com/caiyusheng650/SocketChatAI/internal/config"
	"github.com/caiyusheng650/SocketChatAI/internal/hub"
	"github.com/caiyusheng650/SocketChatAI/internal/llm"
	"github.com/caiyusheng650/SocketChatAI/internal/logging"
	"github.com/caiyusheng650/SocketChatAI/internal/ops"
	"github.com/caiyusheng650/SocketChatAI/internal/policy"
	"github.com/caiyusheng650/SocketChatAI/internal/ratelimit"
	"github.com/caiyusheng650/SocketChatAI/internal/service"
	"github.com/caiyusheng650/SocketChatAI/internal/store"
	"github.com/caiyusheng650/SocketChatAI/internal/stream"
	v1 "github.com/caiyusheng650/SocketChatAI/internal/transport/http/v1"
	"github.com/caiyusheng650/SocketChatAI/internal/transport/rpc"
	"github.com/caiyusheng650/SocketChatAI/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	logger.Info().
		Int("http_port", cfg.HTTPPort).
		Int("internal_port", cfg.InternalPort).
		Int("rpc_port", cfg.RPCPort).
		Str("database_driver", cfg.DatabaseDriver).
		Bool("mock_ai", cfg.MockAI).
		Msg("starting chat server")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize store
	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer db.Close()

	// Initialize policy engine
	policyEngine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	gate := auth.NewGate(cfg.JWTSecret, cfg.TokenTTL)
	llmClient := llm.NewClient(llm.Options{
		BaseURL:        cfg.AIBaseURL,
		APIKey:         cfg.AIAPIKey,
		Model:          cfg.AIModel,
		Timeout:        cfg.AITimeout,
		Mock:           cfg.MockAI,
		MockText:       cfg.MockAIText,
		MockChunkDelay: cfg.MockChunkDelay,
	}, logger)
	svc := service.New(db, policyEngine, llmClient, gate, logger)

	// Initialize hub, optionally relayed across nodes through Redis
	checks := map[string]ops.Pinger{"store": db}
	hubOpts := []hub.Option{hub.WithSendBuffer(cfg.SendBuffer)}
	if cfg.RedisURL != "" {
		relay, err := hub.NewRedisRelay(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis relay")
		}
		defer relay.Close()
		hubOpts = append(hubOpts, hub.WithRelay(relay))
		checks["redis"] = relay
	}
	connectionHub := hub.NewHub(logger, hubOpts...)
	go connectionHub.Run(ctx)

	// Streams and their fan-out
	streams := stream.NewCoordinator(svc, llmClient, cfg.StreamTimeout, logger)
	go ws.NewDispatcher(connectionHub, logger).Run(ctx, streams.Events())

	limiter := ratelimit.New(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	go pruneLimiter(ctx, limiter)

	wsServer := ws.NewServer(cfg, connectionHub, svc, gate, streams, limiter, logger)
	apiHandler := v1.NewHandler(svc, gate, connectionHub, limiter, logger)

	// Create public Echo server
	publicServer := echo.New()
	publicServer.HideBanner = true
	publicServer.HidePort = true
	publicServer.Use(middleware.Logger())
	publicServer.Use(middleware.Recover())
	if len(cfg.AllowedOrigins) > 0 {
		publicServer.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.AllowedOrigins}))
	} else {
		publicServer.Use(middleware.CORS())
	}
	publicServer.GET("/ws", wsServer.HandleWebSocket)
	apiHandler.RegisterRoutes(publicServer)

	opsServer := ops.NewServer(connectionHub, checks)

	// Start public server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := publicServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start public server")
		}
	}()

	// Start ops server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := opsServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start ops server")
		}
	}()

	var rpcServer *rpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = rpc.NewServer(svc, connectionHub, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize rpc server")
		}
		go func() {
			addr := fmt.Sprintf(":%d", cfg.RPCPort)
			if err := rpcServer.Start(addr); err != nil {
				logger.Fatal().Err(err).Msg("failed to start rpc server")
			}
		}()
	}

	logger.Info().Msg("chat server started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down chat server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := publicServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to shutdown public server gracefully")
	}
	if rpcServer != nil {
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to shutdown rpc server gracefully")
		}
	}
	// Let running streams store their replies before the hub stops.
	if err := streams.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("streams still running at shutdown")
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to shutdown ops server gracefully")
	}
	stop()

	logger.Info().Msg("chat server stopped")
}

// pruneLimiter drops idle rate-limit buckets every few minutes.
func pruneLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune(10 * time.Minute)
		}
	}
}
