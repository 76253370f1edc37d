package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xiaot623/gogo/foodchat/config"
	"github.com/xiaot623/gogo/foodchat/internal/adapter/llm"
	"github.com/xiaot623/gogo/foodchat/internal/agent"
	"github.com/xiaot623/gogo/foodchat/internal/auth"
	"github.com/xiaot623/gogo/foodchat/internal/observability"
	store "github.com/xiaot623/gogo/foodchat/internal/repository"
	"github.com/xiaot623/gogo/foodchat/internal/service"
	"github.com/xiaot623/gogo/foodchat/internal/stream"
	"github.com/xiaot623/gogo/foodchat/internal/tools"
	server "github.com/xiaot623/gogo/foodchat/internal/transport/http"
	"github.com/xiaot623/gogo/foodchat/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/foodchat/internal/transport/http/v1"
	"github.com/xiaot623/gogo/foodchat/internal/workflow"
	"github.com/xiaot623/gogo/foodchat/policy"
)

const serviceName = "foodchat"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "foodchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogNoColor)
	slog.SetDefault(logger)

	logger.Info("starting foodchat",
		"http_port", cfg.HTTPPort,
		"internal_port", cfg.InternalPort,
		"database", cfg.DatabaseURL,
		"model", cfg.LLMModel,
	)

	ctx := context.Background()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Initialize policy engine
	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	registry := tools.NewRegistry(
		tools.WithPolicy(policyEngine),
		tools.WithTimeout(cfg.ToolTimeout),
		tools.WithMetrics(metrics),
		tools.WithLogger(logger),
	)
	if err := tools.NewKitchen().Register(registry); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	invoker := llm.NewInvoker(llm.Config{
		Mode:    cfg.Mode,
		BaseURL: cfg.LiteLLMURL,
		APIKey:  cfg.LiteLLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	}, logger, llm.WithModelMetrics(metrics))

	hub := stream.NewHub(db, db,
		stream.WithPollInterval(cfg.StreamPollInterval),
		stream.WithLogger(logger),
		stream.WithMetrics(metrics),
	)
	runner := workflow.NewRunner(db, hub,
		workflow.WithRetryPolicy(workflow.RetryPolicy{
			MaxAttempts:     cfg.StepMaxAttempts,
			InitialInterval: cfg.StepRetryInitial,
			MaxInterval:     cfg.StepRetryMax,
		}),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)
	loop := agent.NewLoop(invoker, registry,
		agent.WithModel(cfg.LLMModel),
		agent.WithSystemPrompt(cfg.SystemPrompt),
		agent.WithLogger(logger),
	)

	// Initialize service
	svc, err := service.New(db, runner, loop,
		service.WithMaxSteps(cfg.AgentMaxSteps),
		service.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	recovered, err := runner.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover runs: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered interrupted runs", "count", recovered)
	}

	resolver := auth.NewTokenResolver(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, only guest identities are accepted")
	}

	externalServer := server.NewExternalServer(v1.NewHandler(svc, resolver, v1.WSConfig{
		PingInterval: cfg.WSPingInterval,
		WriteTimeout: cfg.WSWriteTimeout,
	}, logger))
	internalServer := server.NewInternalServer(internalapi.NewHandler(db, runner), reg)

	errCh := make(chan error, 2)

	// Start external server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("external server: %w", err)
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("internal server: %w", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		logger.Error("server failed", "err", serveErr)
	}

	logger.Info("shutting down foodchat")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Servers drain while in-flight runs finish; SSE handlers return once
	// their run reaches its terminal chunk.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := externalServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown external server gracefully", "err", err)
		}
		if err := internalServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown internal server gracefully", "err", err)
		}
	}()
	// Runs still going after the deadline stay running and are recovered
	// on the next start.
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs still in flight at shutdown", "err", err)
	}
	wg.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", "err", err)
	}

	logger.Info("foodchat stopped")
	return serveErr
}
