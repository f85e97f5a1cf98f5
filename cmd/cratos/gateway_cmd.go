package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/first-fluke/cratos/internal/audit"
	"github.com/first-fluke/cratos/internal/auth"
	"github.com/first-fluke/cratos/internal/config"
	"github.com/first-fluke/cratos/internal/gateway"
	"github.com/first-fluke/cratos/internal/metrics"
)

func buildGatewayCmd(configPath *string) *cobra.Command {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway protocol server",
	}
	root.AddCommand(buildGatewayServeCmd(configPath))
	return root
}

func buildGatewayServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket gateway and a /metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGatewayServe(cmd.Context(), *configPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address the gateway listens on")
	return cmd
}

func runGatewayServe(ctx context.Context, configPath, addr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.Default()

	rt, err := buildRuntime(cfg, configPath, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()

	rt.audit.Log(ctx, &audit.Event{
		Type:   audit.EventGatewayStartup,
		Level:  audit.LevelInfo,
		Action: "gateway_startup",
	})

	authStore := buildAuthStore(cfg)

	srv := gateway.NewServer(gateway.Config{
		Orchestrator: rt.orchestrator,
		Sessions:     rt.sessions,
		Events:       rt.events,
		Approvals:    rt.approvals,
		Bus:          rt.bus,
		Auth:         authStore,
		Cfg:          cfg,
		Defaults:     config.Default(),
		OverridePath: configPath,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", srv)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("gateway shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.audit.Log(context.Background(), &audit.Event{
				Type:   audit.EventGatewayError,
				Level:  audit.LevelError,
				Action: "gateway_listen_failed",
				Error:  err.Error(),
			})
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt.audit.Log(shutdownCtx, &audit.Event{
		Type:   audit.EventGatewayShutdown,
		Level:  audit.LevelInfo,
		Action: "gateway_shutdown",
	})

	return httpServer.Shutdown(shutdownCtx)
}

// buildAuthStore wraps cfg.Auth (JWT secret + static API keys) as a gateway
// AuthStore. With neither configured, every connect token is rejected,
// which is the correct default for an unconfigured gateway.
func buildAuthStore(cfg *config.Config) gateway.AuthStore {
	apiKeys := make([]auth.APIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, key := range cfg.Auth.APIKeys {
		apiKeys = append(apiKeys, auth.APIKeyConfig{
			Key:    key.Key,
			UserID: key.UserID,
			Email:  key.Email,
			Name:   key.Name,
		})
	}

	svc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     apiKeys,
	})
	return gateway.NewServiceAuthStore(svc)
}
