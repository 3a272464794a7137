package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"domestique/internal/client"
	"domestique/internal/metrics"
	"domestique/internal/tracing"
	"domestique/pkg/domestique"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "bot",
		Short:         "domestique example chat bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())

	return root
}

func newRunCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "sign in and answer chat commands until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", defaultConfigFilePath, "path to the YAML config file")

	return cmd
}

func run(ctx context.Context, cfg appConfig) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))

	shutdownTracing, err := tracing.Setup(cfg.tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.shutdownWait)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("shutdown tracing", "error", err)
		}
	}()

	metrics.Register()
	if cfg.metricsListen != "" {
		server := startMetricsServer(logger, cfg.metricsListen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.shutdownWait)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown metrics server", "error", err)
			}
		}()
	}

	chat, err := client.New(cfg.clientOptions(logger)...)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.shutdownWait)
		defer cancel()
		if err := chat.Close(closeCtx); err != nil {
			logger.Error("close client", "error", err)
		}
	}()

	b := newBot(logger, cfg.bridgeUsers)
	if _, err := chat.On(ctx, domestique.EventReady, b.handleReady); err != nil {
		return fmt.Errorf("subscribe ready: %w", err)
	}
	if _, err := chat.On(ctx, domestique.EventMessage, b.handleMessage); err != nil {
		return fmt.Errorf("subscribe message: %w", err)
	}

	if err := signIn(ctx, chat, cfg); err != nil {
		return err
	}
	logger.Info("bot started", "api_url", cfg.apiURL, "rate_limit", cfg.rateLimit, "order", cfg.order)

	<-ctx.Done()
	logger.Info("bot stopping")

	return nil
}

func signIn(ctx context.Context, chat *client.Client, cfg appConfig) error {
	if cfg.token != "" {
		if err := chat.LoginToken(ctx, cfg.token); err != nil {
			return fmt.Errorf("login with token: %w", err)
		}
		return nil
	}
	if err := chat.Login(ctx, cfg.username, cfg.password); err != nil {
		return fmt.Errorf("login %s: %w", cfg.username, err)
	}

	return nil
}

func startMetricsServer(logger *slog.Logger, listen string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "listen", listen, "error", err)
		}
	}()

	return server
}
