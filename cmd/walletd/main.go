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

	walletapi "github.com/aegis-sign/walletlink/internal/api"
	"github.com/aegis-sign/walletlink/internal/app/nodes"
	"github.com/aegis-sign/walletlink/internal/app/session"
	"github.com/aegis-sign/walletlink/internal/config"
	"github.com/aegis-sign/walletlink/internal/infra/signerclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Wallet session daemon talking to a polling signer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, newLogger(cfg.LogLevel))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("WALLETD_CONFIG"), "path to the YAML config file")
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, storeCloser, err := cfg.SecretStore.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	if storeCloser != nil {
		defer storeCloser.Close()
	}

	client, err := signerclient.Dial(ctx, cfg.SignerClient(),
		signerclient.WithLogger(logger),
		signerclient.WithRegisterer(reg),
	)
	if err != nil {
		return fmt.Errorf("dial signer: %w", err)
	}
	client.Start()
	defer client.Close()

	guard, err := session.NewGuard(client, store, session.Config{
		RelockAfter: cfg.Session.RelockAfter,
		StorageName: cfg.Session.StorageName,
		LockTimeout: cfg.Session.LockTimeout,
	}, session.WithLogger(logger), session.WithMetrics(session.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer guard.Close()
	_ = loadCredentials(ctx, guard, cfg.Signer.RequestTimeout, logger)

	nodeSvc, err := nodes.NewService(client, guard, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	walletapi.NewHTTPHandler(walletapi.Config{
		Session: guard,
		Nodes:   nodeSvc,
		Calls:   client,
		Throttle: walletapi.NewUnlockThrottle(walletapi.UnlockThrottleConfig{
			RateLimit: cfg.API.UnlockRateLimit,
			RateBurst: cfg.API.UnlockRateBurst,
		}),
		RPCDebug:       client.DebugHandler(),
		RequestTimeout: cfg.API.RequestTimeout,
		Logger:         logger,
		Metrics:        walletapi.NewMetrics(reg),
	}).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpSrv.Addr), slog.String("signer", cfg.Signer.Endpoint))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.Any("err", err))
	}
	if err := guard.Lock(shutdownCtx); err != nil {
		logger.Warn("lock on shutdown not acknowledged", slog.Any("err", err))
	}
	return nil
}

type credentialsLoader interface {
	Load(ctx context.Context) error
}

// loadCredentials 在有限时间内读取并推送已保存的信封。
// 失败或超时时会话保持 Locked，unlock 会返回 PRECONDITION_FAILED。
func loadCredentials(ctx context.Context, guard credentialsLoader, timeout time.Duration, logger *slog.Logger) error {
	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := guard.Load(loadCtx)
	if err != nil {
		logger.Error("failed to load credentials", slog.Duration("timeout", timeout), slog.Any("err", err))
	}
	return err
}
