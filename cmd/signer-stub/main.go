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
	"github.com/aegis-sign/walletlink/internal/infra/signerclient"
	"github.com/aegis-sign/walletlink/internal/signerstub"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

type options struct {
	httpAddr string
	grpcAddr string
	deferred bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "signer-stub",
		Short:         "Reference signer speaking the polling JSON-RPC protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.httpAddr == "" && opts.grpcAddr == "" {
				return errors.New("at least one of --http or --grpc is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, slog.New(slog.NewTextHandler(os.Stdout, nil)))
		},
	}
	cmd.Flags().StringVar(&opts.httpAddr, "http", "127.0.0.1:8700", "HTTP polling endpoint (tcp address or unix://path)")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "", "gRPC bridge endpoint (tcp address, unix://path or vsock://port)")
	cmd.Flags().BoolVar(&opts.deferred, "deferred", false, "hold responses until the next poll")
	return cmd
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	serverOpts := []signerstub.ServerOption{signerstub.WithServerLogger(logger)}
	if opts.deferred {
		serverOpts = append(serverOpts, signerstub.WithDeferredResponses())
	}
	server := signerstub.NewServer(signerstub.NewSigner(signerstub.WithLogger(logger)), serverOpts...)
	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if opts.httpAddr != "" {
		lis, err := signerstub.Listen(opts.httpAddr)
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
		httpSrv = &http.Server{Handler: server, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("HTTP signer listening", slog.String("addr", lis.Addr().String()))
			if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var grpcSrv *grpc.Server
	if opts.grpcAddr != "" {
		lis, err := signerstub.Listen(opts.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(walletapi.UnaryErrorInterceptor(logger)))
		signerclient.RegisterBridgeServer(grpcSrv, server)
		go func() {
			logger.Info("gRPC signer bridge listening", slog.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	logger.Info("shutting down signer stub")
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", slog.Any("err", err))
		}
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return runErr
}
