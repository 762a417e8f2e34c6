package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/metorial/sentinel-runner/internal/collector"
	"github.com/metorial/sentinel-runner/internal/config"
	"github.com/metorial/sentinel-runner/internal/log"
	"github.com/metorial/sentinel-runner/internal/rpc"
)

const sweepInterval = time.Minute

var configPath string

func main() {
	cmd := &cobra.Command{
		Use:           "collector",
		Short:         "Run a script collector",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadCollector(configPath)
	if err != nil {
		return err
	}

	logger := log.New(cfg.Verbose).With(slog.String("collector_id", cfg.ID))
	slog.SetDefault(logger)

	workDir, err := os.MkdirTemp("", "collector-"+cfg.ID+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := collector.NewServer(cfg.ID, collector.NewExecutor(cfg.Interpreters, workDir), logger)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(collector.RequireSession))
	rpc.RegisterScriptRunnerServer(grpcServer, server)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(rpc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go server.StartSweeper(ctx, sweepInterval, cfg.RunRetention)

	if cfg.ConsulAddr != "" {
		port := lis.Addr().(*net.TCPAddr).Port
		registration, err := collector.Register(cfg.ConsulAddr, cfg.ID, cfg.AdvertiseIP, port)
		if err != nil {
			logger.Warn("register with consul", slog.String("error", err.Error()))
		} else {
			defer func() {
				if err := registration.Deregister(); err != nil {
					logger.Error("deregister from consul", slog.String("error", err.Error()))
				}
			}()
		}
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", slog.String("addr", lis.Addr().String()))
		errChan <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	}
}
