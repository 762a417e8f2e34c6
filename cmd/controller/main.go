package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/spf13/cobra"

	"github.com/metorial/sentinel-runner/internal/channel"
	"github.com/metorial/sentinel-runner/internal/commander"
	"github.com/metorial/sentinel-runner/internal/config"
	"github.com/metorial/sentinel-runner/internal/log"
	"github.com/metorial/sentinel-runner/internal/models"
	"github.com/metorial/sentinel-runner/internal/orchestrator"
	"github.com/metorial/sentinel-runner/internal/portal"
	"github.com/metorial/sentinel-runner/internal/snippets"
	"github.com/metorial/sentinel-runner/internal/store"
)

const (
	serviceID       = "sentinel-controller-http"
	shutdownTimeout = 10 * time.Second
)

var configPath string

func main() {
	cmd := &cobra.Command{
		Use:           "controller",
		Short:         "Run the script execution controller",
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
	cfg, err := config.LoadController(configPath)
	if err != nil {
		return err
	}

	logger := log.New(cfg.Verbose)
	slog.SetDefault(logger)

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	resolver := channel.ChainResolver{channel.StaticResolver(cfg.Collectors)}
	if cfg.ConsulAddr != "" {
		consulResolver, err := channel.NewConsulResolver(cfg.ConsulAddr)
		if err != nil {
			return err
		}
		resolver = append(resolver, consulResolver)
	}
	ch := channel.New(resolver)
	defer ch.Close()

	orch := orchestrator.New(ch, portal.NewProvider(cfg.Portals, logger),
		orchestrator.WithRecorder(db),
		orchestrator.WithLogger(logger),
	)

	language := models.Language(cfg.Snippets.Language)
	fetchers := func(target snippets.Target) (*snippets.RemoteFetcher, error) {
		return snippets.NewRemoteFetcher(orch, target, language, cfg.Snippets.CatalogScript, cfg.Snippets.SourceScript, logger)
	}
	// Fail at startup on a bad template rather than on the first refresh.
	if _, err := fetchers(snippets.Target{}); err != nil {
		return err
	}

	maintenance, err := commander.NewMaintenance(cfg.Maintenance.Schedule, orch, db,
		cfg.Maintenance.TrackerTTL, cfg.Maintenance.HistoryRetention, logger)
	if err != nil {
		return err
	}
	maintenance.Start()

	mux := http.NewServeMux()
	api := commander.NewAPI(orch, db, snippets.NewCache(db, logger), fetchers, logger)
	api.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.ConsulAddr != "" {
		deregister, err := registerConsul(cfg)
		if err != nil {
			logger.Warn("register with consul", slog.String("error", err.Error()))
		} else {
			defer deregister()
		}
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", slog.String("addr", cfg.HTTPAddr))
		errChan <- httpServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	maintenance.Stop(shutdownCtx)
	return httpServer.Shutdown(shutdownCtx)
}

func registerConsul(cfg config.Controller) (func(), error) {
	_, portStr, err := net.SplitHostPort(cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("parse http addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse http port: %w", err)
	}

	consulConfig := consul.DefaultConfig()
	consulConfig.Address = cfg.ConsulAddr
	client, err := consul.NewClient(consulConfig)
	if err != nil {
		return nil, err
	}

	nodeIP := cfg.AdvertiseIP
	if nodeIP == "" {
		nodeIP = getLocalIP()
	}

	registration := &consul.AgentServiceRegistration{
		ID:      serviceID,
		Name:    serviceID,
		Port:    port,
		Address: nodeIP,
		Check: &consul.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/api/v1/health", nodeIP, port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Tags: []string{"scripts", "commander", "http", "api"},
	}

	if err := client.Agent().ServiceRegister(registration); err != nil {
		return nil, err
	}

	return func() {
		if err := client.Agent().ServiceDeregister(serviceID); err != nil {
			slog.Error("deregister from consul", slog.String("error", err.Error()))
		}
	}, nil
}

func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
