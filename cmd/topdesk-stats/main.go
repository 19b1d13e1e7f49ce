package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/topdesk-stats/internal/api"
	"github.com/miradorstack/topdesk-stats/internal/cache"
	"github.com/miradorstack/topdesk-stats/internal/config"
	"github.com/miradorstack/topdesk-stats/internal/engine"
	"github.com/miradorstack/topdesk-stats/internal/metrics"
	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/repo"
	"github.com/miradorstack/topdesk-stats/internal/services"
	"github.com/miradorstack/topdesk-stats/internal/utils"
)

var version = "dev"

func main() {
	var configPath, envFile string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load env file", slog.String("path", envFile), slog.Any("error", err))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting topdesk-stats",
		slog.String("version", version),
		slog.String("metrics_address", cfg.Server.MetricsAddress),
		slog.Int("instances", len(cfg.Instances)),
	)

	if err := utils.InitSentry(cfg.Sentry.DSN, cfg.Sentry.Environment, version); err != nil {
		logger.Warn("sentry disabled", slog.Any("error", err))
	}
	defer sentry.Flush(2 * time.Second)

	exporter := metrics.NewExporter()
	if err := metrics.Register(prometheus.DefaultRegisterer, exporter); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	cacheProvider, err := cache.New(cache.Options{
		Backend:    cfg.Cache.Backend,
		MaxEntries: cfg.Cache.MaxEntries,
		Valkey:     cfg.Cache.Valkey,
	})
	if err != nil {
		logger.Warn("snapshot cache unavailable", slog.String("backend", cfg.Cache.Backend), slog.Any("error", err))
		cacheProvider = cache.NoopProvider{}
	}
	defer cacheProvider.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := engine.NewRegistry(ctx, logger, engine.RegistryConfig{
		RefreshTimeout: cfg.Clients.TOPdesk.RefreshTimeout,
		Snapshots:      cache.NewSnapshotStore(cacheProvider, cfg.Cache.SnapshotTTL),
		NewClient:      engine.TOPdeskClientFactory(cfg.Clients.TOPdesk.RequestTimeout, cfg.Clients.TOPdesk.RequestsPerSecond),
	})
	registry.Subscribe(exporter.Handle)
	registry.OnRemove(exporter.Forget)

	instances, err := cfg.ResolvedInstances()
	if err != nil {
		logger.Error("failed to resolve instances", slog.Any("error", err))
		os.Exit(1)
	}
	go probeInstances(ctx, logger, cfg.Clients.TOPdesk, instances)
	if err := registry.Apply(instances); err != nil {
		logger.Error("failed to register instances", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	adminDone := make(chan struct{})
	if cfg.Server.AdminAddress != "" {
		server, err := api.NewServer(cfg.Server, services.NewAdminService(logger, registry))
		if err != nil {
			logger.Error("failed to create gRPC server", slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			defer close(adminDone)
			logger.Info("admin server listening", slog.String("address", server.Address()))
			if serveErr := server.Serve(ctx); serveErr != nil {
				logger.Error("gRPC server exited", slog.Any("error", serveErr))
				stop()
			}
		}()
	} else {
		close(adminDone)
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-reload:
			reloadInstances(ctx, logger, configPath, registry)
		}
	}
	logger.Info("shutdown signal received")

	<-adminDone
	registry.Close()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("topdesk-stats stopped")
}

// reloadInstances re-reads the config file and reconciles the registry. Only the
// instances section takes effect; listener and logging changes need a restart.
func reloadInstances(ctx context.Context, logger *slog.Logger, configPath string, registry *engine.Registry) {
	logger.Info("reloading instances", slog.String("path", configPath))
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("reload failed, keeping current instances", slog.Any("error", err))
		return
	}
	instances, err := cfg.ResolvedInstances()
	if err != nil {
		logger.Error("reload failed, keeping current instances", slog.Any("error", err))
		return
	}
	go probeInstances(ctx, logger, cfg.Clients.TOPdesk, instances)
	if err := registry.Apply(instances); err != nil {
		logger.Error("reload applied with errors", slog.Any("error", err))
		return
	}
	logger.Info("instances reloaded", slog.Int("instances", len(instances)))
}

// probeInstances checks every instance once and logs reachability. Failures never stop
// the service; the coordinators keep retrying on their interval.
func probeInstances(ctx context.Context, logger *slog.Logger, clientCfg config.TOPdeskClientConfig, instances []models.Instance) {
	var g errgroup.Group
	g.SetLimit(4)
	for _, instance := range instances {
		g.Go(func() error {
			client, err := repo.NewTOPdeskClient(repo.ClientConfig{
				Host:           instance.Host,
				Username:       instance.Username,
				Password:       instance.Password,
				RequestTimeout: clientCfg.RequestTimeout,
			})
			if err != nil {
				logger.Warn("instance misconfigured", slog.String("instance", instance.Name), slog.Any("error", err))
				return nil
			}
			productVersion, err := client.Probe(ctx)
			if err != nil {
				logger.Warn("instance unreachable",
					slog.String("instance", instance.Name),
					slog.String("kind", string(utils.KindOf(err))),
					slog.Any("error", err),
				)
				return nil
			}
			logger.Info("instance reachable", slog.String("instance", instance.Name), slog.String("version", productVersion))
			return nil
		})
	}
	_ = g.Wait()
}
