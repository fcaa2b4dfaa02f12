package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/region-server/internal/catalog"
	"github.com/devrev/pairdb/region-server/internal/client"
	"github.com/devrev/pairdb/region-server/internal/config"
	"github.com/devrev/pairdb/region-server/internal/handler"
	"github.com/devrev/pairdb/region-server/internal/health"
	"github.com/devrev/pairdb/region-server/internal/metrics"
	"github.com/devrev/pairdb/region-server/internal/model"
	"github.com/devrev/pairdb/region-server/internal/region"
	"github.com/devrev/pairdb/region-server/internal/server"
	"github.com/devrev/pairdb/region-server/internal/service"
	"github.com/devrev/pairdb/region-server/internal/storage/diskmanager"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	m := metrics.NewMetrics(cfg.Server.NodeID)

	disk, err := diskmanager.New(diskmanager.DefaultConfig(cfg.Storage.DataDir), logger)
	if err != nil {
		logger.Fatal("Failed to initialize disk manager", zap.Error(err))
	}

	catalogs := catalog.NewAccess(&catalog.Config{
		Backend:  cfg.Catalog.Backend,
		Host:     cfg.Catalog.Host,
		Port:     cfg.Catalog.Port,
		Database: cfg.Catalog.Database,
		User:     cfg.Catalog.User,
		Password: cfg.Catalog.Password,
		MaxConns: cfg.Catalog.MaxConns,
		MinConns: cfg.Catalog.MinConns,
	}, logger)
	defer catalogs.Close()

	var master *client.MasterClient
	if cfg.Master.Enabled {
		master = client.NewMasterClient(cfg.Master.Host, cfg.Master.Port, logger)
		defer master.Close()
	}

	rs := server.NewRegionServer(cfg, catalogs, disk, master, m, logger)
	rs.Start()

	if master != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := master.RegisterWithRetry(ctx, &client.RegisterRequest{
			ServerName: rs.ServerName(),
			Host:       cfg.Server.Host,
			Port:       cfg.Server.Port,
			StartCode:  rs.StartCode(),
		}, cfg.Master.MaxRetries, cfg.Master.RetryInterval)
		cancel()
		if err != nil {
			logger.Fatal("Failed to register with master", zap.Error(err))
		}
	}

	openRegions(rs, cfg, disk, logger)

	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			logger.Info("Gossip service initialized")
		}
	}

	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:  cfg.Server.NodeID,
		DataDir: cfg.Storage.DataDir,
	}, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		healthChecker.Start(ctx)
		return nil
	})

	if gossipSvc != nil {
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					gossipSvc.UpdateHealthStatus(model.HealthMetrics{
						DiskUsage:           disk.Usage().UsagePercent,
						OnlineRegions:       rs.Registry().Count(),
						CompactionQueueSize: rs.Compactor().QueueSize(),
					})
					members := gossipSvc.MemberCount()
					m.UpdateGossipStats(members, members)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	adminHandler := handler.NewAdminHandler(rs.Registry(), rs.Compactor(), logger)
	router := chi.NewRouter()
	router.Mount("/", adminHandler.Routes())
	router.Get("/health/live", healthChecker.LivenessHandler)
	router.Get("/health/ready", healthChecker.ReadinessHandler)

	adminServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		logger.Info("Admin server listening", zap.String("addr", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
		}, rs, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("Shutting down gracefully...")
		healthChecker.SetReadiness(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin server shutdown failed", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Stop(); err != nil {
				logger.Error("Metrics server shutdown failed", zap.Error(err))
			}
		}

		// Waits for any in-flight compaction or split to finish.
		rs.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Region server failed", zap.Error(err))
	}

	logger.Info("Region server shut down")
}

// openRegions loads every region directory found under the data dir and
// brings it online.
func openRegions(rs *server.RegionServer, cfg *config.Config, disk *diskmanager.DiskManager, logger *zap.Logger) {
	entries, err := os.ReadDir(cfg.Storage.DataDir)
	if err != nil {
		logger.Fatal("Failed to read data directory", zap.Error(err))
	}

	regionCfg := &region.Config{
		MaxStoreFiles: cfg.Compaction.MaxStoreFiles,
		MaxRegionSize: cfg.Compaction.MaxRegionSize,
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(cfg.Storage.DataDir, entry.Name())
		r, err := region.Open(dir, regionCfg, disk, logger)
		if err != nil {
			logger.Error("Failed to open region directory, skipping",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		rs.AddRegion(r)
	}

	logger.Info("Regions opened", zap.Int("count", rs.Registry().Count()))
}

// initLogger builds the zap logger from the logging configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
