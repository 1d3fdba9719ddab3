package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/disktable/internal/config"
	"github.com/devrev/pairdb/disktable/internal/health"
	"github.com/devrev/pairdb/disktable/internal/metrics"
	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/scheduler"
	"github.com/devrev/pairdb/disktable/internal/server"
	"github.com/devrev/pairdb/disktable/internal/service"
	"github.com/devrev/pairdb/disktable/internal/storage/diskmanager"
	"github.com/devrev/pairdb/disktable/internal/table"
	"github.com/devrev/pairdb/disktable/internal/util/workerpool"
	"github.com/devrev/pairdb/disktable/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
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
		zap.String("ssd_root", cfg.Storage.SSDRootPath),
		zap.String("hdd_root", cfg.Storage.HDDRootPath),
		zap.Int("tables", len(cfg.Tables)))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	disks, err := initDisks(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage roots", zap.Error(err))
	}

	flushPool, err := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "flush",
		MaxWorkers: cfg.Compaction.Workers,
		QueueSize:  256,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Failed to create flush pool", zap.Error(err))
	}
	gcPool, err := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "maintenance",
		MaxWorkers: cfg.GC.PoolSize,
		QueueSize:  4 * (len(cfg.Tables) + 1),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Failed to create maintenance pool", zap.Error(err))
	}

	storageTemplate, err := cfg.StorageTemplate()
	if err != nil {
		logger.Fatal("Invalid storage configuration", zap.Error(err))
	}
	baseOpts := table.Options{
		TraverseBudget:    cfg.GC.TraverseBudget,
		GCSafeOffset:      cfg.GC.SafeOffset,
		DeletedIndexBatch: cfg.GC.DeletedIndexBatch,
		GcBatch:           cfg.GC.Batch,
		Storage:           storageTemplate,
		Pool:              flushPool,
		Validator:         validation.NewValidator(),
		Metrics:           m,
		Logger:            logger,
	}

	ctx := context.Background()
	tables, err := openTables(ctx, cfg, baseOpts, disks, logger)
	if err != nil {
		logger.Fatal("Failed to open tables", zap.Error(err))
	}
	m.SetOpenTables(len(tables))

	sched := scheduler.New(scheduler.Config{
		GcInterval:         cfg.GC.Interval,
		GcHeadInterval:     cfg.GC.HeadInterval,
		CompactionInterval: cfg.Compaction.Interval,
		MetricsInterval:    cfg.Metrics.Interval,
		Tick:               time.Second,
	}, gcPool, m, logger)
	sched.Start()
	for _, tbl := range tables {
		if err := sched.Register(tbl); err != nil {
			logger.Fatal("Failed to schedule table", zap.String("table", tbl.Name()), zap.Error(err))
		}
	}

	partitions := func() []model.PartitionStatus {
		out := make([]model.PartitionStatus, 0, len(tables))
		for _, tbl := range tables {
			out = append(out, tbl.Stats().PartitionStatus)
		}
		return out
	}

	diskList := make([]*diskmanager.DiskManager, 0, len(disks))
	for _, dm := range disks {
		diskList = append(diskList, dm)
	}
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:    cfg.Server.NodeID,
		Disks:     diskList,
		Tables:    partitions,
		GcAverage: sched.GcAverage,
	}, logger)
	checkCtx, stopChecks := context.WithCancel(ctx)
	go checker.Start(checkCtx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:     cfg.Metrics.Port,
			Path:     cfg.Metrics.Path,
			Interval: cfg.Metrics.Interval,
			Disks:    diskList,
		}, m, registry, checker, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	grpcServer := server.NewGRPCServer(cfg.Server.Host, cfg.Server.Port, checker, logger)
	if err := grpcServer.Start(); err != nil {
		logger.Fatal("Failed to start gRPC server", zap.Error(err))
	}

	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(cfg.GossipService(), cfg.Server.NodeID, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
			gossipSvc = nil
		} else {
			go advertise(checkCtx, gossipSvc, checker, m, cfg.Metrics.Interval)
			logger.Info("Gossip service initialized")
		}
	}

	logger.Info("Disktable node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", grpcServer.Addr()),
		zap.Int("tables", len(tables)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)
	sched.Stop()
	stopChecks()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := checkpointAll(shutdownCtx, tables); err != nil {
		logger.Error("Checkpoint during shutdown failed", zap.Error(err))
	}
	for _, tbl := range tables {
		if err := tbl.Close(); err != nil {
			logger.Error("Failed to close table", zap.String("table", tbl.Name()), zap.Error(err))
		}
	}

	if gossipSvc != nil {
		if err := gossipSvc.Shutdown(); err != nil {
			logger.Warn("Failed to leave gossip cluster", zap.Error(err))
		}
	}
	grpcServer.Stop()
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}
	_ = gcPool.Stop(cfg.Server.ShutdownTimeout)
	_ = flushPool.Stop(cfg.Server.ShutdownTimeout)
	logger.Info("Shutdown complete")
}

// initLogger builds the production logger at the configured level
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = cfg.Format
	return zc.Build()
}

// initDisks creates every configured root and watches its filesystem
func initDisks(cfg *config.Config, logger *zap.Logger) (map[model.StorageMode]*diskmanager.DiskManager, error) {
	roots := map[model.StorageMode]string{
		model.StorageModeSSD: cfg.Storage.SSDRootPath,
		model.StorageModeHDD: cfg.Storage.HDDRootPath,
	}
	breaker := cfg.Storage.MaxDiskUsage * 100
	disks := make(map[model.StorageMode]*diskmanager.DiskManager, len(roots))
	for mode, root := range roots {
		if root == "" {
			continue
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s root %s: %w", mode, root, err)
		}
		dm, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
			Path:                    root,
			CheckInterval:           cfg.Storage.CheckInterval,
			WarningThreshold:        breaker - 10,
			ThrottleThreshold:       breaker - 5,
			CircuitBreakerThreshold: breaker,
		}, logger)
		if err != nil {
			return nil, err
		}
		disks[mode] = dm
	}
	return disks, nil
}

// openTables loads every configured table that has data and creates the rest
func openTables(ctx context.Context, cfg *config.Config, base table.Options, disks map[model.StorageMode]*diskmanager.DiskManager, logger *zap.Logger) ([]*table.DiskTable, error) {
	tables := make([]*table.DiskTable, 0, len(cfg.Tables))
	for i := range cfg.Tables {
		meta := &cfg.Tables[i]
		mode := meta.StorageMode
		if mode == "" {
			mode = model.StorageModeHDD
		}
		opts := base
		opts.DiskManager = disks[mode]

		tbl, err := table.NewDiskTable(meta, cfg.RootPaths(), opts)
		if err != nil {
			return nil, err
		}
		if service.HasManifest(tbl.DataPath()) {
			err = tbl.LoadTable(ctx)
		} else {
			err = tbl.Init(ctx)
		}
		if err != nil {
			for _, opened := range tables {
				opened.Close()
			}
			return nil, fmt.Errorf("table %s: %w", meta.Name, err)
		}
		logger.Info("Table opened",
			zap.String("table", meta.Name),
			zap.String("path", tbl.DataPath()),
			zap.Uint64("records", tbl.GetRecordCnt()))
		tables = append(tables, tbl)
	}
	return tables, nil
}

// checkpointAll snapshots every table in parallel
func checkpointAll(ctx context.Context, tables []*table.DiskTable) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, tbl := range tables {
		tbl := tbl
		g.Go(func() error {
			return tbl.CreateCheckPoint(ctx, "")
		})
	}
	return g.Wait()
}

// advertise publishes the node status to the gossip cluster
func advertise(ctx context.Context, gossip *service.GossipService, checker *health.HealthChecker, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			status := checker.GetStatus()
			gossip.UpdateHealthStatus(status.Metrics, status.Partitions)

			healthy := 1
			for _, peer := range gossip.Peers() {
				if peer.Status == model.NodeStatusHealthy {
					healthy++
				}
			}
			m.UpdateGossipStats(gossip.Members(), healthy)
		case <-ctx.Done():
			return
		}
	}
}
