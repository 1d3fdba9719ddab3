package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/disktable/internal/health"
	"github.com/devrev/pairdb/disktable/internal/metrics"
	"github.com/devrev/pairdb/disktable/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics and the health probes via HTTP
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	disks      []*diskmanager.DiskManager
	interval   time.Duration
	logger     *zap.Logger
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
	Path string
	// Interval between disk stat samples
	Interval time.Duration
	Disks    []*diskmanager.DiskManager
}

// NewMetricsServer creates a new metrics server. Metrics are gathered from
// gatherer, which is usually the registry the Metrics were created with.
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, gatherer prometheus.Gatherer, checker *health.HealthChecker, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if checker != nil {
		mux.HandleFunc("/health/live", checker.LivenessHandler)
		mux.HandleFunc("/health/ready", checker.ReadinessHandler)
		mux.HandleFunc("/status", checker.StatusHandler)
	}

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		disks:    cfg.Disks,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Handler returns the HTTP handler of the server
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the metrics server
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectDiskMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")
	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// collectDiskMetrics periodically samples the tier roots
func (s *MetricsServer) collectDiskMetrics() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.updateDiskMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateDiskMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateDiskMetrics reports the fullest tier root
func (s *MetricsServer) updateDiskMetrics() {
	var (
		usage     float64
		available uint64
		sampled   bool
	)
	for _, dm := range s.disks {
		u := dm.GetDiskUsage()
		if !sampled || u.UsagePercent > usage {
			usage, available, sampled = u.UsagePercent, u.AvailableBytes, true
		}
	}
	if sampled {
		s.metrics.UpdateDiskStats(usage, available)
	}
}
