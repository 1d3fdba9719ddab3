package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/devrev/pairdb/disktable/internal/storage/diskmanager"
	"go.uber.org/zap"
)

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// HealthChecker performs health checks for a disktable node
type HealthChecker struct {
	nodeID   string
	disks    []*diskmanager.DiskManager
	tables   func() []model.PartitionStatus
	gcAvg    func() float64
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
	listeners   []func(ready bool)
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID string
	// Disks watch the tier roots, one per configured root
	Disks []*diskmanager.DiskManager
	// Tables lists the open tables
	Tables func() []model.PartitionStatus
	// GcAverage reports the moving average of gc passes in milliseconds
	GcAverage func() float64
	Interval  time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	tables := cfg.Tables
	if tables == nil {
		tables = func() []model.PartitionStatus { return nil }
	}
	gcAvg := cfg.GcAverage
	if gcAvg == nil {
		gcAvg = func() float64 { return 0 }
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		disks:       cfg.Disks,
		tables:      tables,
		gcAvg:       gcAvg,
		interval:    interval,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// OnReadinessChange registers fn to be called whenever readiness flips
func (h *HealthChecker) OnReadinessChange(fn func(ready bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// RunChecks runs all health checks once
func (h *HealthChecker) RunChecks() {
	var results []CheckResult
	for _, dm := range h.disks {
		results = append(results, h.checkDiskSpace(dm), h.checkRootAccessible(dm.Path()))
	}
	results = append(results, h.checkFileDescriptors())

	allHealthy, allReady := true, true
	for _, r := range results {
		if r.Status != statusHealthy {
			allHealthy = false
			if r.Status == statusCritical {
				allReady = false
			}
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	h.livenessOK = true
	listeners := h.setReadinessLocked(allReady)
	status := h.status
	h.mu.Unlock()

	notify(listeners, allReady)
	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", allReady))
}

// setReadinessLocked returns the listeners to notify when readiness changed
func (h *HealthChecker) setReadinessLocked(ready bool) []func(bool) {
	if h.readinessOK == ready {
		return nil
	}
	h.readinessOK = ready
	return append([]func(bool){}, h.listeners...)
}

func notify(listeners []func(bool), ready bool) {
	for _, fn := range listeners {
		fn(ready)
	}
}

// checkDiskSpace reports the write admission state of one tier root
func (h *HealthChecker) checkDiskSpace(dm *diskmanager.DiskManager) CheckResult {
	name := "disk_space:" + dm.Path()
	usage := dm.GetDiskUsage()
	switch {
	case usage.IsCircuitBroken:
		return CheckResult{
			Name:      name,
			Status:    statusCritical,
			Message:   fmt.Sprintf("Disk usage critical: %.2f%%", usage.UsagePercent),
			Timestamp: time.Now(),
		}
	case usage.IsThrottled:
		return CheckResult{
			Name:      name,
			Status:    statusWarning,
			Message:   fmt.Sprintf("Disk usage high: %.2f%%", usage.UsagePercent),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      name,
		Status:    statusHealthy,
		Message:   fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024),
		Timestamp: time.Now(),
	}
}

// checkRootAccessible checks that a tier root is a writable directory
func (h *HealthChecker) checkRootAccessible(root string) CheckResult {
	name := "root_accessible:" + root
	info, err := os.Stat(root)
	if err != nil {
		return CheckResult{
			Name:      name,
			Status:    statusCritical,
			Message:   fmt.Sprintf("Root path not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:      name,
			Status:    statusCritical,
			Message:   "Root path is not a directory",
			Timestamp: time.Now(),
		}
	}

	probe := filepath.Join(root, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		return CheckResult{
			Name:      name,
			Status:    statusCritical,
			Message:   fmt.Sprintf("Cannot write to root path: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(probe)

	return CheckResult{
		Name:      name,
		Status:    statusHealthy,
		Message:   "Root path is accessible and writable",
		Timestamp: time.Now(),
	}
}

// checkFileDescriptors checks if file descriptor usage is acceptable
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    statusWarning,
			Message:   fmt.Sprintf("Failed to get rlimit: %v", err),
			Timestamp: time.Now(),
		}
	}

	// Linux only; elsewhere the count is unknown
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    statusHealthy,
			Message:   fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max),
			Timestamp: time.Now(),
		}
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	if usagePercent > 90 {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    statusWarning,
			Message:   fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "file_descriptors",
		Status:    statusHealthy,
		Message:   fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur),
		Timestamp: time.Now(),
	}
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status with the open tables
func (h *HealthChecker) GetStatus() model.HealthStatus {
	partitions := h.tables()
	var usage float64
	for _, dm := range h.disks {
		if u := dm.GetDiskUsage().UsagePercent; u > usage {
			usage = u
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics: model.HealthMetrics{
			DiskUsage:   usage,
			GcAvgMillis: h.gcAvg(),
			OpenTables:  len(partitions),
		},
		Partitions: partitions,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetLiveness manually sets liveness status (for testing)
func (h *HealthChecker) SetLiveness(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.livenessOK = live
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	listeners := h.setReadinessLocked(ready)
	h.mu.Unlock()
	notify(listeners, ready)
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"tables": status.Metrics.OpenTables,
	})
}

// StatusHandler serves the full status with per-table counters
func (h *HealthChecker) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": h.GetStatus(),
		"checks": h.GetChecks(),
	})
}
