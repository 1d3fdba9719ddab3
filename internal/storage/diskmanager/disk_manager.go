package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/disktable/internal/errors"
	"go.uber.org/zap"
)

// DiskManager watches free space under a table root and rejects writes
// when the filesystem is close to full
type DiskManager struct {
	path          string
	logger        *zap.Logger
	checkInterval time.Duration
	statfs        func(path string) (total, available uint64, err error)

	// Thresholds in percent
	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	mu              sync.Mutex
	lastCheck       time.Time
	usagePercent    float64
	availableBytes  uint64
	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	Path                    string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64

	// Statfs reports total and available bytes of the filesystem holding
	// path. Defaults to statfs(2).
	Statfs func(path string) (total, available uint64, err error)
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(path string) *DiskManagerConfig {
	return &DiskManagerConfig{
		Path:                    path,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	fn := cfg.Statfs
	if fn == nil {
		fn = statfs
	}
	return newDiskManager(cfg, logger, fn)
}

func newDiskManager(cfg *DiskManagerConfig, logger *zap.Logger, fn func(string) (uint64, uint64, error)) (*DiskManager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dm := &DiskManager{
		path:                    cfg.Path,
		logger:                  logger.With(zap.String("path", cfg.Path)),
		checkInterval:           cfg.CheckInterval,
		statfs:                  fn,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	dm.mu.Lock()
	err := dm.refreshLocked()
	dm.mu.Unlock()
	if err != nil {
		dm.logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

func statfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite returns a DiskFull storage error when a write of
// estimatedBytes should be rejected
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).WithDetail("circuit_broken", true)
	}
	// small writes still pass while throttled
	if dm.isThrottled && estimatedBytes > dm.availableBytes/10 {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).WithDetail("throttled", true)
	}
	if estimatedBytes > dm.availableBytes {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

func (dm *DiskManager) refreshLocked() error {
	total, available, err := dm.statfs(dm.path)
	if err != nil {
		return err
	}
	usagePercent := 0.0
	if total > 0 {
		usagePercent = float64(total-available) / float64(total) * 100.0
	}

	dm.usagePercent = usagePercent
	dm.availableBytes = available
	dm.lastCheck = time.Now()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken
	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	switch {
	case dm.isCircuitBroken && !previouslyBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	case !dm.isCircuitBroken && previouslyBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available))
	}

	switch {
	case dm.isThrottled && !previouslyThrottled:
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.throttleThreshold))
	case !dm.isThrottled && previouslyThrottled:
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available))
	case usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken:
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}
	return DiskUsageStats{
		UsagePercent:    dm.usagePercent,
		AvailableBytes:  dm.availableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// Path is the directory whose filesystem is watched
func (dm *DiskManager) Path() string {
	return dm.path
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.refreshLocked()
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}
