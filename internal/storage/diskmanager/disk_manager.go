package diskmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DiskManager monitors the data volume backing a region server and
// enforces write policies for compaction output. It also provides the
// filesystem liveness probe the compaction worker consults after an I/O
// failure to decide whether the failure is fatal.
type DiskManager struct {
	dataDir              string
	logger               *zap.Logger
	mu                   sync.RWMutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	checkInterval        time.Duration

	// Thresholds
	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	// State
	isThrottled     bool
	isCircuitBroken bool
}

// Config holds configuration for the disk manager
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// New creates a disk manager for the given data directory.
func New(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

// CheckBeforeWrite checks whether a write of the given size can proceed.
// Compaction calls this before rewriting store files.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.isCircuitBroken {
		return &DiskSpaceError{
			Code:            ErrCodeDiskFull,
			Message:         fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", dm.cachedUsagePercent),
			UsagePercent:    dm.cachedUsagePercent,
			AvailableBytes:  dm.cachedAvailableBytes,
			IsCircuitBroken: true,
		}
	}

	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		return &DiskSpaceError{
			Code:           ErrCodeDiskThrottled,
			Message:        fmt.Sprintf("disk usage at %.2f%%, write throttled", dm.cachedUsagePercent),
			UsagePercent:   dm.cachedUsagePercent,
			AvailableBytes: dm.cachedAvailableBytes,
			IsThrottled:    true,
		}
	}

	if estimatedBytes > dm.cachedAvailableBytes {
		return &DiskSpaceError{
			Code:           ErrCodeInsufficientSpace,
			Message:        fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.cachedAvailableBytes),
			UsagePercent:   dm.cachedUsagePercent,
			AvailableBytes: dm.cachedAvailableBytes,
		}
	}

	return nil
}

// Probe verifies the data volume is alive by statting it and round-tripping
// a small file. A false return means the filesystem is gone, not merely
// full — the compaction worker treats that as fatal.
func (dm *DiskManager) Probe() bool {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dm.dataDir, &stat); err != nil {
		dm.logger.Error("Filesystem stat failed", zap.String("data_dir", dm.dataDir), zap.Error(err))
		return false
	}

	probePath := filepath.Join(dm.dataDir, ".fsprobe")
	if err := os.WriteFile(probePath, []byte("ok"), 0644); err != nil {
		dm.logger.Error("Filesystem write probe failed", zap.String("data_dir", dm.dataDir), zap.Error(err))
		return false
	}
	if err := os.Remove(probePath); err != nil {
		dm.logger.Error("Filesystem probe cleanup failed", zap.String("data_dir", dm.dataDir), zap.Error(err))
		return false
	}

	return true
}

func (dm *DiskManager) refreshIfStale() {
	dm.mu.RLock()
	stale := time.Since(dm.lastCheck) > dm.checkInterval
	dm.mu.RUnlock()

	if stale {
		if err := dm.ForceCheck(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}
}

// checkDiskSpace checks current disk usage and updates state
// Must be called with write lock held
func (dm *DiskManager) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dm.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	availableBytes := stat.Bavail * uint64(stat.Bsize)
	usedBytes := totalBytes - availableBytes
	usagePercent := (float64(usedBytes) / float64(totalBytes)) * 100.0

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = availableBytes
	dm.lastCheck = time.Now()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	if dm.isThrottled && !previouslyThrottled {
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	return nil
}

// Usage returns current disk usage statistics
func (dm *DiskManager) Usage() UsageStats {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	return UsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

// UsageStats contains disk usage statistics
type UsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}

// ErrorCode classifies disk space errors
type ErrorCode int

const (
	ErrCodeDiskFull ErrorCode = iota + 1
	ErrCodeDiskThrottled
	ErrCodeInsufficientSpace
)

// DiskSpaceError represents a disk space related error
type DiskSpaceError struct {
	Code            ErrorCode
	Message         string
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}

// IsDiskSpaceError checks if an error is a disk space error
func IsDiskSpaceError(err error) bool {
	_, ok := err.(*DiskSpaceError)
	return ok
}

// IsCircuitBroken checks if the error indicates circuit breaker is engaged
func IsCircuitBroken(err error) bool {
	if dse, ok := err.(*DiskSpaceError); ok {
		return dse.IsCircuitBroken
	}
	return false
}
