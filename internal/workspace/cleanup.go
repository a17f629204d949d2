package workspace

import (
	"context"
	"log/slog"
	"time"
)

// CleanerConfig holds cleanup configuration.
type CleanerConfig struct {
	Interval              time.Duration
	OrphanMaxAge          time.Duration
	DiskWarningThreshold  int64 // bytes
	DiskCriticalThreshold int64 // bytes
}

// Cleaner periodically sweeps orphaned ephemeral workspaces left behind by
// crashed runs and watches disk pressure on the workspace root.
type Cleaner struct {
	manager *Manager
	cfg     CleanerConfig
}

// NewCleaner creates a new workspace cleaner.
func NewCleaner(manager *Manager, cfg CleanerConfig) *Cleaner {
	return &Cleaner{manager: manager, cfg: cfg}
}

// Start runs the cleanup loop until the context is cancelled.
func (c *Cleaner) Start(ctx context.Context) {
	interval := c.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	slog.Info("workspace cleaner started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("workspace cleaner stopped")
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *Cleaner) cleanup(ctx context.Context) {
	maxAge := c.cfg.OrphanMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	cleaned, reclaimed, err := c.manager.SweepOrphanedEphemeral(ctx, maxAge)
	if err != nil {
		slog.Error("workspace cleanup scan failed", "error", err)
	} else if cleaned > 0 {
		slog.Info("workspace cleanup complete",
			"cleaned", cleaned,
			"reclaimed_mb", float64(reclaimed)/(1024*1024),
		)
	}

	c.checkDiskUsage(ctx)
}

func (c *Cleaner) checkDiskUsage(ctx context.Context) {
	totalBytes := c.manager.TotalSizeBytes(ctx)

	if c.cfg.DiskCriticalThreshold > 0 && totalBytes > c.cfg.DiskCriticalThreshold {
		slog.Error("workspace disk usage CRITICAL",
			"total_mb", float64(totalBytes)/(1024*1024),
			"threshold_mb", float64(c.cfg.DiskCriticalThreshold)/(1024*1024),
		)
		return
	}

	if c.cfg.DiskWarningThreshold > 0 && totalBytes > c.cfg.DiskWarningThreshold {
		slog.Warn("workspace disk usage above warning threshold",
			"total_mb", float64(totalBytes)/(1024*1024),
			"threshold_mb", float64(c.cfg.DiskWarningThreshold)/(1024*1024),
		)
	}
}
