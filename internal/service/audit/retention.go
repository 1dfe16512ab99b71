package audit

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"
)

var partitionName = regexp.MustCompile(`^(audit|security)-(\d{4}-\d{2}-\d{2})\.log`)

// StartRetentionSweep runs the retention job on the configured interval until
// the context is cancelled. A failing iteration is logged and the next one
// still runs.
func (l *Logger) StartRetentionSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := l.SweepExpiredPartitions(); err != nil {
					l.logger.Error("audit retention sweep failed", zap.Error(err))
				} else if removed > 0 {
					l.logger.Info("audit retention sweep removed partitions",
						zap.Int("removed", removed))
				}
			}
		}
	}()
}

// SweepExpiredPartitions deletes partition files older than the retention
// horizon and returns how many were removed.
func (l *Logger) SweepExpiredPartitions() (int, error) {
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -l.config.RetentionDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := partitionName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		day, err := time.Parse("2006-01-02", m[2])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			path := filepath.Join(l.config.Dir, entry.Name())
			if err := os.Remove(path); err != nil {
				l.logger.Warn("failed to remove expired partition",
					zap.String("path", path), zap.Error(err))
				continue
			}
			removed++
		}
	}
	return removed, nil
}
