package jobs

import (
	"context"
	"time"

	"vidpipe/internal/config"
	"vidpipe/internal/metrics"
	"vidpipe/internal/store"
)

// RetentionStats captures the number of records deleted by TTL cleanup.
type RetentionStats struct {
	JobsDeleted int64 `json:"jobsDeleted"`
}

// CleanupExpiredData deletes DONE and FAILED jobs that completed more
// than retention.terminalDays ago so that the store does not grow
// without bound. Non-terminal jobs are never touched.
func CleanupExpiredData(ctx context.Context, cfg *config.Config, st store.JobStore) RetentionStats {
	var stats RetentionStats
	days := cfg.Retention.TerminalDays
	if days <= 0 {
		return stats
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	if n, err := st.DeleteTerminalBefore(ctx, cutoff); err == nil && n > 0 {
		stats.JobsDeleted = n
		metrics.RecordRetentionJobs(n)
	}
	return stats
}
