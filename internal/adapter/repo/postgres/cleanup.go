package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces the data retention window: terminal jobs and
// orphaned applications older than the window are removed daily.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes rows past the retention window.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	jobsTag, err := s.Pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed','failed','cancelled') AND updated_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}
	appsTag, err := s.Pool.Exec(ctx,
		`DELETE FROM applications WHERE status='orphaned' AND submitted_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.applications: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", jobsTag.RowsAffected()),
		slog.Int64("deleted_applications", appsTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup immediately and then on the given interval until
// the context is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
