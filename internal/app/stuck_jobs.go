package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Requeuer republishes a job record to the queue; the transactional
// producer backs it in production.
type Requeuer interface {
	Republish(ctx domain.Context, j domain.Job) error
}

// StuckJobSweeper recovers jobs abandoned mid-processing, typically after
// a worker crash. A stuck job with attempts left goes back to the queue;
// one without is failed.
type StuckJobSweeper struct {
	jobs        domain.JobRepository
	requeue     Requeuer
	maxAge      time.Duration
	interval    time.Duration
	maxAttempts int
}

// NewStuckJobSweeper constructs a sweeper. A nil jobs repository yields a
// nil sweeper whose Run is a no-op.
func NewStuckJobSweeper(jobs domain.JobRepository, requeue Requeuer, maxAge, interval time.Duration, maxAttempts int) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &StuckJobSweeper{
		jobs:        jobs,
		requeue:     requeue,
		maxAge:      maxAge,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	stuck, err := s.jobs.ListStuck(ctx, s.maxAge)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.stuck", len(stuck)))

	requeued, failed := 0, 0
	for _, j := range stuck {
		lg := slog.With(slog.String("job_id", j.ID), slog.Int("attempts", j.Attempts))
		if j.Attempts+1 >= s.maxAttempts || s.requeue == nil {
			msg := fmt.Sprintf("stuck in processing beyond %v, retries exhausted", s.maxAge)
			if err := s.jobs.UpdateStatus(ctx, j.ID, domain.JobFailed, &msg); err != nil {
				lg.Error("stuck job fail transition failed", slog.Any("error", err))
				continue
			}
			failed++
			lg.Warn("stuck job marked failed")
			continue
		}
		if err := s.jobs.IncrementAttempts(ctx, j.ID); err != nil {
			lg.Error("stuck job attempt increment failed", slog.Any("error", err))
			continue
		}
		if err := s.jobs.UpdateStatus(ctx, j.ID, domain.JobQueued, nil); err != nil {
			lg.Error("stuck job requeue transition failed", slog.Any("error", err))
			continue
		}
		j.Attempts++
		if err := s.requeue.Republish(ctx, j); err != nil {
			// the row stays queued, the next sweep retries the publish
			lg.Error("stuck job republish failed", slog.Any("error", err))
			continue
		}
		requeued++
		lg.Info("stuck job requeued")
	}

	span.SetAttributes(
		attribute.Int("jobs.requeued", requeued),
		attribute.Int("jobs.failed", failed),
	)
}
