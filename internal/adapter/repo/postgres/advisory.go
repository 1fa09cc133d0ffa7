package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// AdvisoryLocker serializes vector-store writes per document id using
// transaction-scoped Postgres advisory locks: the lock is released when the
// wrapping transaction ends, even if the process dies mid-write.
type AdvisoryLocker struct{ Pool PgxPool }

// NewAdvisoryLocker constructs an AdvisoryLocker with the given pool.
func NewAdvisoryLocker(p PgxPool) *AdvisoryLocker { return &AdvisoryLocker{Pool: p} }

// WithLock runs fn while holding the per-id advisory lock.
func (l *AdvisoryLocker) WithLock(ctx domain.Context, id string, fn func(domain.Context) error) error {
	tracer := otel.Tracer("repo.advisory")
	ctx, span := tracer.Start(ctx, "advisory.WithLock")
	defer span.End()

	tx, err := l.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=advisory.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// hashtextextended folds the document id into the bigint lock space
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
		return fmt.Errorf("op=advisory.lock: %w", err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=advisory.commit: %w", err)
	}
	return nil
}
