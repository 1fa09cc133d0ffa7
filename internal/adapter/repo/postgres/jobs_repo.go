package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// JobRepo persists and loads queue jobs from PostgreSQL using a minimal pgx
// pool. Jobs are durable: the queue re-enqueues non-terminal rows on
// restart.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, kind, status, priority, payload, idem_key, attempts, COALESCE(error,''), progress, result, deadline, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var idem *string
	var deadline *time.Time
	if err := row.Scan(&j.ID, &j.Kind, &j.Status, &j.Priority, &j.Payload, &idem, &j.Attempts,
		&j.Error, &j.Progress, &j.ResultJSON, &deadline, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if idem != nil {
		j.IdemKey = *idem
	}
	j.Deadline = deadline
	return j, nil
}

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, kind, status, priority, payload, idem_key, attempts, error, progress, result, deadline, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,'',0,NULL,$8,$9,$9)`
	var idem *string
	if j.IdemKey != "" {
		idem = &j.IdemKey
	}
	_, err := r.Pool.Exec(ctx, q, id, j.Kind, j.Status, j.Priority, j.Payload, idem, j.Attempts, j.Deadline, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpdateStatus updates a job's status and optional error message. Terminal
// states are sticky: a completed, failed, or cancelled job never moves
// again.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	q := `UPDATE jobs SET status=$2, error=$3, updated_at=$4
	      WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
	if _, err := r.Pool.Exec(ctx, q, id, status, errVal, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	return nil
}

// UpdateProgress sets the 0..100 progress indicator.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id string, progress int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	q := `UPDATE jobs SET progress=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, progress, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	return nil
}

// SetResult stores the terminal result payload.
func (r *JobRepo) SetResult(ctx domain.Context, id string, resultJSON []byte) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetResult")
	defer span.End()
	q := `UPDATE jobs SET result=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, resultJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.set_result: %w", err)
	}
	return nil
}

// FindByIdemKey loads the newest job carrying this idempotency key created
// within the window.
func (r *JobRepo) FindByIdemKey(ctx domain.Context, key string, window time.Duration) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdemKey")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE idem_key=$1 AND created_at > $2 ORDER BY created_at DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, key, time.Now().UTC().Add(-window))
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return j, nil
}

// CountPending counts queued and processing jobs; the queue uses it for
// back-pressure and the supervisor for scaling decisions.
func (r *JobRepo) CountPending(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountPending")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status IN ('queued','processing')`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_pending: %w", err)
	}
	return n, nil
}

// IncrementAttempts bumps the attempt counter, used when re-enqueueing
// after a restart or a transient failure.
func (r *JobRepo) IncrementAttempts(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.IncrementAttempts")
	defer span.End()
	q := `UPDATE jobs SET attempts=attempts+1, updated_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.increment_attempts: %w", err)
	}
	return nil
}

// ListStuck returns processing jobs whose last update is older than age.
func (r *JobRepo) ListStuck(ctx domain.Context, age time.Duration) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStuck")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status='processing' AND updated_at < $1`
	rows, err := r.Pool.Query(ctx, q, time.Now().UTC().Add(-age))
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stuck: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore removes terminal jobs older than cutoff and returns
// the number of rows deleted.
func (r *JobRepo) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteTerminalBefore")
	defer span.End()
	q := `DELETE FROM jobs WHERE status IN ('completed','failed','cancelled') AND updated_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.JobRepository = (*JobRepo)(nil)
