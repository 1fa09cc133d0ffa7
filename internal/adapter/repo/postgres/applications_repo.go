package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// ApplicationRepo persists applications. An application references a CV and
// a posting but owns neither; orphaning is a soft-state marker, not a
// delete.
type ApplicationRepo struct{ Pool PgxPool }

// NewApplicationRepo constructs an ApplicationRepo with the given pool.
func NewApplicationRepo(p PgxPool) *ApplicationRepo { return &ApplicationRepo{Pool: p} }

const applicationColumns = `id, posting_id, cv_id, applicant_name, applicant_email, email_id, status, match_score, manual_match, submitted_at`

func scanApplication(row pgx.Row) (domain.Application, error) {
	var a domain.Application
	err := row.Scan(&a.ID, &a.PostingID, &a.CVID, &a.ApplicantName, &a.ApplicantEmail,
		&a.EmailID, &a.Status, &a.MatchScore, &a.ManualMatch, &a.SubmittedAt)
	return a, err
}

// Create inserts an application; a duplicate email_id maps to
// domain.ErrConflict so e-mail ingestion stays at-most-once.
func (r *ApplicationRepo) Create(ctx domain.Context, a domain.Application) (string, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := a.Status
	if status == "" {
		status = domain.ApplicationSubmitted
	}
	q := `INSERT INTO applications (id, posting_id, cv_id, applicant_name, applicant_email, email_id, status, match_score, manual_match, submitted_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, id, a.PostingID, a.CVID, a.ApplicantName, a.ApplicantEmail,
		a.EmailID, status, a.MatchScore, a.ManualMatch, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=application.create: %w: email %s", domain.ErrConflict, a.EmailID)
		}
		return "", fmt.Errorf("op=application.create: %w", err)
	}
	return id, nil
}

// FindByEmailID loads the application created for a mailbox message id.
func (r *ApplicationRepo) FindByEmailID(ctx domain.Context, emailID string) (domain.Application, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.FindByEmailID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE email_id=$1`, emailID)
	a, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Application{}, fmt.Errorf("op=application.find_by_email: %w", domain.ErrNotFound)
		}
		return domain.Application{}, fmt.Errorf("op=application.find_by_email: %w", err)
	}
	return a, nil
}

// ListByPosting returns a posting's applications, newest first.
func (r *ApplicationRepo) ListByPosting(ctx domain.Context, postingID string) ([]domain.Application, error) {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.ListByPosting")
	defer span.End()
	q := `SELECT ` + applicationColumns + ` FROM applications WHERE posting_id=$1 ORDER BY submitted_at DESC`
	rows, err := r.Pool.Query(ctx, q, postingID)
	if err != nil {
		return nil, fmt.Errorf("op=application.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("op=application.list: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=application.list: %w", err)
	}
	return out, nil
}

// SetMatchScore records the computed score and flips the status to matched.
func (r *ApplicationRepo) SetMatchScore(ctx domain.Context, id string, score float64) error {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.SetMatchScore")
	defer span.End()
	q := `UPDATE applications SET match_score=$2, manual_match=false, status=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, score, domain.ApplicationMatched); err != nil {
		return fmt.Errorf("op=application.set_match_score: %w", err)
	}
	return nil
}

// MarkOrphanedByCV marks every application referencing a deleted CV.
func (r *ApplicationRepo) MarkOrphanedByCV(ctx domain.Context, cvID string) error {
	tracer := otel.Tracer("repo.applications")
	ctx, span := tracer.Start(ctx, "applications.MarkOrphanedByCV")
	defer span.End()
	q := `UPDATE applications SET status=$2 WHERE cv_id=$1`
	if _, err := r.Pool.Exec(ctx, q, cvID, domain.ApplicationOrphaned); err != nil {
		return fmt.Errorf("op=application.mark_orphaned: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres 23505 unique
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ domain.ApplicationRepository = (*ApplicationRepo)(nil)
