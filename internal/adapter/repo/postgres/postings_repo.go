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

// PostingRepo persists job postings, the routing targets for mailed-in CVs.
type PostingRepo struct{ Pool PgxPool }

// NewPostingRepo constructs a PostingRepo with the given pool.
func NewPostingRepo(p PgxPool) *PostingRepo { return &PostingRepo{Pool: p} }

const postingColumns = `id, jd_id, public_token, subject_code, active, created_at`

func scanPosting(row pgx.Row) (domain.JobPosting, error) {
	var p domain.JobPosting
	err := row.Scan(&p.ID, &p.JDID, &p.PublicToken, &p.SubjectCode, &p.Active, &p.CreatedAt)
	return p, err
}

// Create inserts a posting and returns its id. A duplicate subject code
// maps to domain.ErrConflict via the unique index.
func (r *PostingRepo) Create(ctx domain.Context, p domain.JobPosting) (string, error) {
	tracer := otel.Tracer("repo.postings")
	ctx, span := tracer.Start(ctx, "postings.Create")
	defer span.End()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	token := p.PublicToken
	if token == "" {
		token = uuid.New().String()
	}
	q := `INSERT INTO postings (id, jd_id, public_token, subject_code, active, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, id, p.JDID, token, p.SubjectCode, p.Active, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=posting.create: %w: subject code %s", domain.ErrConflict, p.SubjectCode)
		}
		return "", fmt.Errorf("op=posting.create: %w", err)
	}
	return id, nil
}

// Get loads a posting by id.
func (r *PostingRepo) Get(ctx domain.Context, id string) (domain.JobPosting, error) {
	tracer := otel.Tracer("repo.postings")
	ctx, span := tracer.Start(ctx, "postings.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+postingColumns+` FROM postings WHERE id=$1`, id)
	p, err := scanPosting(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobPosting{}, fmt.Errorf("op=posting.get: %w", domain.ErrNotFound)
		}
		return domain.JobPosting{}, fmt.Errorf("op=posting.get: %w", err)
	}
	return p, nil
}

// FindBySubjectCode resolves the posting a mailed-in CV routes to.
func (r *PostingRepo) FindBySubjectCode(ctx domain.Context, code string) (domain.JobPosting, error) {
	tracer := otel.Tracer("repo.postings")
	ctx, span := tracer.Start(ctx, "postings.FindBySubjectCode")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+postingColumns+` FROM postings WHERE subject_code=$1`, code)
	p, err := scanPosting(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobPosting{}, fmt.Errorf("op=posting.find_by_code: %w", domain.ErrNotFound)
		}
		return domain.JobPosting{}, fmt.Errorf("op=posting.find_by_code: %w", err)
	}
	return p, nil
}

// SetActive toggles whether the posting accepts applications.
func (r *PostingRepo) SetActive(ctx domain.Context, id string, active bool) error {
	tracer := otel.Tracer("repo.postings")
	ctx, span := tracer.Start(ctx, "postings.SetActive")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE postings SET active=$2 WHERE id=$1`, id, active); err != nil {
		return fmt.Errorf("op=posting.set_active: %w", err)
	}
	return nil
}

var _ domain.PostingRepository = (*PostingRepo)(nil)
