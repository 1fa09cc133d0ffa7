// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// DocumentRepo persists document metadata and the PII side map. The masked
// text lives here as the source of truth; the vector store mirrors it.
type DocumentRepo struct{ Pool PgxPool }

// NewDocumentRepo constructs a DocumentRepo with the given pool.
func NewDocumentRepo(p PgxPool) *DocumentRepo { return &DocumentRepo{Pool: p} }

// Create stores a new document and returns its id (generates one if empty).
func (r *DocumentRepo) Create(ctx domain.Context, d domain.Document) (string, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "documents"),
	)
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO documents (id, kind, blob_ref, content_hash, text, filename, mime, size, source, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, id, d.Kind, d.BlobRef, d.ContentHash, d.Text, d.Filename, d.MIME, d.Size, d.Source, created)
	if err != nil {
		return "", fmt.Errorf("op=document.create: %w", err)
	}
	return id, nil
}

// Get loads a document by id or returns domain.ErrNotFound.
func (r *DocumentRepo) Get(ctx domain.Context, id string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "documents"),
	)
	q := `SELECT id, kind, blob_ref, content_hash, text, filename, mime, size, source, created_at
	      FROM documents WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var d domain.Document
	if err := row.Scan(&d.ID, &d.Kind, &d.BlobRef, &d.ContentHash, &d.Text, &d.Filename, &d.MIME, &d.Size, &d.Source, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, fmt.Errorf("op=document.get: %w", domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("op=document.get: %w", err)
	}
	return d, nil
}

// FindByContentHash returns the oldest document of the given kind with this
// content hash, used to alias re-uploads of identical content.
func (r *DocumentRepo) FindByContentHash(ctx domain.Context, kind domain.DocumentKind, hash string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.FindByContentHash")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "documents"),
	)
	q := `SELECT id, kind, blob_ref, content_hash, text, filename, mime, size, source, created_at
	      FROM documents WHERE kind=$1 AND content_hash=$2 ORDER BY created_at ASC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, kind, hash)
	var d domain.Document
	if err := row.Scan(&d.ID, &d.Kind, &d.BlobRef, &d.ContentHash, &d.Text, &d.Filename, &d.MIME, &d.Size, &d.Source, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, fmt.Errorf("op=document.find_by_hash: %w", domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("op=document.find_by_hash: %w", err)
	}
	return d, nil
}

// UpdateText stores the cleaned, masked text once parsing finished.
func (r *DocumentRepo) UpdateText(ctx domain.Context, id, text string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.UpdateText")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "documents"),
	)
	tag, err := r.Pool.Exec(ctx, `UPDATE documents SET text=$2 WHERE id=$1`, id, text)
	if err != nil {
		return fmt.Errorf("op=document.update_text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=document.update_text: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a document row and its PII record.
func (r *DocumentRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "documents"),
	)
	if _, err := r.Pool.Exec(ctx, `DELETE FROM document_pii WHERE document_id=$1`, id); err != nil {
		return fmt.Errorf("op=document.delete_pii: %w", err)
	}
	if _, err := r.Pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=document.delete: %w", err)
	}
	return nil
}

// SavePII upserts the original contact strings for a document.
func (r *DocumentRepo) SavePII(ctx domain.Context, rec domain.PIIRecord) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SavePII")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "document_pii"),
	)
	q := `INSERT INTO document_pii (document_id, emails, phones)
	      VALUES ($1,$2,$3)
	      ON CONFLICT (document_id) DO UPDATE SET emails=EXCLUDED.emails, phones=EXCLUDED.phones`
	if _, err := r.Pool.Exec(ctx, q, rec.DocumentID, rec.Emails, rec.Phones); err != nil {
		return fmt.Errorf("op=document.save_pii: %w", err)
	}
	return nil
}

// GetPII loads the PII side record for a document.
func (r *DocumentRepo) GetPII(ctx domain.Context, documentID string) (domain.PIIRecord, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.GetPII")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "document_pii"),
	)
	q := `SELECT document_id, emails, phones FROM document_pii WHERE document_id=$1`
	row := r.Pool.QueryRow(ctx, q, documentID)
	var rec domain.PIIRecord
	if err := row.Scan(&rec.DocumentID, &rec.Emails, &rec.Phones); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PIIRecord{}, fmt.Errorf("op=document.get_pii: %w", domain.ErrNotFound)
		}
		return domain.PIIRecord{}, fmt.Errorf("op=document.get_pii: %w", err)
	}
	return rec, nil
}

var _ domain.DocumentRepository = (*DocumentRepo)(nil)
