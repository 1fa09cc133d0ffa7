package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// DocumentService reads and deletes documents across their three homes:
// the relational row, the blob and the vector mirrors.
type DocumentService struct {
	Docs    domain.DocumentRepository
	Blobs   domain.ObjectStore
	Vectors domain.VectorStore
	Apps    domain.ApplicationRepository
}

// NewDocumentService constructs a DocumentService with its dependencies.
func NewDocumentService(d domain.DocumentRepository, b domain.ObjectStore, v domain.VectorStore, a domain.ApplicationRepository) DocumentService {
	return DocumentService{Docs: d, Blobs: b, Vectors: v, Apps: a}
}

// Get loads a document row. The returned text is already PII-masked.
func (s DocumentService) Get(ctx domain.Context, id string) (domain.Document, error) {
	return s.Docs.Get(ctx, id)
}

// GetPII returns the contact strings stripped from a document.
func (s DocumentService) GetPII(ctx domain.Context, id string) (domain.PIIRecord, error) {
	if _, err := s.Docs.Get(ctx, id); err != nil {
		return domain.PIIRecord{}, err
	}
	return s.Docs.GetPII(ctx, id)
}

// Delete removes a document everywhere. Vector mirrors go first so a
// half-finished delete leaves the row pointing at nothing rather than
// orphaned vectors; the whole sequence is safe to retry. Applications
// referencing a deleted CV are marked orphaned, not removed.
func (s DocumentService) Delete(ctx domain.Context, id string) error {
	doc, err := s.Docs.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.Vectors.DeleteDoc(ctx, doc.Kind, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=document.delete_vectors: %w", err)
	}
	if doc.BlobRef != "" {
		if err := s.Blobs.Delete(ctx, doc.BlobRef); err != nil && !errors.Is(err, domain.ErrNotFound) {
			// blob leaks are cleaned by storage lifecycle rules, keep going
			slog.Warn("blob delete failed",
				slog.String("doc_id", id),
				slog.String("blob_ref", doc.BlobRef),
				slog.Any("error", err))
		}
	}
	if err := s.Docs.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=document.delete_row: %w", err)
	}
	if doc.Kind == domain.KindCV {
		if err := s.Apps.MarkOrphanedByCV(ctx, id); err != nil {
			return fmt.Errorf("op=document.orphan_applications: %w", err)
		}
	}
	return nil
}
