// Package usecase contains application business logic services.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// IngestService accepts uploaded documents, aliases exact re-uploads and
// enqueues the ingest pipeline for new content.
type IngestService struct {
	Docs     domain.DocumentRepository
	Blobs    domain.ObjectStore
	Queue    domain.Queue
	MaxBytes int64
}

// NewIngestService constructs an IngestService with its dependencies.
func NewIngestService(d domain.DocumentRepository, b domain.ObjectStore, q domain.Queue, maxBytes int64) IngestService {
	return IngestService{Docs: d, Blobs: b, Queue: q, MaxBytes: maxBytes}
}

// UploadResult reports what an upload produced. Aliased re-uploads carry
// the existing document id and no job.
type UploadResult struct {
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id,omitempty"`
	Aliased    bool   `json:"aliased"`
}

// Upload stores the raw bytes, creates the document row and submits an
// ingest job. A byte-identical document of the same kind already on file
// short-circuits to its id: no blob write, no job.
func (s IngestService) Upload(ctx domain.Context, kind domain.DocumentKind, filename, mime string, data []byte) (UploadResult, error) {
	if !kind.Valid() {
		return UploadResult{}, fmt.Errorf("%w: document kind %q", domain.ErrInvalidArgument, kind)
	}
	if len(data) == 0 {
		return UploadResult{}, fmt.Errorf("%w: empty upload", domain.ErrInvalidArgument)
	}
	if s.MaxBytes > 0 && int64(len(data)) > s.MaxBytes {
		return UploadResult{}, fmt.Errorf("%w: %d bytes exceeds limit %d", domain.ErrTooLarge, len(data), s.MaxBytes)
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	if existing, err := s.Docs.FindByContentHash(ctx, kind, contentHash); err == nil {
		return UploadResult{DocumentID: existing.ID, Aliased: true}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return UploadResult{}, fmt.Errorf("op=ingest.alias_lookup: %w", err)
	}

	blobRef := blobKey(kind, contentHash, filename)
	if err := s.Blobs.Put(ctx, blobRef, data); err != nil {
		return UploadResult{}, fmt.Errorf("op=ingest.store_blob: %w", err)
	}

	docID, err := s.Docs.Create(ctx, domain.Document{
		Kind:        kind,
		BlobRef:     blobRef,
		ContentHash: contentHash,
		Filename:    filepath.Base(filename),
		MIME:        mime,
		Size:        int64(len(data)),
		Source:      domain.SourceDirect,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("op=ingest.create_document: %w", err)
	}

	payload, err := json.Marshal(domain.IngestTaskPayload{
		DocumentID:  docID,
		Kind:        kind,
		BlobRef:     blobRef,
		Filename:    filepath.Base(filename),
		Source:      domain.SourceDirect,
		ContentHash: contentHash,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("op=ingest.marshal_payload: %w", err)
	}

	jobKind := domain.JobIngestCV
	if kind == domain.KindJD {
		jobKind = domain.JobIngestJD
	}
	// content hash as idem key: a concurrent identical upload races into
	// the same job instead of a second pipeline run
	jobID, err := s.Queue.Submit(ctx, domain.Job{
		Kind:     jobKind,
		Priority: domain.PriorityNormal,
		IdemKey:  string(kind) + ":" + contentHash,
		Payload:  payload,
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return UploadResult{}, err
	}
	return UploadResult{DocumentID: docID, JobID: jobID}, nil
}

func blobKey(kind domain.DocumentKind, hash, filename string) string {
	base := filepath.Base(filename)
	if base == "." || base == "/" || base == "" {
		base = "upload"
	}
	return strings.Join([]string{string(kind), hash, base}, "/")
}
