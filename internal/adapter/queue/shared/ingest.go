package shared

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
	"github.com/fairyhunter13/cv-match-engine/pkg/textx"
)

// ingestResult is the result JSON of a completed ingest job.
type ingestResult struct {
	DocumentID  string   `json:"document_id"`
	ContentHash string   `json:"content_hash"`
	MIME        string   `json:"mime"`
	TextLength  int      `json:"text_length"`
	Warnings    []string `json:"warnings,omitempty"`
}

// handleIngest runs the document pipeline and records the result.
func (p *Processor) handleIngest(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("queue.handler")
	ctx, span := tracer.Start(ctx, "HandleIngest")
	defer span.End()

	var payload domain.IngestTaskPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return fmt.Errorf("%w: ingest payload: %v", domain.ErrInvalidArgument, err)
	}
	span.SetAttributes(
		attribute.String("doc.id", payload.DocumentID),
		attribute.String("doc.kind", string(payload.Kind)),
	)

	res, err := p.ingestDocument(ctx, j.ID, payload)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=ingest.marshal_result: %w", err)
	}
	if err := p.jobs.SetResult(ctx, j.ID, raw); err != nil {
		return fmt.Errorf("op=ingest.set_result: %w", err)
	}
	_ = p.jobs.UpdateProgress(ctx, j.ID, 100)
	if err := p.jobs.UpdateStatus(ctx, j.ID, domain.JobCompleted, nil); err != nil {
		return fmt.Errorf("op=ingest.complete: %w", err)
	}
	return nil
}

// ingestDocument is the pipeline core: load blob, parse, mask, extract,
// embed, store. Progress checkpoints land after each stage so a retried
// job reports honestly even though stages re-run. Every stage is
// idempotent: repository writes upsert and vector writes replace.
func (p *Processor) ingestDocument(ctx domain.Context, jobID string, payload domain.IngestTaskPayload) (ingestResult, error) {
	lg := slog.With(
		slog.String("job_id", jobID),
		slog.String("doc_id", payload.DocumentID),
		slog.String("kind", string(payload.Kind)),
	)

	raw, err := p.blobs.Get(ctx, payload.BlobRef)
	if err != nil {
		return ingestResult{}, fmt.Errorf("op=ingest.load_blob: %w", err)
	}
	_ = p.jobs.UpdateProgress(ctx, jobID, 10)

	var parsed domain.ParseResult
	err = stage(ctx, p.timeouts.Parse, func(c domain.Context) error {
		var perr error
		parsed, perr = p.parser.Extract(c, payload.Filename, raw)
		return perr
	})
	if err != nil {
		return ingestResult{}, fmt.Errorf("op=ingest.parse: %w", err)
	}
	lg.Info("document parsed",
		slog.String("mime", parsed.MIME),
		slog.Int("text_len", len(parsed.Text)))
	_ = p.jobs.UpdateProgress(ctx, jobID, 30)

	masked, emails, phones := textx.MaskPII(parsed.Text)
	if len(emails) > 0 || len(phones) > 0 {
		if err := p.docs.SavePII(ctx, domain.PIIRecord{
			DocumentID: payload.DocumentID,
			Emails:     emails,
			Phones:     phones,
		}); err != nil {
			return ingestResult{}, fmt.Errorf("op=ingest.save_pii: %w", err)
		}
	}
	if err := p.docs.UpdateText(ctx, payload.DocumentID, masked); err != nil {
		return ingestResult{}, fmt.Errorf("op=ingest.update_text: %w", err)
	}

	doc, err := p.docs.Get(ctx, payload.DocumentID)
	if err != nil {
		return ingestResult{}, fmt.Errorf("op=ingest.load_document: %w", err)
	}
	err = stage(ctx, p.timeouts.Store, func(c domain.Context) error {
		return p.vectors.PutDocument(c, payload.Kind, payload.DocumentID, doc)
	})
	if err != nil {
		return ingestResult{}, fmt.Errorf("op=ingest.store_document: %w", err)
	}
	_ = p.jobs.UpdateProgress(ctx, jobID, 50)

	var structured domain.Structured
	err = stage(ctx, p.timeouts.Extract, func(c domain.Context) error {
		var serr error
		structured, serr = p.extract.Extract(c, payload.Kind, payload.DocumentID, masked)
		return serr
	})
	if err != nil {
		return ingestResult{}, fmt.Errorf("op=ingest.extract: %w", err)
	}
	err = stage(ctx, p.timeouts.Store, func(c domain.Context) error {
		return p.vectors.PutStructured(c, payload.Kind, payload.DocumentID, structured)
	})
	if err != nil {
		return ingestResult{}, fmt.Errorf("op=ingest.store_structured: %w", err)
	}
	_ = p.jobs.UpdateProgress(ctx, jobID, 70)

	var bundle domain.Embeddings
	err = stage(ctx, p.timeouts.Embed, func(c domain.Context) error {
		var eerr error
		bundle, eerr = p.embed.EmbedDoc(c, structured)
		return eerr
	})
	if err != nil {
		return ingestResult{}, fmt.Errorf("op=ingest.embed: %w", err)
	}
	err = stage(ctx, p.timeouts.Store, func(c domain.Context) error {
		return p.vectors.PutEmbeddings(c, payload.Kind, payload.DocumentID, bundle)
	})
	if err != nil {
		return ingestResult{}, fmt.Errorf("op=ingest.store_embeddings: %w", err)
	}
	_ = p.jobs.UpdateProgress(ctx, jobID, 90)

	lg.Info("ingest pipeline finished")
	return ingestResult{
		DocumentID:  payload.DocumentID,
		ContentHash: payload.ContentHash,
		MIME:        parsed.MIME,
		TextLength:  len(masked),
		Warnings:    parsed.Warnings,
	}, nil
}
