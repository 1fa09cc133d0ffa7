package shared

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// emailApplicationResult is the result JSON of a completed e-mail
// application job.
type emailApplicationResult struct {
	ApplicationID string   `json:"application_id"`
	CVID          string   `json:"cv_id"`
	PostingID     string   `json:"posting_id"`
	MatchScore    *float64 `json:"match_score,omitempty"`
	AliasedCV     bool     `json:"aliased_cv"`
}

// handleEmailApplication ingests a mailed-in CV, records the application
// and scores it against the posting's JD when that JD is already indexed.
// The message id keeps the whole flow at-most-once: both the job idem key
// and the applications unique index carry it.
func (p *Processor) handleEmailApplication(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("queue.handler")
	ctx, span := tracer.Start(ctx, "HandleEmailApplication")
	defer span.End()

	var payload domain.EmailApplicationPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return fmt.Errorf("%w: email application payload: %v", domain.ErrInvalidArgument, err)
	}
	span.SetAttributes(
		attribute.String("posting.id", payload.PostingID),
		attribute.String("message.id", payload.MessageID),
	)
	lg := slog.With(
		slog.String("job_id", j.ID),
		slog.String("posting_id", payload.PostingID),
		slog.String("message_id", payload.MessageID),
	)

	if existing, err := p.apps.FindByEmailID(ctx, payload.MessageID); err == nil {
		// replay of an already-recorded application
		lg.Info("application already recorded", slog.String("application_id", existing.ID))
		return p.completeEmailJob(ctx, j.ID, emailApplicationResult{
			ApplicationID: existing.ID,
			CVID:          existing.CVID,
			PostingID:     existing.PostingID,
			MatchScore:    existing.MatchScore,
		})
	}

	posting, err := p.postings.Get(ctx, payload.PostingID)
	if err != nil {
		return fmt.Errorf("op=email.load_posting: %w", err)
	}

	raw, err := p.blobs.Get(ctx, payload.AttachmentID)
	if err != nil {
		return fmt.Errorf("op=email.load_attachment: %w", err)
	}
	sum := sha256.Sum256(raw)
	contentHash := hex.EncodeToString(sum[:])

	cvID, aliased, err := p.resolveCV(ctx, payload, contentHash, len(raw))
	if err != nil {
		return err
	}
	if !aliased {
		res, err := p.ingestDocument(ctx, j.ID, domain.IngestTaskPayload{
			JobID:       j.ID,
			DocumentID:  cvID,
			Kind:        domain.KindCV,
			BlobRef:     payload.AttachmentID,
			Filename:    payload.Filename,
			Source:      domain.SourceEmailApplication,
			ContentHash: contentHash,
		})
		if err != nil {
			return err
		}
		lg.Info("mailed CV ingested", slog.String("cv_id", res.DocumentID))
	}

	app := domain.Application{
		PostingID:      posting.ID,
		CVID:           cvID,
		ApplicantName:  payload.ApplicantName,
		ApplicantEmail: payload.ApplicantEmail,
		EmailID:        payload.MessageID,
	}
	appID, err := p.apps.Create(ctx, app)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// lost a race with a duplicate delivery
			if existing, ferr := p.apps.FindByEmailID(ctx, payload.MessageID); ferr == nil {
				return p.completeEmailJob(ctx, j.ID, emailApplicationResult{
					ApplicationID: existing.ID,
					CVID:          existing.CVID,
					PostingID:     existing.PostingID,
					MatchScore:    existing.MatchScore,
					AliasedCV:     aliased,
				})
			}
		}
		return fmt.Errorf("op=email.create_application: %w", err)
	}

	result := emailApplicationResult{
		ApplicationID: appID,
		CVID:          cvID,
		PostingID:     posting.ID,
		AliasedCV:     aliased,
	}

	sc, err := p.matchOne(ctx, posting.JDID, cvID)
	switch {
	case err == nil:
		if serr := p.apps.SetMatchScore(ctx, appID, sc.Overall); serr != nil {
			return fmt.Errorf("op=email.set_match_score: %w", serr)
		}
		result.MatchScore = &sc.Overall
	case errors.Is(err, domain.ErrMissingEmbeddings):
		// JD not indexed yet; the application stays submitted
		lg.Info("auto-match skipped, embeddings missing", slog.Any("error", err))
	default:
		return fmt.Errorf("op=email.auto_match: %w", err)
	}

	return p.completeEmailJob(ctx, j.ID, result)
}

// resolveCV aliases an identical CV already on file or creates a new
// document row for the attachment.
func (p *Processor) resolveCV(ctx domain.Context, payload domain.EmailApplicationPayload, contentHash string, size int) (string, bool, error) {
	if existing, err := p.docs.FindByContentHash(ctx, domain.KindCV, contentHash); err == nil {
		return existing.ID, true, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", false, fmt.Errorf("op=email.alias_lookup: %w", err)
	}

	id, err := p.docs.Create(ctx, domain.Document{
		Kind:        domain.KindCV,
		BlobRef:     payload.AttachmentID,
		ContentHash: contentHash,
		Filename:    payload.Filename,
		Size:        int64(size),
		Source:      domain.SourceEmailApplication,
	})
	if err != nil {
		return "", false, fmt.Errorf("op=email.create_document: %w", err)
	}
	return id, false, nil
}

func (p *Processor) completeEmailJob(ctx domain.Context, jobID string, res emailApplicationResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=email.marshal_result: %w", err)
	}
	if err := p.jobs.SetResult(ctx, jobID, raw); err != nil {
		return fmt.Errorf("op=email.set_result: %w", err)
	}
	if err := p.jobs.UpdateStatus(ctx, jobID, domain.JobCompleted, nil); err != nil {
		return fmt.Errorf("op=email.complete: %w", err)
	}
	return nil
}
