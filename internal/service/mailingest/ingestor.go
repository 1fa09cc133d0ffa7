// Package mailingest polls a mailbox for job applications and turns each
// valid message into an email-application job.
//
// Routing is by subject code: a posting's "ENG-2026-001" style code after
// an "Applicant Name |" prefix. Everything else about the message decides
// an outcome label, and every message ends marked seen so the mailbox
// never loops on a bad one.
package mailingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Outcome labels for the mail_messages_total metric.
const (
	outcomeAccepted       = "accepted"
	outcomeDuplicate      = "duplicate"
	outcomeInvalidSubject = "invalid_subject"
	outcomeUnknownCode    = "unknown_code"
	outcomeInactive       = "inactive_posting"
	outcomeNoAttachment   = "no_attachment"
	outcomeError          = "error"
)

// allowedMIME is the attachment allowlist. Anything else is skipped when
// picking the CV attachment.
var allowedMIME = map[string]struct{}{
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"text/plain": {},
}

var allowedExt = map[string]struct{}{
	".pdf":  {},
	".doc":  {},
	".docx": {},
	".txt":  {},
}

// Ingestor drives one poll cycle over the mailbox.
type Ingestor struct {
	mailbox  domain.Mailbox
	postings domain.PostingRepository
	blobs    domain.ObjectStore
	queue    domain.Queue
	log      *ProcessedLog
}

// New wires an Ingestor. All dependencies are required.
func New(mailbox domain.Mailbox, postings domain.PostingRepository, blobs domain.ObjectStore, queue domain.Queue, log *ProcessedLog) (*Ingestor, error) {
	if mailbox == nil || postings == nil || blobs == nil || queue == nil || log == nil {
		return nil, fmt.Errorf("%w: mailingest requires mailbox, postings, blobs, queue and processed log", domain.ErrConfig)
	}
	return &Ingestor{mailbox: mailbox, postings: postings, blobs: blobs, queue: queue, log: log}, nil
}

// Poll lists unread messages and handles each one. Per-message failures
// are logged and counted, never fatal to the cycle; only a mailbox-level
// listing failure returns an error.
func (in *Ingestor) Poll(ctx domain.Context) error {
	tracer := otel.Tracer("service.mailingest")
	ctx, span := tracer.Start(ctx, "Poll")
	defer span.End()

	msgs, err := in.mailbox.ListUnread(ctx)
	if err != nil {
		return fmt.Errorf("op=mail.list: %w", err)
	}
	span.SetAttributes(attribute.Int("mail.unread", len(msgs)))

	for _, msg := range msgs {
		outcome := in.handleMessage(ctx, msg)
		observability.MailMessagesTotal.WithLabelValues(outcome).Inc()
	}
	return nil
}

// Run polls on the given interval until the context ends.
func (in *Ingestor) Run(ctx domain.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := in.Poll(ctx); err != nil {
			slog.Error("mailbox poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (in *Ingestor) handleMessage(ctx domain.Context, msg domain.MailMessage) string {
	lg := slog.With(
		slog.String("message_id", msg.MessageID),
		slog.String("from", msg.From),
		slog.String("subject", msg.Subject),
	)

	if msg.MessageID == "" {
		lg.Warn("message without id, ignoring")
		return outcomeError
	}
	if in.log.Contains(msg.MessageID) {
		// seen flag was lost but the durable log remembers
		in.finish(ctx, lg, msg.MessageID)
		return outcomeDuplicate
	}

	name, code, err := ParseSubject(msg.Subject)
	if err != nil {
		lg.Info("subject does not route to a posting")
		in.finish(ctx, lg, msg.MessageID)
		return outcomeInvalidSubject
	}

	posting, err := in.postings.FindBySubjectCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		lg.Info("no posting for subject code", slog.String("code", code))
		in.finish(ctx, lg, msg.MessageID)
		return outcomeUnknownCode
	}
	if err != nil {
		lg.Error("posting lookup failed", slog.Any("error", err))
		return outcomeError
	}
	if !posting.Active {
		lg.Info("posting closed", slog.String("posting_id", posting.ID))
		in.finish(ctx, lg, msg.MessageID)
		return outcomeInactive
	}

	att, ok := pickAttachment(msg.Attachments)
	if !ok {
		lg.Info("no usable attachment")
		in.finish(ctx, lg, msg.MessageID)
		return outcomeNoAttachment
	}

	data, err := in.mailbox.Download(ctx, msg.MessageID, att.ID)
	if err != nil {
		lg.Error("attachment download failed", slog.Any("error", err))
		return outcomeError
	}
	blobKey := mailBlobKey(msg.MessageID, att.Filename)
	if err := in.blobs.Put(ctx, blobKey, data); err != nil {
		lg.Error("attachment store failed", slog.Any("error", err))
		return outcomeError
	}

	payload, err := json.Marshal(domain.EmailApplicationPayload{
		MessageID:      msg.MessageID,
		PostingID:      posting.ID,
		AttachmentID:   blobKey,
		Filename:       att.Filename,
		ApplicantName:  applicantName(name, msg.FromName),
		ApplicantEmail: msg.From,
	})
	if err != nil {
		lg.Error("payload marshal failed", slog.Any("error", err))
		return outcomeError
	}

	// message id as idem key: a re-poll before the seen flag lands maps
	// to the already-accepted job instead of a second one
	jobID, err := in.queue.Submit(ctx, domain.Job{
		Kind:     domain.JobEmailApplication,
		Priority: domain.PriorityHigh,
		IdemKey:  msg.MessageID,
		Payload:  payload,
	})
	switch {
	case err == nil:
		lg.Info("application job queued",
			slog.String("job_id", jobID),
			slog.String("posting_id", posting.ID))
	case errors.Is(err, domain.ErrConflict):
		lg.Info("application job already queued", slog.String("job_id", jobID))
	case errors.Is(err, domain.ErrBackPressure):
		// leave unread, next cycle retries
		lg.Warn("queue saturated, leaving message unread")
		return outcomeError
	default:
		lg.Error("job submit failed", slog.Any("error", err))
		return outcomeError
	}

	in.finish(ctx, lg, msg.MessageID)
	return outcomeAccepted
}

// finish records the id durably, then flags the message seen. Order
// matters: if the flag write fails the log still stops reprocessing.
func (in *Ingestor) finish(ctx domain.Context, lg *slog.Logger, messageID string) {
	if err := in.log.Add(messageID); err != nil {
		lg.Error("processed log append failed", slog.Any("error", err))
	}
	if err := in.mailbox.MarkProcessed(ctx, messageID); err != nil {
		lg.Warn("mark seen failed", slog.Any("error", err))
	}
}

// pickAttachment returns the first attachment passing the allowlist.
func pickAttachment(atts []domain.MailAttachment) (domain.MailAttachment, bool) {
	for _, a := range atts {
		if _, ok := allowedMIME[a.MIME]; ok {
			return a, true
		}
		if _, ok := allowedExt[strings.ToLower(filepath.Ext(a.Filename))]; ok {
			return a, true
		}
	}
	return domain.MailAttachment{}, false
}

// mailBlobKey derives a stable object key from the message id. Message
// ids carry characters unfit for keys, so a hash prefix stands in.
func mailBlobKey(messageID, filename string) string {
	sum := sha256.Sum256([]byte(messageID))
	return "mail/" + hex.EncodeToString(sum[:8]) + "/" + filepath.Base(filename)
}

func applicantName(subjectName, fromName string) string {
	if subjectName != "" {
		return subjectName
	}
	return fromName
}
