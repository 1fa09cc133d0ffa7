package domain

// Job payloads, serialized as JSON into Job.Payload.

// IngestTaskPayload drives ingest_cv and ingest_jd jobs.
type IngestTaskPayload struct {
	JobID       string       `json:"job_id"`
	DocumentID  string       `json:"document_id"`
	Kind        DocumentKind `json:"kind"`
	BlobRef     string       `json:"blob_ref"`
	Filename    string       `json:"filename"`
	Source      string       `json:"source"`
	ContentHash string       `json:"content_hash,omitempty"`
}

// BulkMatchTaskPayload drives bulk_match jobs. Index preserves the caller's
// chunk position so sub-results reassemble deterministically.
type BulkMatchTaskPayload struct {
	JobID string   `json:"job_id"`
	JDID  string   `json:"jd_id"`
	CVIDs []string `json:"cv_ids"`
	Index int      `json:"index"`
	Total int      `json:"total"`
}

// EmailApplicationPayload drives email_application jobs created by the mail
// ingestor.
type EmailApplicationPayload struct {
	JobID          string `json:"job_id"`
	MessageID      string `json:"message_id"`
	PostingID      string `json:"posting_id"`
	AttachmentID   string `json:"attachment_id"`
	Filename       string `json:"filename"`
	ApplicantName  string `json:"applicant_name"`
	ApplicantEmail string `json:"applicant_email"`
}
