package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	// Input errors: surfaced to the caller, never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnsupportedType = errors.New("unsupported type")
	ErrCorrupt         = errors.New("corrupt document")
	ErrTooLarge        = errors.New("document too large")
	ErrInvalidSubject  = errors.New("invalid subject")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")

	// Upstream errors: retried with backoff at the call site.
	ErrExtractorThrottled   = errors.New("extractor throttled")
	ErrExtractorUnavailable = errors.New("extractor unavailable")
	ErrEmbedderUnavailable  = errors.New("embedder unavailable")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrCacheUnavailable     = errors.New("cache unavailable")

	// Data errors.
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrDimMismatch       = errors.New("embedding dimension mismatch")
	ErrMissingEmbeddings = errors.New("missing embeddings")

	// Control errors.
	ErrBackPressure = errors.New("back pressure")
	ErrCancelled    = errors.New("cancelled")

	// Fatal errors: the affected worker halts and the supervisor refuses
	// to scale up while one is active.
	ErrConfig    = errors.New("config error")
	ErrInvariant = errors.New("invariant violation")

	ErrInternal = errors.New("internal error")
)

// DocumentKind enumerates the two document variants.
type DocumentKind string

const (
	KindCV DocumentKind = "cv"
	KindJD DocumentKind = "jd"
)

// Valid reports whether k is a known document kind.
func (k DocumentKind) Valid() bool { return k == KindCV || k == KindJD }

// Document sources.
const (
	SourceDirect           = "direct"
	SourceEmailApplication = "email_application"
	SourceBulkImport       = "bulk_import"
)

// Document is a CV or JD. Text is the cleaned, PII-masked text; the
// original blob lives in the object store under BlobRef and is never read
// again after parsing.
// Invariants: Kind in {cv, jd}; ContentHash is sha256 hex over the raw
// uploaded bytes, so byte-identical re-uploads alias to one document.
type Document struct {
	ID          string
	Kind        DocumentKind
	BlobRef     string
	ContentHash string
	Text        string
	Filename    string
	MIME        string
	Size        int64
	Source      string
	CreatedAt   time.Time
}

// PIIRecord holds the original contact strings stripped from a document,
// keyed by document id in a side table separate from the masked text.
type PIIRecord struct {
	DocumentID string
	Emails     []string
	Phones     []string
}

// JobPosting links a JD to a mailbox subject code and a public token.
type JobPosting struct {
	ID          string
	JDID        string
	PublicToken string
	SubjectCode string // [A-Z]{2,4}-\d{4}-\d{3}
	Active      bool
	CreatedAt   time.Time
}

// Application statuses.
const (
	ApplicationSubmitted = "submitted"
	ApplicationMatched   = "matched"
	ApplicationOrphaned  = "orphaned"
)

// Application is created when a CV arrives for a posting, usually via the
// mail ingestor. It references a CV and a posting but owns neither;
// deleting either side marks the application orphaned.
type Application struct {
	ID             string
	PostingID      string
	CVID           string
	ApplicantName  string
	ApplicantEmail string
	EmailID        string // mailbox message id, dedupe key
	Status         string
	MatchScore     *float64
	ManualMatch    bool
	SubmittedAt    time.Time
}

// JobStatus values for asynchronous jobs.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job kinds.
type JobKind string

const (
	JobIngestCV         JobKind = "ingest_cv"
	JobIngestJD         JobKind = "ingest_jd"
	JobBulkMatch        JobKind = "bulk_match"
	JobEmailApplication JobKind = "email_application"
)

// Job priorities, highest first.
type JobPriority int

const (
	PriorityUrgent JobPriority = 0
	PriorityHigh   JobPriority = 1
	PriorityNormal JobPriority = 2
	PriorityLow    JobPriority = 3
)

// Job is a durable unit of asynchronous work.
// Invariants: status transitions follow
// queued -> processing -> {completed, failed, cancelled}; Attempts only grows.
type Job struct {
	ID         string
	Kind       JobKind
	Status     JobStatus
	Priority   JobPriority
	Payload    []byte
	IdemKey    string // empty means none
	Attempts   int
	Error      string
	Progress   int // 0..100
	ResultJSON []byte
	Deadline   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Repositories (ports)

type DocumentRepository interface {
	Create(ctx Context, d Document) (string, error)
	Get(ctx Context, id string) (Document, error)
	// FindByContentHash returns the oldest live document of the given kind
	// carrying this content hash, for aliasing re-uploads.
	FindByContentHash(ctx Context, kind DocumentKind, hash string) (Document, error)
	// UpdateText stores the cleaned, PII-masked text after parsing.
	UpdateText(ctx Context, id, text string) error
	Delete(ctx Context, id string) error
	SavePII(ctx Context, rec PIIRecord) error
	GetPII(ctx Context, documentID string) (PIIRecord, error)
}

type PostingRepository interface {
	Create(ctx Context, p JobPosting) (string, error)
	Get(ctx Context, id string) (JobPosting, error)
	FindBySubjectCode(ctx Context, code string) (JobPosting, error)
	SetActive(ctx Context, id string, active bool) error
}

type ApplicationRepository interface {
	Create(ctx Context, a Application) (string, error)
	FindByEmailID(ctx Context, emailID string) (Application, error)
	ListByPosting(ctx Context, postingID string) ([]Application, error)
	SetMatchScore(ctx Context, id string, score float64) error
	MarkOrphanedByCV(ctx Context, cvID string) error
}

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	UpdateProgress(ctx Context, id string, progress int) error
	SetResult(ctx Context, id string, resultJSON []byte) error
	// FindByIdemKey matches jobs created within the idempotency window.
	FindByIdemKey(ctx Context, key string, window time.Duration) (Job, error)
	CountPending(ctx Context) (int64, error)
	IncrementAttempts(ctx Context, id string) error
	// ListStuck returns processing jobs whose last update is older than age.
	ListStuck(ctx Context, age time.Duration) ([]Job, error)
	DeleteTerminalBefore(ctx Context, cutoff time.Time) (int64, error)
}

// Queue (port)

type Queue interface {
	// Submit persists and enqueues a job, returning its id. It fails with
	// ErrBackPressure when pending depth exceeds the configured maximum and
	// with ErrConflict when the idempotency key was seen within its window.
	Submit(ctx Context, j Job) (string, error)
}

// LLM (port)
// Complete performs one deterministic chat completion: temperature 0,
// top-p 1, fixed seed, reply constrained to the given JSON schema.

type LLM interface {
	Complete(ctx Context, prompt, schemaName, schema string, maxTokens int) (string, error)
	ModelID() string
}

// EmbedderClient (port)
// Embed returns one vector per input phrase, deterministic for a fixed
// model id. Implementations batch internally.

type EmbedderClient interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
	ModelID() string
}

// VectorStore (port)
// One record per document id per logical collection. Put upserts and is
// idempotent; DeleteDoc removes the mirror collections in a fixed order and
// is safe to retry.

type VectorStore interface {
	PutDocument(ctx Context, kind DocumentKind, id string, d Document) error
	PutStructured(ctx Context, kind DocumentKind, id string, s Structured) error
	PutEmbeddings(ctx Context, kind DocumentKind, id string, e Embeddings) error
	GetDocument(ctx Context, kind DocumentKind, id string) (Document, error)
	GetStructured(ctx Context, kind DocumentKind, id string) (Structured, error)
	GetEmbeddings(ctx Context, kind DocumentKind, id string) (Embeddings, error)
	DeleteDoc(ctx Context, kind DocumentKind, id string) error
}

// Cache (port)
// Get returns (nil, false, nil) on a miss. Two-tier implementations absorb
// shared-tier outages and keep serving from the local tier.

type Cache interface {
	Get(ctx Context, key string) ([]byte, bool, error)
	Set(ctx Context, key string, value []byte, ttl time.Duration) error
	Del(ctx Context, key string) error
}

// ObjectStore (port)

type ObjectStore interface {
	Put(ctx Context, key string, data []byte) error
	Get(ctx Context, key string) ([]byte, error)
	Delete(ctx Context, key string) error
}

// TextExtractor (port)
// Extract produces cleaned text plus the detected MIME for raw bytes.
// Implementations may call external services (e.g., Tika).

type ParseResult struct {
	Text     string
	MIME     string
	Warnings []string
}

type TextExtractor interface {
	Extract(ctx Context, fileName string, data []byte) (ParseResult, error)
}

// Mailbox (port)

type MailAttachment struct {
	ID       string
	Filename string
	MIME     string
}

type MailMessage struct {
	MessageID   string
	From        string
	FromName    string
	Subject     string
	Date        time.Time
	Attachments []MailAttachment
}

type Mailbox interface {
	ListUnread(ctx Context) ([]MailMessage, error)
	Download(ctx Context, messageID, attachmentID string) ([]byte, error)
	MarkProcessed(ctx Context, messageID string) error
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through unchanged.

type Context = context.Context
