package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

type docRepoStub struct {
	mu     sync.Mutex
	nextID int
	docs   map[string]domain.Document
	pii    map[string]domain.PIIRecord
}

func newDocRepoStub() *docRepoStub {
	return &docRepoStub{docs: map[string]domain.Document{}, pii: map[string]domain.PIIRecord{}}
}

func (r *docRepoStub) Create(_ domain.Context, d domain.Document) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	d.ID = "doc-" + string(rune('0'+r.nextID))
	d.CreatedAt = time.Now()
	r.docs[d.ID] = d
	return d.ID, nil
}

func (r *docRepoStub) Get(_ domain.Context, id string) (domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	return d, nil
}

func (r *docRepoStub) FindByContentHash(_ domain.Context, kind domain.DocumentKind, hash string) (domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.Kind == kind && d.ContentHash == hash {
			return d, nil
		}
	}
	return domain.Document{}, domain.ErrNotFound
}

func (r *docRepoStub) UpdateText(_ domain.Context, id, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.Text = text
	r.docs[id] = d
	return nil
}

func (r *docRepoStub) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.docs, id)
	return nil
}

func (r *docRepoStub) SavePII(_ domain.Context, rec domain.PIIRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pii[rec.DocumentID] = rec
	return nil
}

func (r *docRepoStub) GetPII(_ domain.Context, id string) (domain.PIIRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pii[id]
	if !ok {
		return domain.PIIRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

type blobStoreStub struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	deleteErr error
}

func newBlobStoreStub() *blobStoreStub { return &blobStoreStub{blobs: map[string][]byte{}} }

func (s *blobStoreStub) Put(_ domain.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
	return nil
}

func (s *blobStoreStub) Get(_ domain.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (s *blobStoreStub) Delete(_ domain.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.blobs, key)
	return nil
}

type queueRecorder struct {
	mu        sync.Mutex
	submitted []domain.Job
	err       error
	id        string
}

func (q *queueRecorder) Submit(_ domain.Context, j domain.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.id, q.err
	}
	q.submitted = append(q.submitted, j)
	if q.id != "" {
		return q.id, nil
	}
	return "job-1", nil
}

type vecStoreStub struct {
	mu         sync.Mutex
	embeddings map[string]struct{}
	deleted    []string
}

func newVecStoreStub() *vecStoreStub { return &vecStoreStub{embeddings: map[string]struct{}{}} }

func vecKey(kind domain.DocumentKind, id string) string { return string(kind) + "/" + id }

func (s *vecStoreStub) PutDocument(domain.Context, domain.DocumentKind, string, domain.Document) error {
	return nil
}

func (s *vecStoreStub) PutStructured(domain.Context, domain.DocumentKind, string, domain.Structured) error {
	return nil
}

func (s *vecStoreStub) PutEmbeddings(_ domain.Context, kind domain.DocumentKind, id string, _ domain.Embeddings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[vecKey(kind, id)] = struct{}{}
	return nil
}

func (s *vecStoreStub) GetDocument(domain.Context, domain.DocumentKind, string) (domain.Document, error) {
	return domain.Document{}, domain.ErrNotFound
}

func (s *vecStoreStub) GetStructured(domain.Context, domain.DocumentKind, string) (domain.Structured, error) {
	return domain.Structured{}, domain.ErrNotFound
}

func (s *vecStoreStub) GetEmbeddings(_ domain.Context, kind domain.DocumentKind, id string) (domain.Embeddings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.embeddings[vecKey(kind, id)]; !ok {
		return domain.Embeddings{}, domain.ErrNotFound
	}
	return domain.Embeddings{}, nil
}

func (s *vecStoreStub) DeleteDoc(_ domain.Context, kind domain.DocumentKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.embeddings, vecKey(kind, id))
	s.deleted = append(s.deleted, vecKey(kind, id))
	return nil
}

type appRepoStub struct {
	mu       sync.Mutex
	apps     []domain.Application
	orphaned []string
}

func (r *appRepoStub) Create(_ domain.Context, a domain.Application) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = "app-1"
	r.apps = append(r.apps, a)
	return a.ID, nil
}

func (r *appRepoStub) FindByEmailID(domain.Context, string) (domain.Application, error) {
	return domain.Application{}, domain.ErrNotFound
}

func (r *appRepoStub) ListByPosting(_ domain.Context, postingID string) ([]domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Application
	for _, a := range r.apps {
		if a.PostingID == postingID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *appRepoStub) SetMatchScore(domain.Context, string, float64) error { return nil }

func (r *appRepoStub) MarkOrphanedByCV(_ domain.Context, cvID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphaned = append(r.orphaned, cvID)
	return nil
}

type postingRepoStub struct {
	mu       sync.Mutex
	nextID   int
	postings map[string]domain.JobPosting
}

func newPostingRepoStub() *postingRepoStub {
	return &postingRepoStub{postings: map[string]domain.JobPosting{}}
}

func (r *postingRepoStub) Create(_ domain.Context, p domain.JobPosting) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.postings {
		if existing.SubjectCode == p.SubjectCode {
			return "", domain.ErrConflict
		}
	}
	r.nextID++
	p.ID = "posting-" + string(rune('0'+r.nextID))
	p.CreatedAt = time.Now()
	r.postings[p.ID] = p
	return p.ID, nil
}

func (r *postingRepoStub) Get(_ domain.Context, id string) (domain.JobPosting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.postings[id]
	if !ok {
		return domain.JobPosting{}, domain.ErrNotFound
	}
	return p, nil
}

func (r *postingRepoStub) FindBySubjectCode(_ domain.Context, code string) (domain.JobPosting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.postings {
		if p.SubjectCode == code {
			return p, nil
		}
	}
	return domain.JobPosting{}, domain.ErrNotFound
}

func (r *postingRepoStub) SetActive(_ domain.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.postings[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Active = active
	r.postings[id] = p
	return nil
}

type matcherStub struct {
	score domain.Score
	err   error
}

func (m *matcherStub) Match(domain.Context, string, string) (domain.Score, error) {
	return m.score, m.err
}

func TestUpload_NewDocumentSubmitsJob(t *testing.T) {
	t.Parallel()
	docs := newDocRepoStub()
	blobs := newBlobStoreStub()
	q := &queueRecorder{}
	svc := NewIngestService(docs, blobs, q, 1<<20)

	res, err := svc.Upload(context.Background(), domain.KindCV, "resume.pdf", "application/pdf", []byte("pdf bytes"))
	require.NoError(t, err)
	assert.False(t, res.Aliased)
	assert.Equal(t, "job-1", res.JobID)

	require.Len(t, q.submitted, 1)
	j := q.submitted[0]
	assert.Equal(t, domain.JobIngestCV, j.Kind)
	assert.Contains(t, j.IdemKey, "cv:")

	var payload domain.IngestTaskPayload
	require.NoError(t, json.Unmarshal(j.Payload, &payload))
	assert.Equal(t, res.DocumentID, payload.DocumentID)
	assert.Equal(t, domain.SourceDirect, payload.Source)

	_, err = blobs.Get(context.Background(), payload.BlobRef)
	assert.NoError(t, err)
}

func TestUpload_IdenticalContentAliases(t *testing.T) {
	t.Parallel()
	docs := newDocRepoStub()
	q := &queueRecorder{}
	svc := NewIngestService(docs, newBlobStoreStub(), q, 0)

	first, err := svc.Upload(context.Background(), domain.KindCV, "a.pdf", "application/pdf", []byte("same bytes"))
	require.NoError(t, err)

	second, err := svc.Upload(context.Background(), domain.KindCV, "b.pdf", "application/pdf", []byte("same bytes"))
	require.NoError(t, err)
	assert.True(t, second.Aliased)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Empty(t, second.JobID)
	assert.Len(t, q.submitted, 1)
}

func TestUpload_SameBytesDifferentKindNotAliased(t *testing.T) {
	t.Parallel()
	svc := NewIngestService(newDocRepoStub(), newBlobStoreStub(), &queueRecorder{}, 0)

	cv, err := svc.Upload(context.Background(), domain.KindCV, "a.txt", "text/plain", []byte("text"))
	require.NoError(t, err)
	jd, err := svc.Upload(context.Background(), domain.KindJD, "a.txt", "text/plain", []byte("text"))
	require.NoError(t, err)
	assert.False(t, jd.Aliased)
	assert.NotEqual(t, cv.DocumentID, jd.DocumentID)
}

func TestUpload_Validation(t *testing.T) {
	t.Parallel()
	svc := NewIngestService(newDocRepoStub(), newBlobStoreStub(), &queueRecorder{}, 4)

	_, err := svc.Upload(context.Background(), "resume", "a.pdf", "application/pdf", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Upload(context.Background(), domain.KindCV, "a.pdf", "application/pdf", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Upload(context.Background(), domain.KindCV, "a.pdf", "application/pdf", []byte("too large"))
	assert.ErrorIs(t, err, domain.ErrTooLarge)
}

func TestMatchSync_Validation(t *testing.T) {
	t.Parallel()
	svc := NewMatchService(&matcherStub{}, &queueRecorder{}, 0)
	_, err := svc.Sync(context.Background(), "", "cv-1")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.Sync(context.Background(), "jd-1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitBulk_DeduplicatesAndSorts(t *testing.T) {
	t.Parallel()
	q := &queueRecorder{}
	svc := NewMatchService(&matcherStub{}, q, 0)

	_, err := svc.SubmitBulk(context.Background(), "jd-1", []string{"cv-b", "cv-a", "cv-b", "cv-c"}, "bulk-key")
	require.NoError(t, err)

	require.Len(t, q.submitted, 1)
	assert.Equal(t, domain.JobBulkMatch, q.submitted[0].Kind)
	assert.Equal(t, "bulk-key", q.submitted[0].IdemKey)

	var payload domain.BulkMatchTaskPayload
	require.NoError(t, json.Unmarshal(q.submitted[0].Payload, &payload))
	assert.Equal(t, []string{"cv-a", "cv-b", "cv-c"}, payload.CVIDs)
}

func TestSubmitBulk_Validation(t *testing.T) {
	t.Parallel()
	svc := NewMatchService(&matcherStub{}, &queueRecorder{}, 0)
	_, err := svc.SubmitBulk(context.Background(), "", []string{"cv-1"}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.SubmitBulk(context.Background(), "jd-1", nil, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.SubmitBulk(context.Background(), "jd-1", []string{"cv-1", ""}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPostingCreate_RequiresIngestedJD(t *testing.T) {
	t.Parallel()
	vectors := newVecStoreStub()
	svc := NewPostingService(newPostingRepoStub(), &appRepoStub{}, vectors)

	_, err := svc.Create(context.Background(), "jd-1", "ENG-2026-001")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	require.NoError(t, vectors.PutEmbeddings(context.Background(), domain.KindJD, "jd-1", domain.Embeddings{}))
	p, err := svc.Create(context.Background(), "jd-1", "eng-2026-001")
	require.NoError(t, err)
	assert.Equal(t, "ENG-2026-001", p.SubjectCode)
	assert.True(t, p.Active)
}

func TestPostingCreate_RejectsBadSubjectCode(t *testing.T) {
	t.Parallel()
	svc := NewPostingService(newPostingRepoStub(), &appRepoStub{}, newVecStoreStub())
	for _, code := range []string{"E-2026-001", "ENGIN-2026-001", "ENG-26-001", "ENG-2026-1", "ENG 2026 001"} {
		_, err := svc.Create(context.Background(), "jd-1", code)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "code %q", code)
	}
}

func TestListApplications_SortsByScoreThenTime(t *testing.T) {
	t.Parallel()
	posts := newPostingRepoStub()
	vectors := newVecStoreStub()
	require.NoError(t, vectors.PutEmbeddings(context.Background(), domain.KindJD, "jd-1", domain.Embeddings{}))
	apps := &appRepoStub{}
	svc := NewPostingService(posts, apps, vectors)

	p, err := svc.Create(context.Background(), "jd-1", "ENG-2026-001")
	require.NoError(t, err)

	base := time.Now()
	score := func(v float64) *float64 { return &v }
	apps.apps = []domain.Application{
		{ID: "a1", PostingID: p.ID, MatchScore: nil, SubmittedAt: base},
		{ID: "a2", PostingID: p.ID, MatchScore: score(72.5), SubmittedAt: base.Add(time.Minute)},
		{ID: "a3", PostingID: p.ID, MatchScore: score(90), SubmittedAt: base.Add(2 * time.Minute)},
		{ID: "a4", PostingID: p.ID, MatchScore: score(72.5), SubmittedAt: base.Add(30 * time.Second)},
	}

	got, err := svc.ListApplications(context.Background(), p.ID)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, a := range got {
		ids[i] = a.ID
	}
	assert.Equal(t, []string{"a3", "a4", "a2", "a1"}, ids)
}

func TestJobFetch_ETagTracksState(t *testing.T) {
	t.Parallel()
	jobs := &jobRepoFake{job: domain.Job{
		ID: "job-1", Kind: domain.JobIngestCV, Status: domain.JobProcessing, Progress: 30,
	}}
	svc := NewJobService(jobs)

	_, etag1, err := svc.Fetch(context.Background(), "job-1")
	require.NoError(t, err)

	jobs.job.Progress = 70
	_, etag2, err := svc.Fetch(context.Background(), "job-1")
	require.NoError(t, err)
	assert.NotEqual(t, etag1, etag2)

	jobs.job.Status = domain.JobCompleted
	jobs.job.ResultJSON = []byte(`{"document_id":"doc-1"}`)
	view, _, err := svc.Fetch(context.Background(), "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"document_id":"doc-1"}`, string(view.Result))
}

func TestJobFetch_ResultHiddenUntilCompleted(t *testing.T) {
	t.Parallel()
	jobs := &jobRepoFake{job: domain.Job{
		ID: "job-1", Status: domain.JobProcessing, ResultJSON: []byte(`{"partial":true}`),
	}}
	view, _, err := NewJobService(jobs).Fetch(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, view.Result)
}

func TestDocumentDelete_Cascades(t *testing.T) {
	t.Parallel()
	docs := newDocRepoStub()
	blobs := newBlobStoreStub()
	vectors := newVecStoreStub()
	apps := &appRepoStub{}
	svc := NewDocumentService(docs, blobs, vectors, apps)

	id, err := docs.Create(context.Background(), domain.Document{Kind: domain.KindCV, BlobRef: "cv/h/a.pdf"})
	require.NoError(t, err)
	require.NoError(t, blobs.Put(context.Background(), "cv/h/a.pdf", []byte("x")))
	require.NoError(t, vectors.PutEmbeddings(context.Background(), domain.KindCV, id, domain.Embeddings{}))

	require.NoError(t, svc.Delete(context.Background(), id))

	_, err = docs.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []string{"cv/" + id}, vectors.deleted)
	assert.Equal(t, []string{id}, apps.orphaned)
	_, err = blobs.Get(context.Background(), "cv/h/a.pdf")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDocumentDelete_BlobFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	docs := newDocRepoStub()
	blobs := newBlobStoreStub()
	blobs.deleteErr = domain.ErrStoreUnavailable
	svc := NewDocumentService(docs, blobs, newVecStoreStub(), &appRepoStub{})

	id, err := docs.Create(context.Background(), domain.Document{Kind: domain.KindJD, BlobRef: "jd/h/b.pdf"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), id))
	_, err = docs.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type jobRepoFake struct {
	job domain.Job
}

func (r *jobRepoFake) Create(domain.Context, domain.Job) (string, error) { return "", nil }

func (r *jobRepoFake) Get(_ domain.Context, id string) (domain.Job, error) {
	if id != r.job.ID {
		return domain.Job{}, domain.ErrNotFound
	}
	return r.job, nil
}

func (r *jobRepoFake) UpdateStatus(domain.Context, string, domain.JobStatus, *string) error {
	return nil
}
func (r *jobRepoFake) UpdateProgress(domain.Context, string, int) error { return nil }
func (r *jobRepoFake) SetResult(domain.Context, string, []byte) error   { return nil }
func (r *jobRepoFake) FindByIdemKey(domain.Context, string, time.Duration) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (r *jobRepoFake) CountPending(domain.Context) (int64, error)     { return 0, nil }
func (r *jobRepoFake) IncrementAttempts(domain.Context, string) error { return nil }
func (r *jobRepoFake) ListStuck(domain.Context, time.Duration) ([]domain.Job, error) {
	return nil, nil
}
func (r *jobRepoFake) DeleteTerminalBefore(domain.Context, time.Time) (int64, error) {
	return 0, nil
}
