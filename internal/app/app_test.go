package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/cv-match-engine/internal/adapter/httpserver"
	"github.com/fairyhunter13/cv-match-engine/internal/config"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
}

func TestBuildRouter_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	cfg := config.Config{MaxUploadMB: 1, RateLimitPerMin: 60, CORSAllowOrigins: "*"}
	h := BuildRouter(cfg, &httpserver.Server{Cfg: cfg})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildReadinessChecks_NilDependencies(t *testing.T) {
	t.Parallel()
	checks := BuildReadinessChecks(config.Config{}, nil, nil, nil)
	assert.Error(t, checks.DB(context.Background()))
	assert.Error(t, checks.Redis(context.Background()))
	assert.Error(t, checks.Kafka(context.Background()))
}

type pingOK struct{}

func (pingOK) Ping(context.Context) error { return nil }

func TestBuildReadinessChecks_Pingers(t *testing.T) {
	t.Parallel()
	checks := BuildReadinessChecks(config.Config{}, pingOK{}, nil, pingOK{})
	assert.NoError(t, checks.DB(context.Background()))
	assert.NoError(t, checks.Kafka(context.Background()))
}

type sweepJobRepo struct {
	mu    sync.Mutex
	stuck []domain.Job
	jobs  map[string]*domain.Job
}

func newSweepJobRepo(stuck ...domain.Job) *sweepJobRepo {
	r := &sweepJobRepo{jobs: map[string]*domain.Job{}}
	for i := range stuck {
		j := stuck[i]
		r.stuck = append(r.stuck, j)
		r.jobs[j.ID] = &stuck[i]
	}
	return r
}

func (r *sweepJobRepo) Create(domain.Context, domain.Job) (string, error) { return "", nil }

func (r *sweepJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (r *sweepJobRepo) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.Status = status
	if errMsg != nil {
		j.Error = *errMsg
	}
	return nil
}

func (r *sweepJobRepo) UpdateProgress(domain.Context, string, int) error { return nil }
func (r *sweepJobRepo) SetResult(domain.Context, string, []byte) error   { return nil }
func (r *sweepJobRepo) FindByIdemKey(domain.Context, string, time.Duration) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (r *sweepJobRepo) CountPending(domain.Context) (int64, error) { return 0, nil }

func (r *sweepJobRepo) IncrementAttempts(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id].Attempts++
	return nil
}

func (r *sweepJobRepo) ListStuck(domain.Context, time.Duration) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Job, len(r.stuck))
	copy(out, r.stuck)
	return out, nil
}

func (r *sweepJobRepo) DeleteTerminalBefore(domain.Context, time.Time) (int64, error) {
	return 0, nil
}

type requeueRecorder struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (q *requeueRecorder) Republish(_ domain.Context, j domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, j)
	return nil
}

func TestStuckJobSweeper_RequeuesWithAttemptsLeft(t *testing.T) {
	t.Parallel()
	repo := newSweepJobRepo(domain.Job{ID: "job-1", Status: domain.JobProcessing, Attempts: 0})
	rq := &requeueRecorder{}
	s := NewStuckJobSweeper(repo, rq, 10*time.Minute, time.Minute, 3)

	s.sweepOnce(context.Background())

	j, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, j.Status)
	assert.Equal(t, 1, j.Attempts)
	require.Len(t, rq.jobs, 1)
	assert.Equal(t, 1, rq.jobs[0].Attempts)
}

func TestStuckJobSweeper_FailsWhenRetriesExhausted(t *testing.T) {
	t.Parallel()
	repo := newSweepJobRepo(domain.Job{ID: "job-2", Status: domain.JobProcessing, Attempts: 2})
	rq := &requeueRecorder{}
	s := NewStuckJobSweeper(repo, rq, 10*time.Minute, time.Minute, 3)

	s.sweepOnce(context.Background())

	j, err := repo.Get(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Contains(t, j.Error, "retries exhausted")
	assert.Empty(t, rq.jobs)
}

func TestNewStuckJobSweeper_NilRepoIsNoop(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewStuckJobSweeper(nil, nil, 0, 0, 0))
	var s *StuckJobSweeper
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx) // must not panic
}
