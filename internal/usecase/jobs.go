package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// JobService provides read access to job status and results.
type JobService struct {
	Jobs domain.JobRepository
}

// NewJobService constructs a JobService with the given repository.
func NewJobService(j domain.JobRepository) JobService { return JobService{Jobs: j} }

// JobStatusView is the API shape of a job's state.
type JobStatusView struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Fetch returns the job view and its ETag. The ETag hashes the rendered
// view, so any state change invalidates it.
func (s JobService) Fetch(ctx domain.Context, id string) (JobStatusView, string, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobStatusView{}, "", err
	}
	view := JobStatusView{
		ID:        j.ID,
		Kind:      string(j.Kind),
		Status:    string(j.Status),
		Progress:  j.Progress,
		Attempts:  j.Attempts,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Status == domain.JobCompleted && len(j.ResultJSON) > 0 {
		view.Result = json.RawMessage(j.ResultJSON)
	}
	return view, makeETag(view), nil
}

// CleanupTerminal deletes terminal jobs older than the retention period
// and returns how many rows went away.
func (s JobService) CleanupTerminal(ctx domain.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	return s.Jobs.DeleteTerminalBefore(ctx, cutoff)
}

func makeETag(v any) string {
	b, _ := json.Marshal(v)
	s := sha256.Sum256(b)
	return `"` + hex.EncodeToString(s[:]) + `"`
}
