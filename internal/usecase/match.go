package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Matcher scores one CV against one JD.
type Matcher interface {
	Match(ctx domain.Context, jdID, cvID string) (domain.Score, error)
}

// DefaultSyncBudget bounds a synchronous match request.
const DefaultSyncBudget = 5 * time.Second

// MatchService serves synchronous single matches and submits bulk match
// jobs.
type MatchService struct {
	Matcher Matcher
	Queue   domain.Queue
	Budget  time.Duration
}

// NewMatchService constructs a MatchService with its dependencies.
func NewMatchService(m Matcher, q domain.Queue, budget time.Duration) MatchService {
	if budget <= 0 {
		budget = DefaultSyncBudget
	}
	return MatchService{Matcher: m, Queue: q, Budget: budget}
}

// Sync scores one pair within the request budget.
func (s MatchService) Sync(ctx domain.Context, jdID, cvID string) (domain.Score, error) {
	if jdID == "" || cvID == "" {
		return domain.Score{}, fmt.Errorf("%w: jd_id and cv_id required", domain.ErrInvalidArgument)
	}
	ctx, cancel := context.WithTimeout(ctx, s.Budget)
	defer cancel()
	return s.Matcher.Match(ctx, jdID, cvID)
}

// SubmitBulk enqueues a bulk match job over the given CV set and returns
// its job id. The CV list is deduplicated and sorted so an identical set
// always produces the same payload.
func (s MatchService) SubmitBulk(ctx domain.Context, jdID string, cvIDs []string, idemKey string) (string, error) {
	if jdID == "" {
		return "", fmt.Errorf("%w: jd_id required", domain.ErrInvalidArgument)
	}
	if len(cvIDs) == 0 {
		return "", fmt.Errorf("%w: cv_ids required", domain.ErrInvalidArgument)
	}

	seen := make(map[string]struct{}, len(cvIDs))
	unique := make([]string, 0, len(cvIDs))
	for _, id := range cvIDs {
		if id == "" {
			return "", fmt.Errorf("%w: empty cv id", domain.ErrInvalidArgument)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Strings(unique)

	payload, err := json.Marshal(domain.BulkMatchTaskPayload{
		JDID:  jdID,
		CVIDs: unique,
		Index: 0,
		Total: 1,
	})
	if err != nil {
		return "", fmt.Errorf("op=match.marshal_payload: %w", err)
	}
	return s.Queue.Submit(ctx, domain.Job{
		Kind:     domain.JobBulkMatch,
		Priority: domain.PriorityLow,
		IdemKey:  idemKey,
		Payload:  payload,
	})
}
