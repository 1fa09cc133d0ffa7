package usecase

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// subjectCodeRe is the routing code shape postings carry, e.g.
// ENG-2026-001.
var subjectCodeRe = regexp.MustCompile(`^[A-Z]{2,4}-\d{4}-\d{3}$`)

// PostingService manages job postings and their applications.
type PostingService struct {
	Postings domain.PostingRepository
	Apps     domain.ApplicationRepository
	Vectors  domain.VectorStore
}

// NewPostingService constructs a PostingService with its dependencies.
func NewPostingService(p domain.PostingRepository, a domain.ApplicationRepository, v domain.VectorStore) PostingService {
	return PostingService{Postings: p, Apps: a, Vectors: v}
}

// Create validates the subject code and the referenced JD, then inserts
// the posting. The JD must be fully ingested: mailed-in CVs are matched
// against it immediately.
func (s PostingService) Create(ctx domain.Context, jdID, subjectCode string) (domain.JobPosting, error) {
	code := strings.ToUpper(strings.TrimSpace(subjectCode))
	if !subjectCodeRe.MatchString(code) {
		return domain.JobPosting{}, fmt.Errorf("%w: subject code %q", domain.ErrInvalidArgument, subjectCode)
	}
	if jdID == "" {
		return domain.JobPosting{}, fmt.Errorf("%w: jd_id required", domain.ErrInvalidArgument)
	}
	if _, err := s.Vectors.GetEmbeddings(ctx, domain.KindJD, jdID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.JobPosting{}, fmt.Errorf("%w: jd %s is not ingested", domain.ErrInvalidArgument, jdID)
		}
		return domain.JobPosting{}, fmt.Errorf("op=posting.check_jd: %w", err)
	}

	id, err := s.Postings.Create(ctx, domain.JobPosting{
		JDID:        jdID,
		SubjectCode: code,
		Active:      true,
	})
	if err != nil {
		return domain.JobPosting{}, err
	}
	return s.Postings.Get(ctx, id)
}

// Get loads a posting by id.
func (s PostingService) Get(ctx domain.Context, id string) (domain.JobPosting, error) {
	return s.Postings.Get(ctx, id)
}

// Close deactivates a posting. Mailed-in applications for its code are
// rejected afterwards; existing applications stay.
func (s PostingService) Close(ctx domain.Context, id string) error {
	if _, err := s.Postings.Get(ctx, id); err != nil {
		return err
	}
	return s.Postings.SetActive(ctx, id, false)
}

// ListApplications returns a posting's applications sorted by match score
// descending, unscored last, ties by submission time.
func (s PostingService) ListApplications(ctx domain.Context, postingID string) ([]domain.Application, error) {
	if _, err := s.Postings.Get(ctx, postingID); err != nil {
		return nil, err
	}
	apps, err := s.Apps.ListByPosting(ctx, postingID)
	if err != nil {
		return nil, err
	}
	sortApplications(apps)
	return apps, nil
}

func sortApplications(apps []domain.Application) {
	sort.SliceStable(apps, func(i, j int) bool {
		a, b := apps[i], apps[j]
		switch {
		case a.MatchScore == nil && b.MatchScore == nil:
			return a.SubmittedAt.Before(b.SubmittedAt)
		case a.MatchScore == nil:
			return false
		case b.MatchScore == nil:
			return true
		case *a.MatchScore != *b.MatchScore:
			return *a.MatchScore > *b.MatchScore
		default:
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
	})
}
