package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
	"github.com/fairyhunter13/cv-match-engine/internal/service/matcher"
)

// bulkMatchResult is the result JSON of a completed bulk match job.
type bulkMatchResult struct {
	JDID    string           `json:"jd_id"`
	Ranked  []bulkMatchEntry `json:"ranked"`
	Errors  []bulkMatchError `json:"errors,omitempty"`
	Total   int              `json:"total"`
	Scored  int              `json:"scored"`
	Skipped int              `json:"skipped"`
}

type bulkMatchEntry struct {
	CVID  string       `json:"cv_id"`
	Score domain.Score `json:"score"`
}

type bulkMatchError struct {
	CVID   string `json:"cv_id"`
	Reason string `json:"reason"`
}

// handleBulkMatch scores every CV against the JD with bounded concurrency
// and stores a deterministic ranking. A CV without embeddings is reported
// as skipped, never as a zero score.
func (p *Processor) handleBulkMatch(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("queue.handler")
	ctx, span := tracer.Start(ctx, "HandleBulkMatch")
	defer span.End()

	var payload domain.BulkMatchTaskPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return fmt.Errorf("%w: bulk match payload: %v", domain.ErrInvalidArgument, err)
	}
	span.SetAttributes(
		attribute.String("jd.id", payload.JDID),
		attribute.Int("cv.count", len(payload.CVIDs)),
	)

	// one JD read serves the whole fan-out
	var jd *matcher.JD
	if err := stage(ctx, p.timeouts.Store, func(c domain.Context) error {
		var lerr error
		jd, lerr = p.match.LoadJD(c, payload.JDID)
		return lerr
	}); err != nil {
		return fmt.Errorf("op=bulk_match.load_jd jd_id=%s: %w", payload.JDID, err)
	}

	entries := make([]bulkMatchEntry, len(payload.CVIDs))
	failures := make([]*bulkMatchError, len(payload.CVIDs))
	var done int
	var progressMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.chunkSize)
	for i, cvID := range payload.CVIDs {
		g.Go(func() error {
			sc, err := p.matchLoadedOne(gctx, jd, cvID)
			if err != nil {
				if errors.Is(err, domain.ErrMissingEmbeddings) || errors.Is(err, domain.ErrNotFound) {
					failures[i] = &bulkMatchError{CVID: cvID, Reason: err.Error()}
				} else {
					// upstream failure aborts the job so the consumer can retry it
					return fmt.Errorf("op=bulk_match cv_id=%s: %w", cvID, err)
				}
			} else {
				entries[i] = bulkMatchEntry{CVID: cvID, Score: sc}
			}

			progressMu.Lock()
			done++
			pct := done * 100 / len(payload.CVIDs)
			progressMu.Unlock()
			_ = p.jobs.UpdateProgress(gctx, j.ID, pct)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	result := bulkMatchResult{JDID: payload.JDID, Total: len(payload.CVIDs)}
	for i := range payload.CVIDs {
		if failures[i] != nil {
			result.Errors = append(result.Errors, *failures[i])
			continue
		}
		result.Ranked = append(result.Ranked, entries[i])
	}
	result.Scored = len(result.Ranked)
	result.Skipped = len(result.Errors)

	// rank by overall desc, cv id asc on ties
	sort.Slice(result.Ranked, func(a, b int) bool {
		if result.Ranked[a].Score.Overall != result.Ranked[b].Score.Overall {
			return result.Ranked[a].Score.Overall > result.Ranked[b].Score.Overall
		}
		return result.Ranked[a].CVID < result.Ranked[b].CVID
	})

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=bulk_match.marshal_result: %w", err)
	}
	if err := p.jobs.SetResult(ctx, j.ID, raw); err != nil {
		return fmt.Errorf("op=bulk_match.set_result: %w", err)
	}
	if err := p.jobs.UpdateStatus(ctx, j.ID, domain.JobCompleted, nil); err != nil {
		return fmt.Errorf("op=bulk_match.complete: %w", err)
	}
	return nil
}

func (p *Processor) matchOne(ctx domain.Context, jdID, cvID string) (domain.Score, error) {
	var sc domain.Score
	err := stage(ctx, p.timeouts.Match, func(c domain.Context) error {
		var merr error
		sc, merr = p.match.Match(c, jdID, cvID)
		return merr
	})
	return sc, err
}

func (p *Processor) matchLoadedOne(ctx domain.Context, jd *matcher.JD, cvID string) (domain.Score, error) {
	var sc domain.Score
	err := stage(ctx, p.timeouts.Match, func(c domain.Context) error {
		var merr error
		sc, merr = p.match.MatchLoaded(c, jd, cvID)
		return merr
	})
	return sc, err
}
