// Package matcher computes the composite similarity score between a JD and
// a CV from their stored embedding bundles. All math is deterministic: no
// RNG, fixed tie-breaks, and padded rows never contribute.
package matcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/cache"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Service loads embedding bundles by id and scores them in-process.
type Service struct {
	vectors  domain.VectorStore
	cache    domain.Cache
	weights  domain.Weights
	cacheTTL time.Duration
	incompat *CategoryTable
}

// New wires the matcher. cache may be nil to disable score caching.
func New(vectors domain.VectorStore, c domain.Cache, weights domain.Weights, cacheTTL time.Duration, incompat *CategoryTable) *Service {
	if incompat == nil {
		incompat = BuiltinCategoryTable()
	}
	return &Service{vectors: vectors, cache: c, weights: weights, cacheTTL: cacheTTL, incompat: incompat}
}

// Match scores cv against jd: requested -> loaded -> scored -> cached ->
// returned. Cache errors are non-fatal; missing embeddings on either side
// surface as ErrMissingEmbeddings without a fabricated score.
func (s *Service) Match(ctx domain.Context, jdID, cvID string) (domain.Score, error) {
	tr := otel.Tracer("service.matcher")
	ctx, span := tr.Start(ctx, "matcher.Match")
	defer span.End()
	span.SetAttributes(attribute.String("jd.id", jdID), attribute.String("cv.id", cvID))

	if sc, ok := s.cached(ctx, jdID, cvID); ok {
		return sc, nil
	}
	jd, err := s.LoadJD(ctx, jdID)
	if err != nil {
		return domain.Score{}, err
	}
	return s.matchCV(ctx, jd, cvID)
}

// JD is a preloaded, validated JD-side bundle reusable across many CVs.
type JD struct {
	id string
	b  bundle
}

// LoadJD fetches the JD bundle once so fan-out scoring does not re-read
// it per CV.
func (s *Service) LoadJD(ctx domain.Context, jdID string) (*JD, error) {
	b, err := s.load(ctx, domain.KindJD, jdID)
	if err != nil {
		return nil, err
	}
	return &JD{id: jdID, b: b}, nil
}

// MatchLoaded scores cv against a preloaded JD, with the same caching as
// Match.
func (s *Service) MatchLoaded(ctx domain.Context, jd *JD, cvID string) (domain.Score, error) {
	tr := otel.Tracer("service.matcher")
	ctx, span := tr.Start(ctx, "matcher.MatchLoaded")
	defer span.End()
	span.SetAttributes(attribute.String("jd.id", jd.id), attribute.String("cv.id", cvID))

	if sc, ok := s.cached(ctx, jd.id, cvID); ok {
		return sc, nil
	}
	return s.matchCV(ctx, jd, cvID)
}

func (s *Service) matchCV(ctx domain.Context, jd *JD, cvID string) (domain.Score, error) {
	cv, err := s.load(ctx, domain.KindCV, cvID)
	if err != nil {
		return domain.Score{}, err
	}

	sc, err := s.score(ctx, jd.id, cvID, jd.b, cv)
	if err != nil {
		return domain.Score{}, err
	}

	if s.cache != nil {
		key := cache.MatchKey(jd.id, cvID, s.weights.Version)
		if raw, merr := json.Marshal(sc); merr == nil {
			if cerr := s.cache.Set(ctx, key, raw, s.cacheTTL); cerr != nil {
				slog.Warn("match cache write failed", slog.Any("error", cerr))
			}
		}
	}
	observability.ObserveMatch(sc.Overall)
	return sc, nil
}

func (s *Service) cached(ctx domain.Context, jdID, cvID string) (domain.Score, bool) {
	if s.cache == nil {
		return domain.Score{}, false
	}
	raw, ok, _ := s.cache.Get(ctx, cache.MatchKey(jdID, cvID, s.weights.Version))
	if !ok {
		return domain.Score{}, false
	}
	var sc domain.Score
	if err := json.Unmarshal(raw, &sc); err != nil {
		return domain.Score{}, false
	}
	return sc, true
}

type bundle struct {
	emb *domain.Embeddings
	str *domain.Structured
}

func (s *Service) load(ctx domain.Context, kind domain.DocumentKind, id string) (bundle, error) {
	emb, err := s.vectors.GetEmbeddings(ctx, kind, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return bundle{}, fmt.Errorf("%w: %s %s", domain.ErrMissingEmbeddings, kind, id)
		}
		return bundle{}, err
	}
	if err := emb.Validate(); err != nil {
		return bundle{}, err
	}
	str, err := s.vectors.GetStructured(ctx, kind, id)
	if err != nil {
		return bundle{}, fmt.Errorf("op=matcher.load_structured: %w", err)
	}
	return bundle{emb: &emb, str: &str}, nil
}

func (s *Service) score(ctx domain.Context, jdID, cvID string, jd, cv bundle) (domain.Score, error) {
	_ = ctx
	var explain []string

	skills, skillsPresent := bestMatchAverage(jd.emb.SkillVectors, cv.emb.SkillVectors, jd.str.Skills, cv.str.Skills)
	resps, respsPresent := bestMatchAverage(jd.emb.RespVectors, cv.emb.RespVectors, jd.str.Responsibilities, cv.str.Responsibilities)

	title, titlePresent := titleScore(jd, cv, s.incompat, &explain)
	exp := experienceScore(jd.str.YearsExperience, cv.str.YearsExperience)

	// Re-normalize weights over present components.
	w := s.weights
	type comp struct {
		value   float64
		weight  float64
		present bool
	}
	comps := []comp{
		{skills, w.Skills, skillsPresent},
		{resps, w.Responsibilities, respsPresent},
		{title, w.Title, titlePresent},
		{exp, w.Experience, true},
	}
	var sum, wsum float64
	for _, c := range comps {
		if !c.present {
			continue
		}
		sum += c.value * c.weight
		wsum += c.weight
	}
	overall := 0.0
	if wsum > 0 {
		overall = sum / wsum
	}

	// Business rules, applied post-composite.
	if jd.str.JobTitle != "" && strings.EqualFold(jd.str.JobTitle, cv.str.JobTitle) {
		overall += 5
		explain = append(explain, "exact title match: +5")
	}
	if jd.str.Category != "" && cv.str.Category != "" &&
		!strings.EqualFold(jd.str.Category, cv.str.Category) && title < 30 {
		overall -= 10
		explain = append(explain, "category mismatch with dissimilar titles: -10")
	}

	sc := domain.Score{
		JDID:             jdID,
		CVID:             cvID,
		Overall:          round1(clamp(overall, 0, 100)),
		Skills:           clamp(skills, 0, 100),
		Responsibilities: clamp(resps, 0, 100),
		Title:            clamp(title, 0, 100),
		Experience:       clamp(exp, 0, 100),
		WeightsVersion:   w.Version,
		Explanations:     explain,
	}
	return sc, nil
}

// bestMatchAverage computes the mean over present JD rows of the row max
// over present CV columns, scaled to [0,100]. Ties on the similarity value
// go to the lexicographically smaller CV phrase so scores stay
// reproducible across map orderings.
func bestMatchAverage(jdVecs, cvVecs [][]float32, jdPhrases, cvPhrases []string) (float64, bool) {
	type col struct {
		vec    []float32
		phrase string
	}
	cols := make([]col, 0, len(cvVecs))
	for j, v := range cvVecs {
		if domain.IsZeroVector(v) {
			continue
		}
		phrase := ""
		if j < len(cvPhrases) {
			phrase = cvPhrases[j]
		}
		cols = append(cols, col{vec: v, phrase: phrase})
	}
	sort.Slice(cols, func(a, b int) bool { return cols[a].phrase < cols[b].phrase })

	var sum float64
	rows := 0
	for _, u := range jdVecs {
		if domain.IsZeroVector(u) {
			continue
		}
		best := math.Inf(-1)
		for _, c := range cols {
			// strictly-greater keeps the first (lexicographically
			// smallest) phrase on ties
			if sim := similarity(u, c.vec); sim > best {
				best = sim
			}
		}
		if best == math.Inf(-1) {
			best = 0
		}
		sum += best
		rows++
	}
	if rows == 0 {
		return 0, false
	}
	return sum / float64(rows) * 100, true
}

// similarity is the cosine primitive: clamp(u·v, -1, 1) on pre-normalized
// vectors.
func similarity(u, v []float32) float64 {
	var dot float64
	for i := range u {
		dot += float64(u[i]) * float64(v[i])
	}
	return clamp(dot, -1, 1)
}

func titleScore(jd, cv bundle, table *CategoryTable, explain *[]string) (float64, bool) {
	if domain.IsZeroVector(jd.emb.TitleVector) || domain.IsZeroVector(cv.emb.TitleVector) {
		return 0, false
	}
	score := similarity(jd.emb.TitleVector, cv.emb.TitleVector) * 100
	switch {
	case jd.str.Category != "" && strings.EqualFold(jd.str.Category, cv.str.Category):
		score = math.Min(score+10, 100)
		*explain = append(*explain, "shared category: title +10")
	case table.Incompatible(jd.str.Category, cv.str.Category):
		score = math.Max(score-20, 0)
		*explain = append(*explain, "incompatible categories: title -20")
	}
	return clamp(score, 0, 100), true
}

// experienceScore maps required years r and candidate years c to [0,100]
// with a mild penalty for over-qualification beyond three extra years.
func experienceScore(r, c float64) float64 {
	switch {
	case r == 0:
		return 100
	case c == 0:
		return 0
	case c >= r:
		return 100 - math.Min(30, 5*math.Max(0, c-r-3))
	default:
		return 100 * (c / r)
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
