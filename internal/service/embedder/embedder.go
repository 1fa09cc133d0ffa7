// Package embedder assembles the fixed 32-vector bundle for a structured
// record. Pad rows become zero vectors without touching the provider, and
// every real phrase is cached individually so shared skills across
// documents embed once.
package embedder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/cache"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Service turns structured records into validated embedding bundles.
type Service struct {
	client   domain.EmbedderClient
	cache    domain.Cache
	cacheTTL time.Duration
}

// New wires the embedder. cache may be nil.
func New(client domain.EmbedderClient, c domain.Cache, cacheTTL time.Duration) *Service {
	return &Service{client: client, cache: c, cacheTTL: cacheTTL}
}

// experiencePhrase renders years as a stable phrase so the experience
// vector is comparable across documents.
func experiencePhrase(years float64) string {
	return strconv.FormatFloat(years, 'f', 1, 64) + " years of professional experience"
}

func phraseKey(modelID, phrase string) string {
	sum := sha256.Sum256([]byte(phrase))
	return cache.EmbedKey(modelID, hex.EncodeToString(sum[:]))
}

// EmbedDoc builds the full bundle for s. The provider sees only phrases
// that are neither pads nor cache hits.
func (e *Service) EmbedDoc(ctx domain.Context, s domain.Structured) (domain.Embeddings, error) {
	tr := otel.Tracer("service.embedder")
	ctx, span := tr.Start(ctx, "embedder.EmbedDoc")
	defer span.End()
	span.SetAttributes(attribute.String("doc.id", s.DocumentID))

	if err := s.Validate(); err != nil {
		return domain.Embeddings{}, err
	}

	// bundle layout: 20 skills, 10 responsibilities, title, experience
	phrases := make([]string, 0, domain.VectorsPerDoc)
	phrases = append(phrases, s.Skills...)
	phrases = append(phrases, s.Responsibilities...)
	phrases = append(phrases, s.JobTitle)
	phrases = append(phrases, experiencePhrase(s.YearsExperience))

	vectors, err := e.embedAll(ctx, phrases)
	if err != nil {
		return domain.Embeddings{}, err
	}

	out := domain.Embeddings{
		DocumentID:       s.DocumentID,
		ModelID:          e.client.ModelID(),
		SkillVectors:     vectors[:domain.SkillCount],
		RespVectors:      vectors[domain.SkillCount : domain.SkillCount+domain.RespCount],
		TitleVector:      vectors[domain.SkillCount+domain.RespCount],
		ExperienceVector: vectors[domain.SkillCount+domain.RespCount+1],
	}
	if err := out.Validate(); err != nil {
		return domain.Embeddings{}, err
	}
	return out, nil
}

func (e *Service) embedAll(ctx domain.Context, phrases []string) ([][]float32, error) {
	vectors := make([][]float32, len(phrases))

	var missing []string
	var missingIdx []int
	for i, p := range phrases {
		if p == "" || p == domain.PadToken {
			vectors[i] = make([]float32, domain.VectorDim)
			continue
		}
		if v, ok := e.cached(ctx, p); ok {
			vectors[i] = v
			continue
		}
		missing = append(missing, p)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		fresh, err := e.client.Embed(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("op=embedder.embed: %w", err)
		}
		if len(fresh) != len(missing) {
			return nil, fmt.Errorf("%w: embed returned %d vectors for %d phrases",
				domain.ErrEmbedderUnavailable, len(fresh), len(missing))
		}
		for j, v := range fresh {
			domain.NormalizeVector(v)
			if len(v) != domain.VectorDim {
				return nil, fmt.Errorf("%w: phrase vector has dim %d", domain.ErrDimMismatch, len(v))
			}
			vectors[missingIdx[j]] = v
			e.store(ctx, missing[j], v)
		}
	}
	return vectors, nil
}

func (e *Service) cached(ctx domain.Context, phrase string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	raw, ok, _ := e.cache.Get(ctx, phraseKey(e.client.ModelID(), phrase))
	if !ok {
		return nil, false
	}
	v, err := domain.DecodeVector(raw)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (e *Service) store(ctx domain.Context, phrase string, v []float32) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, phraseKey(e.client.ModelID(), phrase), domain.EncodeVector(v), e.cacheTTL); err != nil {
		slog.Warn("embedding cache write failed", slog.Any("error", err))
	}
}
