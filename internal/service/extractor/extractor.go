// Package extractor turns cleaned document text into the fixed-shape
// structured record via an LLM with a strict JSON schema. Outputs are
// cached by content so re-ingesting identical text never re-prompts.
package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/cache"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

const (
	// SingleWindowMax is the largest text (in runes) extracted in one call.
	SingleWindowMax = 100_000
	// WindowSize is the chunk width used above SingleWindowMax.
	WindowSize = 80_000
	// WindowOverlap keeps phrases that straddle a boundary visible to both
	// neighbouring windows.
	WindowOverlap = 2_000

	schemaRetries = 3
)

// Service drives structured extraction through a domain.LLM.
type Service struct {
	llm           domain.LLM
	cache         domain.Cache
	promptVersion string
	maxTokens     int
	cacheTTL      time.Duration
	sleep         func(domain.Context, time.Duration) error
}

// New wires the extractor. cache may be nil.
func New(llm domain.LLM, c domain.Cache, promptVersion string, maxTokens int, cacheTTL time.Duration) *Service {
	return &Service{
		llm:           llm,
		cache:         c,
		promptVersion: promptVersion,
		maxTokens:     maxTokens,
		cacheTTL:      cacheTTL,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx domain.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	case <-t.C:
		return nil
	}
}

// ContentHash is the cache identity of a text for a given document kind.
func ContentHash(kind domain.DocumentKind, text string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Extract produces the normalized structured record for text. Identical
// text under the same prompt version and model is served from cache.
func (s *Service) Extract(ctx domain.Context, kind domain.DocumentKind, docID, text string) (domain.Structured, error) {
	tr := otel.Tracer("service.extractor")
	ctx, span := tr.Start(ctx, "extractor.Extract")
	defer span.End()
	span.SetAttributes(
		attribute.String("doc.kind", string(kind)),
		attribute.Int("text.len", len(text)),
	)

	hash := ContentHash(kind, text)
	key := cache.ExtractKey(s.promptVersion, s.llm.ModelID(), hash)
	if s.cache != nil {
		if raw, ok, _ := s.cache.Get(ctx, key); ok {
			var out domain.Structured
			if err := json.Unmarshal(raw, &out); err == nil {
				out.DocumentID = docID
				return out, nil
			}
		}
	}

	out, err := s.extractUncached(ctx, kind, text)
	if err != nil {
		return domain.Structured{}, err
	}
	out.PromptVersion = s.promptVersion
	out.ModelID = s.llm.ModelID()
	out.Normalize()
	if err := out.Validate(); err != nil {
		return domain.Structured{}, err
	}

	if s.cache != nil {
		// cached without a document id so aliases of the same content share
		// the entry
		if raw, merr := json.Marshal(out); merr == nil {
			if cerr := s.cache.Set(ctx, key, raw, s.cacheTTL); cerr != nil {
				slog.Warn("extract cache write failed", slog.Any("error", cerr))
			}
		}
	}
	out.DocumentID = docID
	return out, nil
}

func (s *Service) extractUncached(ctx domain.Context, kind domain.DocumentKind, text string) (domain.Structured, error) {
	runes := []rune(text)
	if len(runes) <= SingleWindowMax {
		return s.extractWindow(ctx, kind, text)
	}

	windows := chunk(runes, WindowSize, WindowOverlap)
	results := make([]domain.Structured, 0, len(windows))
	for i, w := range windows {
		r, err := s.extractWindow(ctx, kind, w)
		if err != nil {
			return domain.Structured{}, fmt.Errorf("op=extract.window index=%d: %w", i, err)
		}
		results = append(results, r)
	}
	return mergeWindows(results), nil
}

// chunk splits runes into windows of at most size with the given overlap.
func chunk(runes []rune, size, overlap int) []string {
	var out []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			out = append(out, string(runes[start:]))
			break
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// mergeWindows unions skills and responsibilities across windows and
// re-ranks by frequency weighted by how late the phrase last appeared.
// Title, category and experience come from the first window that produced
// them; years take the maximum seen.
func mergeWindows(results []domain.Structured) domain.Structured {
	var merged domain.Structured
	for _, r := range results {
		if merged.JobTitle == "" {
			merged.JobTitle = r.JobTitle
		}
		if merged.Category == "" {
			merged.Category = r.Category
		}
		if r.YearsExperience > merged.YearsExperience {
			merged.YearsExperience = r.YearsExperience
		}
	}
	merged.Skills = rankUnion(results, func(r domain.Structured) []string { return r.Skills })
	merged.Responsibilities = rankUnion(results, func(r domain.Structured) []string { return r.Responsibilities })
	return merged
}

func rankUnion(results []domain.Structured, pick func(domain.Structured) []string) []string {
	type stat struct {
		freq       int
		lastWindow int
		canonical  string
	}
	stats := map[string]*stat{}
	total := len(results)
	for i, r := range results {
		for _, p := range pick(r) {
			if p == "" || p == domain.PadToken {
				continue
			}
			k := strings.ToLower(p)
			st, ok := stats[k]
			if !ok {
				st = &stat{canonical: p}
				stats[k] = st
			}
			st.freq++
			st.lastWindow = i
		}
	}
	type ranked struct {
		phrase string
		weight float64
	}
	out := make([]ranked, 0, len(stats))
	for _, st := range stats {
		recency := 1.0
		if total > 1 {
			recency = 1 + float64(st.lastWindow)/float64(total-1)
		}
		out = append(out, ranked{phrase: st.canonical, weight: float64(st.freq) * recency})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].weight != out[b].weight {
			return out[a].weight > out[b].weight
		}
		return strings.ToLower(out[a].phrase) < strings.ToLower(out[b].phrase)
	})
	phrases := make([]string, len(out))
	for i, r := range out {
		phrases[i] = r.phrase
	}
	return phrases
}

// rawExtraction mirrors the JSON schema the model must satisfy.
type rawExtraction struct {
	JobTitle         string   `json:"job_title"`
	Category         string   `json:"category"`
	Skills           []string `json:"skills"`
	Responsibilities []string `json:"responsibilities"`
	YearsExperience  float64  `json:"years_experience"`
}

func (s *Service) extractWindow(ctx domain.Context, kind domain.DocumentKind, text string) (domain.Structured, error) {
	prompt := buildPrompt(kind, text)
	if n, err := tokencount.CountTokensDefault(prompt, s.llm.ModelID()); err == nil {
		slog.Debug("extraction window sized", slog.Int("prompt_tokens", n))
	}

	var lastErr error
	for attempt := 0; attempt <= schemaRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, time.Duration(1<<(attempt-1))*time.Second); err != nil {
				return domain.Structured{}, err
			}
		}
		body, err := s.llm.Complete(ctx, prompt, schemaName, extractionSchema, s.maxTokens)
		if err != nil {
			if errors.Is(err, domain.ErrSchemaInvalid) {
				lastErr = err
				continue
			}
			return domain.Structured{}, err
		}
		var raw rawExtraction
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			lastErr = fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
			continue
		}
		return domain.Structured{
			JobTitle:         raw.JobTitle,
			Category:         raw.Category,
			Skills:           raw.Skills,
			Responsibilities: raw.Responsibilities,
			YearsExperience:  raw.YearsExperience,
		}, nil
	}
	return domain.Structured{}, fmt.Errorf("op=extract.schema attempts=%d: %w", schemaRetries+1, lastErr)
}
