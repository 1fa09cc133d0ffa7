package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Fixed cardinality of the structured record. Downstream similarity math
// preallocates its cost matrices against these sizes.
const (
	SkillCount = 20
	RespCount  = 10

	// PadToken fills missing slots; it embeds to the zero vector and never
	// contributes to a match.
	PadToken = "__PAD__"

	// MaxPhraseBytes bounds every skill phrase and responsibility sentence.
	MaxPhraseBytes = 256
)

// Structured is the deterministic extraction of a document.
// Invariants: len(Skills)==20 and len(Responsibilities)==10 after
// Normalize; YearsExperience >= 0; each entry non-empty UTF-8 <= 256 bytes.
type Structured struct {
	DocumentID       string   `json:"document_id"`
	JobTitle         string   `json:"job_title"`
	Category         string   `json:"category"`
	Skills           []string `json:"skills"`
	Responsibilities []string `json:"responsibilities"`
	YearsExperience  float64  `json:"years_experience"`
	PromptVersion    string   `json:"prompt_version"`
	ModelID          string   `json:"model_id"`
}

// IsPad reports whether s is the padding sentinel.
func IsPad(s string) bool { return s == PadToken }

// Normalize trims, deduplicates case-insensitively, truncates, and pads the
// skill and responsibility lists to their fixed sizes. It is idempotent and
// order-preserving for the surviving entries.
func (s *Structured) Normalize() {
	s.JobTitle = strings.TrimSpace(s.JobTitle)
	s.Category = strings.TrimSpace(s.Category)
	if s.YearsExperience < 0 {
		s.YearsExperience = 0
	}
	s.Skills = normalizeList(s.Skills, SkillCount)
	s.Responsibilities = normalizeList(s.Responsibilities, RespCount)
}

// Validate checks the post-Normalize invariants. A violation here is a bug,
// not bad input, so it maps to ErrInvariant.
func (s *Structured) Validate() error {
	if len(s.Skills) != SkillCount {
		return fmt.Errorf("%w: skills len %d", ErrInvariant, len(s.Skills))
	}
	if len(s.Responsibilities) != RespCount {
		return fmt.Errorf("%w: responsibilities len %d", ErrInvariant, len(s.Responsibilities))
	}
	if s.YearsExperience < 0 {
		return fmt.Errorf("%w: negative years_experience", ErrInvariant)
	}
	for _, v := range s.Skills {
		if v == "" || len(v) > MaxPhraseBytes || !utf8.ValidString(v) {
			return fmt.Errorf("%w: bad skill entry", ErrInvariant)
		}
	}
	for _, v := range s.Responsibilities {
		if v == "" || len(v) > MaxPhraseBytes || !utf8.ValidString(v) {
			return fmt.Errorf("%w: bad responsibility entry", ErrInvariant)
		}
	}
	return nil
}

func normalizeList(in []string, want int) []string {
	out := make([]string, 0, want)
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		v := strings.TrimSpace(raw)
		if v == "" || IsPad(v) {
			continue
		}
		v = truncateUTF8(v, MaxPhraseBytes)
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
		if len(out) == want {
			break
		}
	}
	for len(out) < want {
		out = append(out, PadToken)
	}
	return out
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}
