package matcher

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// CategoryTable holds unordered pairs of job categories that should never
// be treated as adjacent fields. Lookups are case-insensitive.
type CategoryTable struct {
	pairs map[string]struct{}
}

func pairKey(a, b string) string {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// Incompatible reports whether the two categories are a known bad pairing.
// Empty categories are never incompatible.
func (t *CategoryTable) Incompatible(a, b string) bool {
	if t == nil || a == "" || b == "" {
		return false
	}
	_, ok := t.pairs[pairKey(a, b)]
	return ok
}

// Add registers an incompatible pair.
func (t *CategoryTable) Add(a, b string) {
	if a == "" || b == "" {
		return
	}
	t.pairs[pairKey(a, b)] = struct{}{}
}

// BuiltinCategoryTable returns the default incompatibility pairs.
func BuiltinCategoryTable() *CategoryTable {
	t := &CategoryTable{pairs: map[string]struct{}{}}
	for _, p := range [][2]string{
		{"software engineering", "logistics"},
		{"software engineering", "hospitality"},
		{"software engineering", "construction"},
		{"data science", "hospitality"},
		{"data science", "construction"},
		{"finance", "construction"},
		{"healthcare", "logistics"},
		{"legal", "construction"},
	} {
		t.Add(p[0], p[1])
	}
	return t
}

type categoryFile struct {
	Incompatible [][]string `yaml:"incompatible"`
}

// LoadCategoryTable reads a YAML override file of the form
//
//	incompatible:
//	  - [software engineering, retail]
//
// and merges it over the builtin table. An empty path returns the builtin
// table unchanged.
func LoadCategoryTable(path string) (*CategoryTable, error) {
	t := BuiltinCategoryTable()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: category table %s: %v", domain.ErrConfig, path, err)
	}
	var f categoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: category table %s: %v", domain.ErrConfig, path, err)
	}
	for _, pair := range f.Incompatible {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: category table %s: entry must be a pair, got %v", domain.ErrConfig, path, pair)
		}
		t.Add(pair[0], pair[1])
	}
	return t, nil
}
