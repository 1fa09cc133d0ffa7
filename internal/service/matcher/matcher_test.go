package matcher

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// fakeStore serves pre-seeded bundles keyed by kind/id.
type fakeStore struct {
	embeddings map[string]domain.Embeddings
	structured map[string]domain.Structured
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		embeddings: map[string]domain.Embeddings{},
		structured: map[string]domain.Structured{},
	}
}

func skey(kind domain.DocumentKind, id string) string { return string(kind) + "/" + id }

func (f *fakeStore) seed(kind domain.DocumentKind, id string, s domain.Structured, e domain.Embeddings) {
	f.structured[skey(kind, id)] = s
	f.embeddings[skey(kind, id)] = e
}

func (f *fakeStore) PutDocument(domain.Context, domain.DocumentKind, string, domain.Document) error {
	return nil
}
func (f *fakeStore) PutStructured(domain.Context, domain.DocumentKind, string, domain.Structured) error {
	return nil
}
func (f *fakeStore) PutEmbeddings(domain.Context, domain.DocumentKind, string, domain.Embeddings) error {
	return nil
}
func (f *fakeStore) GetDocument(_ domain.Context, _ domain.DocumentKind, _ string) (domain.Document, error) {
	return domain.Document{}, domain.ErrNotFound
}
func (f *fakeStore) GetStructured(_ domain.Context, kind domain.DocumentKind, id string) (domain.Structured, error) {
	s, ok := f.structured[skey(kind, id)]
	if !ok {
		return domain.Structured{}, fmt.Errorf("op=get_structured: %w", domain.ErrNotFound)
	}
	return s, nil
}
func (f *fakeStore) GetEmbeddings(_ domain.Context, kind domain.DocumentKind, id string) (domain.Embeddings, error) {
	e, ok := f.embeddings[skey(kind, id)]
	if !ok {
		return domain.Embeddings{}, fmt.Errorf("op=get_embeddings: %w", domain.ErrNotFound)
	}
	return e, nil
}
func (f *fakeStore) DeleteDoc(domain.Context, domain.DocumentKind, string) error { return nil }

// memCache records writes so TTL and key usage can be asserted.
type memCache struct {
	data    map[string][]byte
	lastTTL time.Duration
}

func (m *memCache) Get(_ domain.Context, key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}
func (m *memCache) Set(_ domain.Context, key string, value []byte, ttl time.Duration) error {
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = value
	m.lastTTL = ttl
	return nil
}
func (m *memCache) Del(_ domain.Context, key string) error {
	delete(m.data, key)
	return nil
}

// basisVector returns a unit vector with a single 1.0 at position i.
func basisVector(i int) []float32 {
	v := make([]float32, domain.VectorDim)
	v[i%domain.VectorDim] = 1
	return v
}

func zeroVector() []float32 { return make([]float32, domain.VectorDim) }

// bundleFor builds a valid bundle where the first len(skills) skill rows
// map to distinct basis vectors (identical phrase -> identical vector) and
// the rest are zero pad rows.
func bundleFor(id string, title, category string, years float64, skills, resps []string) (domain.Structured, domain.Embeddings) {
	s := domain.Structured{
		DocumentID:      id,
		JobTitle:        title,
		Category:        category,
		YearsExperience: years,
		PromptVersion:   "v3",
		ModelID:         "test-model",
	}
	s.Skills = padList(skills, domain.SkillCount)
	s.Responsibilities = padList(resps, domain.RespCount)

	e := domain.Embeddings{DocumentID: id, ModelID: "test-model"}
	e.SkillVectors = phraseVectors(s.Skills, 0)
	e.RespVectors = phraseVectors(s.Responsibilities, 100)
	e.TitleVector = phraseVector(title, 200)
	e.ExperienceVector = phraseVector(fmt.Sprintf("%.1f years", years), 300)
	return s, e
}

func padList(in []string, n int) []string {
	out := make([]string, 0, n)
	out = append(out, in...)
	for len(out) < n {
		out = append(out, domain.PadToken)
	}
	return out
}

// phraseVector derives a deterministic basis vector from the phrase so the
// same phrase always embeds identically, which is what a real embedder with
// caching guarantees.
func phraseVector(phrase string, offset int) []float32 {
	if phrase == domain.PadToken || phrase == "" {
		return zeroVector()
	}
	h := 0
	for _, r := range phrase {
		h = (h*31 + int(r)) % (domain.VectorDim / 2)
	}
	return basisVector(h + offset%(domain.VectorDim/2))
}

func phraseVectors(phrases []string, offset int) [][]float32 {
	out := make([][]float32, len(phrases))
	for i, p := range phrases {
		out[i] = phraseVector(p, offset)
	}
	return out
}

func writeFile(path, body string) error { return os.WriteFile(path, []byte(body), 0o600) }

func newMatcher(store domain.VectorStore, c domain.Cache) *Service {
	return New(store, c, domain.DefaultWeights(), 30*time.Minute, nil)
}

func TestMatch_IdenticalSkillsWithPaddingScoreFull(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	jdS, jdE := bundleFor("jd1", "Backend Engineer", "software engineering", 0, []string{"go", "sql", "docker"}, []string{"build services"})
	cvS, cvE := bundleFor("cv1", "Backend Engineer", "software engineering", 4, []string{"go", "sql", "docker"}, []string{"build services"})
	store.seed(domain.KindJD, "jd1", jdS, jdE)
	store.seed(domain.KindCV, "cv1", cvS, cvE)

	sc, err := newMatcher(store, nil).Match(context.Background(), "jd1", "cv1")
	require.NoError(t, err)

	// pad rows on both sides must not dilute the average
	assert.InDelta(t, 100.0, sc.Skills, 1e-9)
	assert.InDelta(t, 100.0, sc.Responsibilities, 1e-9)
	assert.InDelta(t, 100.0, sc.Experience, 1e-9)
}

func TestMatch_ExperienceCurve(t *testing.T) {
	t.Parallel()
	cases := []struct {
		required, candidate float64
		want                float64
	}{
		{5, 8, 100},  // within the three-year grace band
		{5, 12, 80},  // 4 years beyond grace: 100 - 20
		{5, 2, 40},   // proportional below requirement
		{5, 20, 70},  // over-qualification penalty capped at 30
		{0, 0, 100},  // no requirement stated
		{0, 15, 100}, // no requirement stated
		{5, 0, 0},    // requirement stated, none found
	}
	for _, tc := range cases {
		got := experienceScore(tc.required, tc.candidate)
		assert.InDelta(t, tc.want, got, 1e-9, "required=%v candidate=%v", tc.required, tc.candidate)
	}
}

func TestMatch_CategoryAdjustments(t *testing.T) {
	t.Parallel()
	table := BuiltinCategoryTable()

	assert.True(t, table.Incompatible("Software Engineering", "LOGISTICS"))
	assert.True(t, table.Incompatible("logistics", "software engineering"))
	assert.False(t, table.Incompatible("software engineering", "data science"))
	assert.False(t, table.Incompatible("", "logistics"))

	store := newFakeStore()
	jdS, jdE := bundleFor("jd1", "Software Engineer", "software engineering", 0, []string{"go"}, []string{"ship"})
	cvS, cvE := bundleFor("cv1", "Warehouse Operator", "logistics", 3, []string{"forklift"}, []string{"load"})
	// force orthogonal title vectors so the category penalty is isolated
	jdE.TitleVector = basisVector(700)
	cvE.TitleVector = basisVector(701)
	store.seed(domain.KindJD, "jd1", jdS, jdE)
	store.seed(domain.KindCV, "cv1", cvS, cvE)

	sc, err := newMatcher(store, nil).Match(context.Background(), "jd1", "cv1")
	require.NoError(t, err)

	// orthogonal titles (sim 0) minus incompatible-category 20, floored at 0
	assert.InDelta(t, 0.0, sc.Title, 1e-9)
	// cross-category with title < 30 also triggers the composite penalty
	assert.Contains(t, sc.Explanations, "category mismatch with dissimilar titles: -10")
	assert.GreaterOrEqual(t, sc.Overall, 0.0)
}

func TestMatch_SharedCategoryBoostCapsAtHundred(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	jdS, jdE := bundleFor("jd1", "Platform Engineer", "software engineering", 0, []string{"go"}, []string{"ship"})
	cvS, cvE := bundleFor("cv1", "Platform Engineer", "software engineering", 2, []string{"go"}, []string{"ship"})
	store.seed(domain.KindJD, "jd1", jdS, jdE)
	store.seed(domain.KindCV, "cv1", cvS, cvE)

	sc, err := newMatcher(store, nil).Match(context.Background(), "jd1", "cv1")
	require.NoError(t, err)

	assert.InDelta(t, 100.0, sc.Title, 1e-9)
	assert.Contains(t, sc.Explanations, "shared category: title +10")
	assert.Contains(t, sc.Explanations, "exact title match: +5")
	assert.LessOrEqual(t, sc.Overall, 100.0)
}

func TestMatch_Deterministic(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	jdS, jdE := bundleFor("jd1", "Data Engineer", "data science", 4, []string{"python", "spark", "airflow"}, []string{"pipelines", "quality"})
	cvS, cvE := bundleFor("cv1", "Analytics Engineer", "data science", 6, []string{"python", "dbt"}, []string{"pipelines"})
	store.seed(domain.KindJD, "jd1", jdS, jdE)
	store.seed(domain.KindCV, "cv1", cvS, cvE)

	m := newMatcher(store, nil)
	first, err := m.Match(context.Background(), "jd1", "cv1")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := m.Match(context.Background(), "jd1", "cv1")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMatch_MissingEmbeddingsNotScorable(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	jdS, jdE := bundleFor("jd1", "Engineer", "software engineering", 3, []string{"go"}, []string{"ship"})
	store.seed(domain.KindJD, "jd1", jdS, jdE)

	_, err := newMatcher(store, nil).Match(context.Background(), "jd1", "cv-missing")
	assert.ErrorIs(t, err, domain.ErrMissingEmbeddings)
}

func TestMatch_WeightRenormalizationWhenComponentAbsent(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	// JD with zero skill requirements: all skill rows are pads.
	jdS, jdE := bundleFor("jd1", "Engineer", "software engineering", 0, nil, []string{"ship"})
	cvS, cvE := bundleFor("cv1", "Engineer", "software engineering", 3, []string{"go"}, []string{"ship"})
	store.seed(domain.KindJD, "jd1", jdS, jdE)
	store.seed(domain.KindCV, "cv1", cvS, cvE)

	sc, err := newMatcher(store, nil).Match(context.Background(), "jd1", "cv1")
	require.NoError(t, err)

	// skills is absent, so the remaining components carry the full weight:
	// resp=100, title=100, exp=100 -> composite 100, +5 exact title, capped.
	assert.InDelta(t, 0.0, sc.Skills, 1e-9)
	assert.InDelta(t, 100.0, sc.Overall, 1e-9)
}

func TestMatch_CacheHitSkipsStore(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	jdS, jdE := bundleFor("jd1", "Engineer", "software engineering", 3, []string{"go"}, []string{"ship"})
	cvS, cvE := bundleFor("cv1", "Engineer", "software engineering", 3, []string{"go"}, []string{"ship"})
	store.seed(domain.KindJD, "jd1", jdS, jdE)
	store.seed(domain.KindCV, "cv1", cvS, cvE)

	c := &memCache{}
	m := newMatcher(store, c)
	first, err := m.Match(context.Background(), "jd1", "cv1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, c.lastTTL)

	// drop the underlying bundles; a cached score must still be served
	store.embeddings = map[string]domain.Embeddings{}
	cached, err := m.Match(context.Background(), "jd1", "cv1")
	require.NoError(t, err)
	assert.Equal(t, first, cached)
}

// countingStore tracks how often the JD side is re-read.
type countingStore struct {
	*fakeStore
	jdReads int
}

func (c *countingStore) GetEmbeddings(ctx domain.Context, kind domain.DocumentKind, id string) (domain.Embeddings, error) {
	if kind == domain.KindJD {
		c.jdReads++
	}
	return c.fakeStore.GetEmbeddings(ctx, kind, id)
}

func TestMatchLoaded_ReusesJDAcrossCVs(t *testing.T) {
	t.Parallel()
	store := &countingStore{fakeStore: newFakeStore()}
	jdS, jdE := bundleFor("jd1", "Engineer", "software engineering", 3, []string{"go"}, []string{"ship"})
	store.seed(domain.KindJD, "jd1", jdS, jdE)
	for _, id := range []string{"cv1", "cv2", "cv3"} {
		s, e := bundleFor(id, "Engineer", "software engineering", 3, []string{"go"}, []string{"ship"})
		store.seed(domain.KindCV, id, s, e)
	}

	m := newMatcher(store, nil)
	jd, err := m.LoadJD(context.Background(), "jd1")
	require.NoError(t, err)

	want, err := m.Match(context.Background(), "jd1", "cv1")
	require.NoError(t, err)
	for _, id := range []string{"cv1", "cv2", "cv3"} {
		sc, err := m.MatchLoaded(context.Background(), jd, id)
		require.NoError(t, err)
		assert.InDelta(t, want.Overall, sc.Overall, 1e-9, id)
	}

	// one read for LoadJD plus one for the plain Match; the fan-out adds none
	assert.Equal(t, 2, store.jdReads)
}

func TestBestMatchAverage_TieBreaksOnLexicographicPhrase(t *testing.T) {
	t.Parallel()
	u := basisVector(0)
	// two CV columns with identical vectors but different phrases
	got, present := bestMatchAverage(
		[][]float32{u},
		[][]float32{basisVector(0), basisVector(0)},
		[]string{"go"},
		[]string{"zsh", "ansible"},
	)
	assert.True(t, present)
	assert.InDelta(t, 100.0, got, 1e-9)
}

func TestSimilarity_Clamped(t *testing.T) {
	t.Parallel()
	u := make([]float32, domain.VectorDim)
	u[0] = 1.0001
	assert.InDelta(t, 1.0, similarity(u, u), 1e-9)
	assert.False(t, math.IsNaN(similarity(zeroVector(), zeroVector())))
}

func TestLoadCategoryTable_MergesOverride(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := dir + "/categories.yaml"
	require.NoError(t, writeFile(path, "incompatible:\n  - [software engineering, retail]\n"))

	table, err := LoadCategoryTable(path)
	require.NoError(t, err)
	assert.True(t, table.Incompatible("software engineering", "retail"))
	// builtin pairs survive the merge
	assert.True(t, table.Incompatible("software engineering", "logistics"))
}

func TestLoadCategoryTable_RejectsMalformedPairs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := dir + "/categories.yaml"
	require.NoError(t, writeFile(path, "incompatible:\n  - [only-one]\n"))

	_, err := LoadCategoryTable(path)
	assert.ErrorIs(t, err, domain.ErrConfig)
}
