package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// fakeQdrant implements just enough of the points API for the store.
type fakeQdrant struct {
	mu     sync.Mutex
	points map[string]map[string]json.RawMessage // collection -> id -> payload
	order  []string                              // delete order per collection
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{points: make(map[string]map[string]json.RawMessage)}
}

func (f *fakeQdrant) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		// /collections/{name}/points[/delete]
		if len(parts) < 3 || parts[0] != "collections" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		coll := parts[1]
		switch {
		case r.Method == http.MethodPut && parts[len(parts)-1] == "points":
			var body struct {
				Points []struct {
					ID      string          `json:"id"`
					Payload json.RawMessage `json:"payload"`
				} `json:"points"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if f.points[coll] == nil {
				f.points[coll] = make(map[string]json.RawMessage)
			}
			for _, p := range body.Points {
				f.points[coll][p.ID] = p.Payload
			}
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case r.Method == http.MethodPost && parts[len(parts)-1] == "delete":
			var body struct {
				Points []string `json:"points"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			for _, id := range body.Points {
				delete(f.points[coll], id)
			}
			f.order = append(f.order, coll)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case r.Method == http.MethodPost && parts[len(parts)-1] == "points":
			var body struct {
				IDs []string `json:"ids"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			type pt struct {
				Payload json.RawMessage `json:"payload"`
			}
			var result []pt
			for _, id := range body.IDs {
				if p, ok := f.points[coll][id]; ok {
					result = append(result, pt{Payload: p})
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestStore(t *testing.T) (*Store, *fakeQdrant) {
	t.Helper()
	f := newFakeQdrant()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewStore(New(srv.URL, ""), nil), f
}

func unitBundle(id string) domain.Embeddings {
	e := domain.Embeddings{DocumentID: id, ModelID: "m1"}
	mk := func(axis int) []float32 {
		v := make([]float32, domain.VectorDim)
		v[axis] = 1
		return v
	}
	for i := 0; i < domain.SkillCount; i++ {
		e.SkillVectors = append(e.SkillVectors, mk(i))
	}
	for i := 0; i < domain.RespCount; i++ {
		e.RespVectors = append(e.RespVectors, mk(i+20))
	}
	e.TitleVector = mk(30)
	e.ExperienceVector = mk(31)
	return e
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	st := domain.Structured{DocumentID: "id-1", JobTitle: "Engineer", Skills: []string{"Go"}}
	st.Normalize()
	require.NoError(t, s.PutStructured(ctx, domain.KindCV, "id-1", st))
	got, err := s.GetStructured(ctx, domain.KindCV, "id-1")
	require.NoError(t, err)
	assert.Equal(t, st, got)

	e := unitBundle("id-1")
	require.NoError(t, s.PutEmbeddings(ctx, domain.KindCV, "id-1", e))
	gotE, err := s.GetEmbeddings(ctx, domain.KindCV, "id-1")
	require.NoError(t, err)
	assert.Equal(t, e, gotE)
}

func TestStorePutIsUpsert(t *testing.T) {
	t.Parallel()
	s, f := newTestStore(t)
	ctx := context.Background()

	d := domain.Document{ID: "id-1", Kind: domain.KindJD, Text: "v1"}
	require.NoError(t, s.PutDocument(ctx, domain.KindJD, "id-1", d))
	d.Text = "v2"
	require.NoError(t, s.PutDocument(ctx, domain.KindJD, "id-1", d))

	assert.Len(t, f.points["jd_documents"], 1)
	got, err := s.GetDocument(ctx, domain.KindJD, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Text)
}

func TestStoreGetMissingIsNotFound(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	_, err := s.GetEmbeddings(context.Background(), domain.KindCV, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStorePutEmbeddingsValidatesShape(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	bad := unitBundle("id-1")
	bad.SkillVectors = bad.SkillVectors[:3]
	err := s.PutEmbeddings(context.Background(), domain.KindCV, "id-1", bad)
	assert.ErrorIs(t, err, domain.ErrDimMismatch)
}

func TestDeleteDocFixedOrderAndRetrySafe(t *testing.T) {
	t.Parallel()
	s, f := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDocument(ctx, domain.KindCV, "id-1", domain.Document{ID: "id-1"}))
	st := domain.Structured{}
	st.Normalize()
	require.NoError(t, s.PutStructured(ctx, domain.KindCV, "id-1", st))
	require.NoError(t, s.PutEmbeddings(ctx, domain.KindCV, "id-1", unitBundle("id-1")))

	require.NoError(t, s.DeleteDoc(ctx, domain.KindCV, "id-1"))
	assert.Equal(t, []string{"cv_embeddings", "cv_structured", "cv_documents"}, f.order)

	_, err := s.GetDocument(ctx, domain.KindCV, "id-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// deleting again succeeds
	require.NoError(t, s.DeleteDoc(ctx, domain.KindCV, "id-1"))
}
