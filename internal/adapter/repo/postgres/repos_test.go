package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

func TestDocumentRepo_CreateGeneratesID(t *testing.T) {
	t.Parallel()
	p := &poolStub{}
	r := postgres.NewDocumentRepo(p)

	id, err := r.Create(context.Background(), domain.Document{Kind: domain.KindCV, Text: "body"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Contains(t, p.lastSQL, "INSERT INTO documents")
	assert.Equal(t, id, p.lastArgs[0])
}

func TestDocumentRepo_GetNotFound(t *testing.T) {
	t.Parallel()
	p := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	r := postgres.NewDocumentRepo(p)

	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDocumentRepo_FindByContentHashOrdersOldestFirst(t *testing.T) {
	t.Parallel()
	p := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	r := postgres.NewDocumentRepo(p)

	_, err := r.FindByContentHash(context.Background(), domain.KindCV, "abc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, p.lastSQL, "ORDER BY created_at ASC")
	assert.Equal(t, []any{domain.KindCV, "abc"}, p.lastArgs)
}

func TestJobRepo_CreateAndStatusGuard(t *testing.T) {
	t.Parallel()
	p := &poolStub{}
	r := postgres.NewJobRepo(p)

	id, err := r.Create(context.Background(), domain.Job{
		Kind:     domain.JobIngestCV,
		Status:   domain.JobQueued,
		Priority: domain.PriorityNormal,
		Payload:  []byte(`{}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// terminal states must be sticky
	require.NoError(t, r.UpdateStatus(context.Background(), id, domain.JobProcessing, nil))
	assert.Contains(t, p.lastSQL, "status NOT IN ('completed','failed','cancelled')")
}

func TestJobRepo_FindByIdemKeyScopesWindow(t *testing.T) {
	t.Parallel()
	p := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	r := postgres.NewJobRepo(p)

	_, err := r.FindByIdemKey(context.Background(), "hash", 24*time.Hour)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, p.lastSQL, "created_at > $2")
}

func TestJobRepo_CountPending(t *testing.T) {
	t.Parallel()
	p := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = 42
		return nil
	}}}
	r := postgres.NewJobRepo(p)

	n, err := r.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.Contains(t, p.lastSQL, "'queued','processing'")
}

func TestApplicationRepo_CreateDefaultsStatus(t *testing.T) {
	t.Parallel()
	p := &poolStub{}
	r := postgres.NewApplicationRepo(p)

	_, err := r.Create(context.Background(), domain.Application{
		PostingID: "p1", CVID: "c1", EmailID: "<m1@mail>",
	})
	require.NoError(t, err)
	assert.Contains(t, p.lastArgs, domain.ApplicationSubmitted)
}

func TestPostingRepo_GetNotFound(t *testing.T) {
	t.Parallel()
	p := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	r := postgres.NewPostingRepo(p)

	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
