package qdrant

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Collection names. The three record types exist per document kind.
const (
	CollectionDocuments  = "documents"
	CollectionStructured = "structured"
	CollectionEmbeddings = "embeddings"
)

// Collections returns all six logical collection names.
func Collections() []string {
	out := make([]string, 0, 6)
	for _, kind := range []domain.DocumentKind{domain.KindCV, domain.KindJD} {
		for _, suffix := range []string{CollectionDocuments, CollectionStructured, CollectionEmbeddings} {
			out = append(out, collectionName(kind, suffix))
		}
	}
	return out
}

func collectionName(kind domain.DocumentKind, suffix string) string {
	return string(kind) + "_" + suffix
}

// Locker serializes writes per document id; the Postgres advisory lock
// implementation backs it in production.
type Locker interface {
	WithLock(ctx domain.Context, id string, fn func(domain.Context) error) error
}

// NopLocker performs no locking, for tests and single-writer tools.
type NopLocker struct{}

// WithLock runs fn directly.
func (NopLocker) WithLock(ctx domain.Context, _ string, fn func(domain.Context) error) error {
	return fn(ctx)
}

// Store implements domain.VectorStore on top of the HTTP client. Every
// record is one point whose payload holds the full record under "record";
// writes for the same document id are serialized by the Locker.
type Store struct {
	client *Client
	locker Locker
}

// NewStore wires the store. A nil locker disables write serialization.
func NewStore(client *Client, locker Locker) *Store {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Store{client: client, locker: locker}
}

func (s *Store) put(ctx domain.Context, kind domain.DocumentKind, suffix, id string, record any) error {
	tr := otel.Tracer("vector.qdrant")
	ctx, span := tr.Start(ctx, "qdrant.Put")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.collection", collectionName(kind, suffix)),
	)
	if !kind.Valid() {
		return fmt.Errorf("%w: kind %q", domain.ErrInvalidArgument, kind)
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("op=qdrant.put: %w", err)
	}
	return s.locker.WithLock(ctx, id, func(ctx domain.Context) error {
		return s.client.UpsertPoint(ctx, collectionName(kind, suffix), id, map[string]any{
			"record": json.RawMessage(raw),
		})
	})
}

func (s *Store) get(ctx domain.Context, kind domain.DocumentKind, suffix, id string, out any) error {
	tr := otel.Tracer("vector.qdrant")
	ctx, span := tr.Start(ctx, "qdrant.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.collection", collectionName(kind, suffix)),
	)
	if !kind.Valid() {
		return fmt.Errorf("%w: kind %q", domain.ErrInvalidArgument, kind)
	}
	payload, err := s.client.RetrievePayload(ctx, collectionName(kind, suffix), id)
	if err != nil {
		return err
	}
	var wrapper struct {
		Record json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return fmt.Errorf("op=qdrant.get: %w", err)
	}
	if err := json.Unmarshal(wrapper.Record, out); err != nil {
		return fmt.Errorf("op=qdrant.get: %w", err)
	}
	return nil
}

func (s *Store) PutDocument(ctx domain.Context, kind domain.DocumentKind, id string, d domain.Document) error {
	return s.put(ctx, kind, CollectionDocuments, id, d)
}

func (s *Store) PutStructured(ctx domain.Context, kind domain.DocumentKind, id string, st domain.Structured) error {
	return s.put(ctx, kind, CollectionStructured, id, st)
}

func (s *Store) PutEmbeddings(ctx domain.Context, kind domain.DocumentKind, id string, e domain.Embeddings) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.put(ctx, kind, CollectionEmbeddings, id, e)
}

func (s *Store) GetDocument(ctx domain.Context, kind domain.DocumentKind, id string) (domain.Document, error) {
	var d domain.Document
	if err := s.get(ctx, kind, CollectionDocuments, id, &d); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

func (s *Store) GetStructured(ctx domain.Context, kind domain.DocumentKind, id string) (domain.Structured, error) {
	var st domain.Structured
	if err := s.get(ctx, kind, CollectionStructured, id, &st); err != nil {
		return domain.Structured{}, err
	}
	return st, nil
}

func (s *Store) GetEmbeddings(ctx domain.Context, kind domain.DocumentKind, id string) (domain.Embeddings, error) {
	var e domain.Embeddings
	if err := s.get(ctx, kind, CollectionEmbeddings, id, &e); err != nil {
		return domain.Embeddings{}, err
	}
	return e, nil
}

// DeleteDoc removes the three mirrors in a fixed order (embeddings first,
// document metadata last) so a partial failure never leaves embeddings
// reachable through metadata. Each step is idempotent.
func (s *Store) DeleteDoc(ctx domain.Context, kind domain.DocumentKind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: kind %q", domain.ErrInvalidArgument, kind)
	}
	for _, suffix := range []string{CollectionEmbeddings, CollectionStructured, CollectionDocuments} {
		if err := s.client.DeletePoint(ctx, collectionName(kind, suffix), id); err != nil {
			return fmt.Errorf("op=qdrant.delete_doc collection=%s: %w", collectionName(kind, suffix), err)
		}
	}
	return nil
}

var _ domain.VectorStore = (*Store)(nil)
