package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/config"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// EmbedBatchSize caps the phrases sent in one embeddings request.
const EmbedBatchSize = 64

// EmbedderClient calls the embeddings endpoint in batches of at most 64
// inputs, enforcing the 768-dim contract on every returned vector.
type EmbedderClient struct {
	cfg config.Config
	hc  *http.Client
}

// NewEmbedder constructs the embeddings client.
func NewEmbedder(cfg config.Config) *EmbedderClient {
	return &EmbedderClient{cfg: cfg, hc: &http.Client{Timeout: 30 * time.Second}}
}

// ModelID returns the configured embedding model tag.
func (c *EmbedderClient) ModelID() string { return c.cfg.EmbeddingsModel }

// Embed returns one vector per input text, in input order.
func (c *EmbedderClient) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if c.cfg.EmbeddingsAPIKey == "" {
		return nil, fmt.Errorf("%w: EMBEDDINGS_API_KEY missing", domain.ErrConfig)
	}
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += EmbedBatchSize {
		end := start + EmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *EmbedderClient) embedBatch(ctx domain.Context, batch []string) ([][]float32, error) {
	body := map[string]any{
		"model":      c.cfg.EmbeddingsModel,
		"input":      batch,
		"dimensions": domain.VectorDim,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=embed.marshal: %w", err)
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	op := func() error {
		start := time.Now()
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EmbeddingsBaseURL+"/embeddings", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.EmbeddingsAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.AIRequestsTotal.WithLabelValues("embedder", "embed").Inc()
		observability.AIRequestDuration.WithLabelValues("embedder", "embed").Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrEmbedderUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()
		return decodeOrClassify(resp, &out, "embed", domain.ErrEmbedderUnavailable, domain.ErrEmbedderUnavailable)
	}
	if err := retry(ctx, c.cfg, op); err != nil {
		return nil, fmt.Errorf("op=embed.batch: %w", err)
	}
	if len(out.Data) != len(batch) {
		return nil, fmt.Errorf("%w: %d vectors for %d inputs", domain.ErrEmbedderUnavailable, len(out.Data), len(batch))
	}

	vecs := make([][]float32, len(batch))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return nil, fmt.Errorf("%w: index %d out of range", domain.ErrEmbedderUnavailable, d.Index)
		}
		if len(d.Embedding) != domain.VectorDim {
			return nil, fmt.Errorf("%w: got %d dims, want %d", domain.ErrDimMismatch, len(d.Embedding), domain.VectorDim)
		}
		v := make([]float32, domain.VectorDim)
		for i, x := range d.Embedding {
			v[i] = float32(x)
		}
		vecs[d.Index] = v
	}
	return vecs, nil
}

var _ domain.EmbedderClient = (*EmbedderClient)(nil)
