// Package openai implements the LLM and embedder ports against
// OpenAI-compatible HTTP APIs.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/config"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// LLMClient calls the chat completions endpoint with determinism pinned
// down: temperature 0, top_p 1, a fixed seed, and a strict JSON schema the
// reply must satisfy.
type LLMClient struct {
	cfg config.Config
	hc  *http.Client
}

// NewLLM constructs the chat client.
func NewLLM(cfg config.Config) *LLMClient {
	return &LLMClient{cfg: cfg, hc: &http.Client{Timeout: 60 * time.Second}}
}

// ModelID returns the configured chat model tag.
func (c *LLMClient) ModelID() string { return c.cfg.LLMModel }

// Complete performs one deterministic completion and returns the raw JSON
// content of the first choice.
func (c *LLMClient) Complete(ctx domain.Context, prompt, schemaName, schema string, maxTokens int) (string, error) {
	if c.cfg.LLMAPIKey == "" {
		return "", fmt.Errorf("%w: LLM_API_KEY missing", domain.ErrConfig)
	}
	if maxTokens <= 0 {
		maxTokens = c.cfg.LLMMaxTokens
	}
	body := map[string]any{
		"model":       c.cfg.LLMModel,
		"temperature": 0,
		"top_p":       1,
		"seed":        c.cfg.LLMSeed,
		"max_tokens":  maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   schemaName,
				"strict": true,
				"schema": json.RawMessage(schema),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("op=llm.marshal: %w", err)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	op := func() error {
		start := time.Now()
		// recreate the request each attempt, the body reader is consumed
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.AIRequestsTotal.WithLabelValues("llm", "chat").Inc()
		observability.AIRequestDuration.WithLabelValues("llm", "chat").Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrExtractorUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()
		return decodeOrClassify(resp, &out, "chat", domain.ErrExtractorThrottled, domain.ErrExtractorUnavailable)
	}
	if err := retry(ctx, c.cfg, op); err != nil {
		return "", fmt.Errorf("op=llm.complete: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", domain.ErrSchemaInvalid)
	}
	return out.Choices[0].Message.Content, nil
}

// decodeOrClassify maps the response status to the error taxonomy and
// decodes 2xx bodies into out. Retryable statuses (429, 5xx) return plain
// errors so backoff keeps going; other 4xx are permanent.
func decodeOrClassify(resp *http.Response, out any, op string, throttled, unavailable error) error {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", unavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		slog.Warn("ai provider rate limited", slog.String("op", op),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
		return fmt.Errorf("%w: status 429", throttled)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		snippet := string(bodyBytes)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		slog.Warn("ai provider 4xx", slog.String("op", op),
			slog.Int("status", resp.StatusCode), slog.String("body", snippet))
		return backoff.Permanent(fmt.Errorf("%s status %d", op, resp.StatusCode))
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", unavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d", unavailable, resp.StatusCode)
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err))
	}
	return nil
}

func retry(ctx domain.Context, cfg config.Config, op backoff.Operation) error {
	expo := backoff.NewExponentialBackOff()
	maxElapsed, initial, maxIv, mult := cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxIv
	expo.Multiplier = mult
	return backoff.Retry(op, backoff.WithContext(expo, ctx))
}

var _ domain.LLM = (*LLMClient)(nil)
