// Package tokencount sizes prompts before they leave the process, using
// tiktoken encodings so the extraction windows stay inside the model's
// context budget.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter caches tiktoken encodings per model. Safe for concurrent use.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// DefaultCounter backs the package-level helpers.
var DefaultCounter = NewCounter()

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	name := normalizeModel(model)

	c.mu.RLock()
	enc, ok := c.encodings[name]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[name]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		// cl100k_base approximates every chat model we route to
		slog.Debug("unknown model encoding, using cl100k_base",
			slog.String("model", model))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodings[name] = enc
	return enc, nil
}

// normalizeModel maps a routed model id to a tiktoken model name. Gateway
// ids carry a vendor prefix ("vendor/model:variant"); non-GPT families
// tokenize close enough to GPT-4 for budgeting purposes.
func normalizeModel(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.Index(model, ":"); i >= 0 {
		model = model[:i]
	}
	switch {
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// CountTokens returns the token count of text under the model's encoding.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountChatTokens sizes a two-message chat request, including the
// per-message framing overhead of OpenAI-compatible APIs.
func (c *Counter) CountChatTokens(systemPrompt, userPrompt, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}

	// 3 framing tokens plus 1 role token per message, and 3 tokens
	// priming the assistant reply
	n := 3
	for _, m := range []struct{ role, content string }{
		{"system", systemPrompt},
		{"user", userPrompt},
	} {
		n += 4
		n += len(enc.Encode(m.role, nil, nil))
		n += len(enc.Encode(m.content, nil, nil))
	}
	return n, nil
}

// CountTokensDefault counts with the shared counter.
func CountTokensDefault(text, model string) (int, error) {
	return DefaultCounter.CountTokens(text, model)
}

// CountChatTokensDefault sizes a chat request with the shared counter.
func CountChatTokensDefault(systemPrompt, userPrompt, model string) (int, error) {
	return DefaultCounter.CountChatTokens(systemPrompt, userPrompt, model)
}
