package tokencount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	n, err := c.CountTokens("Hello, world!", "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Less(t, n, 6)

	// identical text under a cached encoding counts identically
	again, err := c.CountTokens("Hello, world!", "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, n, again)

	empty, err := c.CountTokens("", "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, 0, empty)
}

func TestCountTokens_LongText(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	text := strings.Repeat("Shipped and operated Go services in production. ", 200)
	n, err := c.CountTokens(text, "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, n, 1000)
}

func TestCountChatTokens(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	n, err := c.CountChatTokens("You extract structured fields.", "Extract skills from this CV.", "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, n, 10)
	assert.Less(t, n, 40)

	// framing overhead survives empty prompts
	overhead, err := c.CountChatTokens("", "", "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, overhead, 0)
}

func TestNormalizeModel(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		in, want string
	}{
		{"gpt-4", "gpt-4"},
		{"gpt-4o-mini", "gpt-4"},
		{"gpt-3.5-turbo", "gpt-3.5-turbo"},
		{"meta-llama/llama-3.1-8b-instruct:free", "gpt-4"},
		{"mistralai/mistral-7b-instruct", "gpt-4"},
		{"unknown-model", "gpt-4"},
	} {
		assert.Equal(t, tt.want, normalizeModel(tt.in), tt.in)
	}
}

func TestDefaultHelpers(t *testing.T) {
	t.Parallel()

	n, err := CountTokensDefault("Hello, world!", "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	chat, err := CountChatTokensDefault("system", "user", "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, chat, 0)
}
