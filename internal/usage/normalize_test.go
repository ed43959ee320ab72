package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_OpenAIShape(t *testing.T) {
	raw := []byte(`{
		"prompt_tokens": 120,
		"completion_tokens": 45,
		"prompt_tokens_details": {"cached_tokens": 100},
		"completion_tokens_details": {"reasoning_tokens": 12}
	}`)

	rec := Normalize("openai", "gpt-5", raw, nil)
	// Cached tokens are inside prompt_tokens for this shape and must be
	// subtracted out.
	assert.Equal(t, int64(20), rec.InputTokens)
	assert.Equal(t, int64(45), rec.OutputTokens)
	assert.Equal(t, int64(100), rec.CacheReadTokens)
	assert.Equal(t, int64(12), rec.ReasoningTokens)
	assert.False(t, rec.CostAuthoritative)
}

func TestNormalize_AnthropicShape(t *testing.T) {
	raw := []byte(`{
		"input_tokens": 50,
		"output_tokens": 200,
		"cache_read_input_tokens": 3000,
		"cache_creation_input_tokens": 400
	}`)

	rec := Normalize("anthropic", "claude-sonnet-4", raw, nil)
	// Anthropic reports input exclusive of cache; no subtraction.
	assert.Equal(t, int64(50), rec.InputTokens)
	assert.Equal(t, int64(3000), rec.CacheReadTokens)
	assert.Equal(t, int64(400), rec.CacheWriteTokens)
}

func TestNormalize_GeminiShape(t *testing.T) {
	raw := []byte(`{
		"promptTokenCount": 500,
		"candidatesTokenCount": 80,
		"cachedContentTokenCount": 450,
		"thoughtsTokenCount": 64
	}`)

	rec := Normalize("gemini", "gemini-2.5-pro", raw, nil)
	assert.Equal(t, int64(50), rec.InputTokens)
	assert.Equal(t, int64(450), rec.CacheReadTokens)
	assert.Equal(t, int64(64), rec.ReasoningTokens)
}

func TestNormalize_PresentZeroWins(t *testing.T) {
	// prompt_tokens exists and is zero; the probe must stop there and not
	// fall through to input_tokens.
	raw := []byte(`{"prompt_tokens": 0, "input_tokens": 999, "completion_tokens": 1}`)

	rec := Normalize("openai", "gpt-5", raw, nil)
	assert.Equal(t, int64(0), rec.InputTokens)
}

func TestNormalize_ProbeFallThrough(t *testing.T) {
	// prompt_tokens absent entirely; the second path applies.
	raw := []byte(`{"input_tokens": 77, "output_tokens": 3}`)

	rec := Normalize("openai", "gpt-5", raw, nil)
	assert.Equal(t, int64(77), rec.InputTokens)
	assert.Equal(t, int64(3), rec.OutputTokens)
}

func TestNormalize_SideChannelBeatsStandardShape(t *testing.T) {
	// When the gateway reports both its native counts and the forwarded
	// OpenAI shape, the native side-channel values win.
	raw := []byte(`{
		"prompt_tokens": 100,
		"completion_tokens": 50,
		"native_tokens_prompt": 130,
		"native_tokens_completion": 64
	}`)

	rec := Normalize("openrouter", "anthropic/claude-sonnet-4", raw, nil)
	assert.Equal(t, int64(130), rec.InputTokens)
	assert.Equal(t, int64(64), rec.OutputTokens)
}

func TestNormalize_GatewayCostAuthoritative(t *testing.T) {
	raw := []byte(`{"prompt_tokens": 1000000, "completion_tokens": 0, "cost": 0.0042}`)
	prices := NewPriceTable()

	rec := Normalize("openrouter", "anthropic/claude-sonnet-4", raw, prices)
	assert.True(t, rec.CostAuthoritative)
	// The gateway's own figure wins over the table estimate.
	assert.Equal(t, 0.0042, rec.CostUSD)
}

func TestNormalize_ComputedCost(t *testing.T) {
	raw := []byte(`{"input_tokens": 1000000, "output_tokens": 1000000}`)
	prices := NewPriceTable()

	rec := Normalize("anthropic", "claude-sonnet-4", raw, prices)
	assert.False(t, rec.CostAuthoritative)
	assert.InDelta(t, 3+15, rec.CostUSD, 1e-9)
}

func TestNormalize_UnknownProviderUsesOpenAIShape(t *testing.T) {
	raw := []byte(`{"prompt_tokens": 9, "completion_tokens": 4}`)
	rec := Normalize("some-gateway", "whatever", raw, nil)
	assert.Equal(t, int64(9), rec.InputTokens)
	assert.Equal(t, int64(4), rec.OutputTokens)
}

func TestRecord_Add(t *testing.T) {
	a := Record{Model: "m", InputTokens: 10, OutputTokens: 5, CostUSD: 0.1, CostAuthoritative: true}
	b := Record{InputTokens: 20, OutputTokens: 2, CostUSD: 0.2, CostAuthoritative: false}

	a.Add(b)
	require.Equal(t, int64(30), a.InputTokens)
	require.Equal(t, int64(7), a.OutputTokens)
	assert.InDelta(t, 0.3, a.CostUSD, 1e-9)
	// A sum that includes an estimated component is itself an estimate.
	assert.False(t, a.CostAuthoritative)
}
