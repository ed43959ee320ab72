package usage

import (
	"github.com/tidwall/gjson"
)

// fieldProbe lists the JSON paths tried in order for one record field. The
// first path that exists in the payload wins, even when its value is zero:
// a backend that reports zero is making a claim, a backend that omits the
// field is not.
type fieldProbe []string

// shape is the per-backend probe table. Paths are relative to the raw
// usage payload the adapter captured.
type shape struct {
	input      fieldProbe
	output     fieldProbe
	cacheRead  fieldProbe
	cacheWrite fieldProbe
	reasoning  fieldProbe
	cost       fieldProbe
	// inputIncludesCache marks shapes whose input count already contains
	// cached tokens.
	inputIncludesCache bool
}

// shapes maps a provider name to its probe table. Unknown providers fall
// back to "openai", the most widely cloned wire shape.
var shapes = map[string]shape{
	"openai": {
		input:              fieldProbe{"prompt_tokens", "input_tokens"},
		output:             fieldProbe{"completion_tokens", "output_tokens"},
		cacheRead:          fieldProbe{"prompt_tokens_details.cached_tokens", "input_tokens_details.cached_tokens"},
		reasoning:          fieldProbe{"completion_tokens_details.reasoning_tokens", "output_tokens_details.reasoning_tokens"},
		inputIncludesCache: true,
	},
	"anthropic": {
		input:      fieldProbe{"input_tokens"},
		output:     fieldProbe{"output_tokens"},
		cacheRead:  fieldProbe{"cache_read_input_tokens"},
		cacheWrite: fieldProbe{"cache_creation_input_tokens"},
	},
	"gemini": {
		input:              fieldProbe{"promptTokenCount"},
		output:             fieldProbe{"candidatesTokenCount"},
		cacheRead:          fieldProbe{"cachedContentTokenCount"},
		reasoning:          fieldProbe{"thoughtsTokenCount"},
		inputIncludesCache: true,
	},
	"openrouter": {
		// Side-channel fields first, then the standard OpenAI shape the
		// gateway forwards from upstream. The native counts are what the
		// gateway bills against, so they win when both are present.
		input:              fieldProbe{"native_tokens_prompt", "prompt_tokens"},
		output:             fieldProbe{"native_tokens_completion", "completion_tokens"},
		cacheRead:          fieldProbe{"cache_discount_tokens", "prompt_tokens_details.cached_tokens"},
		reasoning:          fieldProbe{"native_tokens_reasoning", "completion_tokens_details.reasoning_tokens"},
		cost:               fieldProbe{"cost", "total_cost"},
		inputIncludesCache: true,
	},
}

// Normalize converts a raw backend usage payload into a canonical Record.
// Unset fields are zero. Cost is taken from the payload when the backend
// reports one (gateways bill directly and know the real price), otherwise
// computed from the price table; free models always cost zero.
func Normalize(provider, model string, raw []byte, prices *PriceTable) Record {
	s, ok := shapes[provider]
	if !ok {
		s = shapes["openai"]
	}

	payload := string(raw)
	rec := Record{Model: model}
	rec.InputTokens = probeInt(payload, s.input)
	rec.OutputTokens = probeInt(payload, s.output)
	rec.CacheReadTokens = probeInt(payload, s.cacheRead)
	rec.CacheWriteTokens = probeInt(payload, s.cacheWrite)
	rec.ReasoningTokens = probeInt(payload, s.reasoning)

	if s.inputIncludesCache && rec.CacheReadTokens > 0 {
		rec.InputTokens -= rec.CacheReadTokens
		if rec.InputTokens < 0 {
			rec.InputTokens = 0
		}
	}

	if cost, found := probeFloat(payload, s.cost); found {
		rec.CostUSD = cost
		rec.CostAuthoritative = true
		return rec
	}

	if prices != nil {
		rec.CostUSD = prices.Cost(model, rec)
	}
	return rec
}

func probeInt(payload string, probe fieldProbe) int64 {
	for _, path := range probe {
		if res := gjson.Get(payload, path); res.Exists() {
			return res.Int()
		}
	}
	return 0
}

func probeFloat(payload string, probe fieldProbe) (float64, bool) {
	for _, path := range probe {
		if res := gjson.Get(payload, path); res.Exists() {
			return res.Float(), true
		}
	}
	return 0, false
}
