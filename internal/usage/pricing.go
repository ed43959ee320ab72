package usage

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelPrice holds per-million-token rates in USD. CacheRead and CacheWrite
// default to the conventional discounts off the input rate when left zero.
type ModelPrice struct {
	InputPerM      float64 `yaml:"input"`
	OutputPerM     float64 `yaml:"output"`
	CacheReadPerM  float64 `yaml:"cache_read"`
	CacheWritePerM float64 `yaml:"cache_write"`
	Free           bool    `yaml:"free"`
}

const (
	defaultCacheReadDiscount = 0.1
	defaultCacheWriteMarkup  = 1.25
)

// PriceTable maps model identifiers to rates. Lookups try the exact ID
// first, then the longest registered prefix, so dated snapshots like
// "gpt-5.2-2026-07-11" inherit the base model's price.
type PriceTable struct {
	prices map[string]ModelPrice
}

// builtinPrices covers the commonly routed models. A YAML overlay can
// extend or override any entry.
var builtinPrices = map[string]ModelPrice{
	"claude-opus-4":         {InputPerM: 15, OutputPerM: 75},
	"claude-sonnet-4":       {InputPerM: 3, OutputPerM: 15},
	"claude-haiku-4":        {InputPerM: 1, OutputPerM: 5},
	"gpt-5":                 {InputPerM: 1.25, OutputPerM: 10},
	"gpt-5-mini":            {InputPerM: 0.25, OutputPerM: 2},
	"gpt-4.1":               {InputPerM: 2, OutputPerM: 8},
	"o3":                    {InputPerM: 2, OutputPerM: 8},
	"gemini-2.5-pro":        {InputPerM: 1.25, OutputPerM: 10},
	"gemini-2.5-flash":      {InputPerM: 0.3, OutputPerM: 2.5},
	"gemini-2.5-flash-lite": {InputPerM: 0.1, OutputPerM: 0.4},
}

// NewPriceTable returns the builtin table.
func NewPriceTable() *PriceTable {
	prices := make(map[string]ModelPrice, len(builtinPrices))
	for k, v := range builtinPrices {
		prices[k] = v
	}
	return &PriceTable{prices: prices}
}

// LoadPriceTable merges a YAML overlay file over the builtin table. A
// missing file is not an error; a malformed one is.
func LoadPriceTable(path string) (*PriceTable, error) {
	table := NewPriceTable()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return nil, fmt.Errorf("reading price table: %w", err)
	}
	var overlay map[string]ModelPrice
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parsing price table %s: %w", path, err)
	}
	for model, price := range overlay {
		table.prices[model] = price
	}
	return table, nil
}

// Lookup finds the price for a model, falling back to the longest prefix
// match. Free-suffixed models (":free") are always free.
func (t *PriceTable) Lookup(model string) (ModelPrice, bool) {
	if strings.HasSuffix(model, ":free") {
		return ModelPrice{Free: true}, true
	}
	// Gateway-qualified IDs like "anthropic/claude-sonnet-4" match on the
	// bare model name.
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	if price, ok := t.prices[model]; ok {
		return price, true
	}
	var bestKey string
	for key := range t.prices {
		if strings.HasPrefix(model, key) && len(key) > len(bestKey) {
			bestKey = key
		}
	}
	if bestKey != "" {
		return t.prices[bestKey], true
	}
	return ModelPrice{}, false
}

// Cost prices a record against the table. Unknown models cost zero rather
// than guessing.
func (t *PriceTable) Cost(model string, rec Record) float64 {
	price, ok := t.Lookup(model)
	if !ok || price.Free {
		return 0
	}
	cacheRead := price.CacheReadPerM
	if cacheRead == 0 {
		cacheRead = price.InputPerM * defaultCacheReadDiscount
	}
	cacheWrite := price.CacheWritePerM
	if cacheWrite == 0 {
		cacheWrite = price.InputPerM * defaultCacheWriteMarkup
	}
	const m = 1_000_000
	return float64(rec.InputTokens)/m*price.InputPerM +
		float64(rec.OutputTokens)/m*price.OutputPerM +
		float64(rec.CacheReadTokens)/m*cacheRead +
		float64(rec.CacheWriteTokens)/m*cacheWrite
}
