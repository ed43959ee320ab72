package usage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceTable_ExactAndPrefix(t *testing.T) {
	table := NewPriceTable()

	price, ok := table.Lookup("claude-sonnet-4")
	require.True(t, ok)
	assert.Equal(t, 3.0, price.InputPerM)

	// A dated snapshot inherits its base model's price.
	price, ok = table.Lookup("claude-sonnet-4-20260215")
	require.True(t, ok)
	assert.Equal(t, 3.0, price.InputPerM)

	_, ok = table.Lookup("totally-unknown-model")
	assert.False(t, ok)
}

func TestPriceTable_GatewayQualifiedID(t *testing.T) {
	table := NewPriceTable()
	price, ok := table.Lookup("anthropic/claude-opus-4")
	require.True(t, ok)
	assert.Equal(t, 15.0, price.InputPerM)
}

func TestPriceTable_FreeSuffix(t *testing.T) {
	table := NewPriceTable()
	price, ok := table.Lookup("meta-llama/llama-4:free")
	require.True(t, ok)
	assert.True(t, price.Free)
	assert.Zero(t, table.Cost("meta-llama/llama-4:free", Record{InputTokens: 1_000_000}))
}

func TestPriceTable_CacheDefaults(t *testing.T) {
	table := NewPriceTable()
	rec := Record{CacheReadTokens: 1_000_000, CacheWriteTokens: 1_000_000}

	// claude-sonnet-4 input is $3/M: cache read defaults to a tenth,
	// cache write to 1.25x.
	cost := table.Cost("claude-sonnet-4", rec)
	assert.InDelta(t, 0.3+3.75, cost, 1e-9)
}

func TestPriceTable_UnknownModelCostsZero(t *testing.T) {
	table := NewPriceTable()
	assert.Zero(t, table.Cost("mystery-model", Record{InputTokens: 1_000_000}))
}

func TestLoadPriceTable_Overlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.yaml")
	overlay := `
claude-sonnet-4:
  input: 99
  output: 199
my-local-model:
  input: 0.5
  output: 1.5
`
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o644))

	table, err := LoadPriceTable(path)
	require.NoError(t, err)

	price, ok := table.Lookup("claude-sonnet-4")
	require.True(t, ok)
	assert.Equal(t, 99.0, price.InputPerM, "overlay must override builtin entries")

	price, ok = table.Lookup("my-local-model")
	require.True(t, ok)
	assert.Equal(t, 0.5, price.InputPerM)

	// Builtins not named in the overlay survive.
	_, ok = table.Lookup("gpt-5")
	assert.True(t, ok)
}

func TestLoadPriceTable_MissingFileOK(t *testing.T) {
	table, err := LoadPriceTable(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	_, ok := table.Lookup("claude-opus-4")
	assert.True(t, ok)
}

func TestLoadPriceTable_MalformedFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0o644))
	_, err := LoadPriceTable(path)
	assert.Error(t, err)
}
