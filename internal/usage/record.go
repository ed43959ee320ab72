// Package usage normalizes backend token accounting into a single record
// shape and prices it.
package usage

// Record is the canonical per-response usage accounting.
//
// InputTokens always counts non-cached input only. Backends that report a
// cache-inclusive total have the cached portion subtracted during
// normalization, so summing InputTokens, CacheReadTokens, and
// CacheWriteTokens never double-counts.
type Record struct {
	Model             string  `json:"model"`
	InputTokens       int64   `json:"input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	CacheReadTokens   int64   `json:"cache_read_tokens"`
	CacheWriteTokens  int64   `json:"cache_write_tokens"`
	ReasoningTokens   int64   `json:"reasoning_tokens"`
	CostUSD           float64 `json:"cost_usd"`
	CostAuthoritative bool    `json:"cost_authoritative"`
}

// TotalTokens returns the all-in token count for display.
func (r Record) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens + r.CacheReadTokens + r.CacheWriteTokens
}

// Add accumulates another record into r for session totals. Costs add;
// the authoritative flag survives only if every component was authoritative.
func (r *Record) Add(other Record) {
	r.InputTokens += other.InputTokens
	r.OutputTokens += other.OutputTokens
	r.CacheReadTokens += other.CacheReadTokens
	r.CacheWriteTokens += other.CacheWriteTokens
	r.ReasoningTokens += other.ReasoningTokens
	r.CostUSD += other.CostUSD
	r.CostAuthoritative = r.CostAuthoritative && other.CostAuthoritative
}
