package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// maxToolCallIDLen is the longest call ID passed through unchanged. Longer
// IDs are replaced with a stable digest form so downstream stores with
// fixed-width columns never truncate them inconsistently.
const maxToolCallIDLen = 64

// NormalizeToolCallID shortens oversized call IDs deterministically. The
// same input always maps to the same output, so both sides of a
// call/result pair stay linked.
func NormalizeToolCallID(id string) string {
	if len(id) <= maxToolCallIDLen {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return id[:48] + "-" + hex.EncodeToString(sum[:])[:12]
}

// toolCallState tracks one in-flight tool call keyed by its stream index.
type toolCallState struct {
	index     int
	id        string
	name      string
	args      strings.Builder
	announced bool // ToolCallStart emitted
	finished  bool
}

// toolCallTracker reconstructs complete tool calls from fragmented deltas.
//
// Backends disagree on where call identity arrives: some put id and name on
// the first fragment, some repeat them on every fragment, and some send
// several anonymous argument fragments before identity shows up at all.
// The tracker keys state purely on the positional index, treats the first
// non-empty id and name it sees as authoritative, and resolves identity on
// every outgoing fragment so consumers never observe an anonymous delta
// followed by a late rename.
type toolCallTracker struct {
	provider  string
	calls     map[int]*toolCallState
	order     []int
	finalized bool
}

func newToolCallTracker(provider string) *toolCallTracker {
	return &toolCallTracker{provider: provider, calls: make(map[int]*toolCallState)}
}

// Add ingests one fragment and returns the resolved-identity chunks to emit:
// a ChunkToolCallStart the first time the call at this index gains a name,
// then a ChunkToolCallDelta for the argument fragment if non-empty.
func (t *toolCallTracker) Add(index int, id, name, argsFragment string) []Chunk {
	state, ok := t.calls[index]
	if !ok {
		state = &toolCallState{index: index}
		t.calls[index] = state
		t.order = append(t.order, index)
	}

	// First non-empty identity wins and back-fills every later fragment.
	if id != "" && state.id == "" {
		state.id = NormalizeToolCallID(id)
	}
	if name != "" && state.name == "" {
		state.name = name
	}
	state.args.WriteString(argsFragment)

	var out []Chunk
	if !state.announced && state.name != "" {
		state.announced = true
		out = append(out, Chunk{
			Type:     ChunkToolCallStart,
			Index:    index,
			CallID:   state.id,
			CallName: state.name,
		})
	}
	if argsFragment != "" {
		out = append(out, Chunk{
			Type:         ChunkToolCallDelta,
			Index:        index,
			CallID:       state.id,
			CallName:     state.name,
			ArgsFragment: argsFragment,
		})
	}
	return out
}

// Finalize closes every fragment-bearing call in index order, emitting one
// ChunkToolCallEnd plus the assembled ChunkToolCall for each. A call with a
// missing name or malformed arguments yields an in-band ChunkError for its
// index and is skipped; the remaining calls still finalize. It is safe to
// call more than once; repeat calls return nothing. Callers must only
// finalize on a tool_calls finish reason, never on cancellation.
func (t *toolCallTracker) Finalize() []Chunk {
	if t.finalized {
		return nil
	}
	t.finalized = true

	indexes := append([]int(nil), t.order...)
	sort.Ints(indexes)

	var out []Chunk
	for _, idx := range indexes {
		state := t.calls[idx]
		if state.finished {
			continue
		}
		state.finished = true

		if state.id == "" {
			state.id = syntheticCallID(t.provider, idx, state.name)
		}
		if state.name == "" {
			out = append(out, Chunk{Type: ChunkError, Index: idx, Err: &ProtocolError{
				Provider: t.provider,
				Message:  fmt.Sprintf("tool call at index %d ended without a name", idx),
			}})
			continue
		}

		args := state.args.String()
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			out = append(out, Chunk{Type: ChunkError, Index: idx, Err: &ProtocolError{
				Provider: t.provider,
				Message:  fmt.Sprintf("tool call %s has malformed arguments", state.name),
				Raw:      args,
			}})
			continue
		}

		out = append(out,
			Chunk{Type: ChunkToolCallEnd, Index: idx, CallID: state.id, CallName: state.name},
			Chunk{Type: ChunkToolCall, Index: idx, Tool: &ToolCall{
				ID:        state.id,
				Name:      state.name,
				Arguments: json.RawMessage(args),
			}},
		)
	}
	return out
}

// syntheticCallID derives a stable fallback ID for backends that never sent
// one. Hashing on name and index keeps replays consistent.
func syntheticCallID(provider string, index int, name string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%s", provider, index, name)))
	return "call_" + hex.EncodeToString(sum[:])[:24]
}

// ensureToolCallIDs fills in missing IDs on assembled calls before a
// message goes into history. Some backends omit IDs entirely on non-stream
// paths.
func ensureToolCallIDs(provider string, calls []*ToolCall) {
	for i, call := range calls {
		if call.ID == "" {
			call.ID = syntheticCallID(provider, i, call.Name)
		} else {
			call.ID = NormalizeToolCallID(call.ID)
		}
	}
}

// dedupeToolCalls drops repeated calls with identical ID, keeping the first.
// A handful of gateways re-send the full call list on the final event.
func dedupeToolCalls(calls []*ToolCall) []*ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]bool, len(calls))
	out := calls[:0]
	for _, call := range calls {
		if call.ID != "" && seen[call.ID] {
			continue
		}
		seen[call.ID] = true
		out = append(out, call)
	}
	return out
}
