// Package provider defines the upstream adapter contract, the adapters
// themselves, and the registry that owns them.
package provider

import "context"

// Adapter is the contract every upstream LLM backend implements. The
// generation pipeline only ever talks to an Adapter, so swapping LM Studio
// for OpenAI is a config change, not a code change.
type Adapter interface {
	// ID is the stable lowercase identifier used in requests and pins.
	ID() string

	// Name is the human-readable display name.
	Name() string

	Capabilities() Capabilities

	// ListModels returns the models the upstream currently serves.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// ChatStream opens a streaming completion. Setup failures (connection
	// refused, non-2xx status) are returned as *Error. Once the channel is
	// returned, failures arrive as an EventError and the channel is closed.
	// The channel is also closed when ctx is canceled.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)

	HealthCheck(ctx context.Context) Health
}

// ChatRequest is the provider-neutral completion request. Sampling fields
// are pointers so "not supplied" never reaches the upstream as a zero value.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Message is one turn of the conversation history.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// ModelInfo describes one model served by a provider. ContextLength is
// set only when the upstream reports it.
type ModelInfo struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	ContextLength *int   `json:"context_length,omitempty"`
}

// Capabilities advertises what a provider supports.
type Capabilities struct {
	Streaming        bool `json:"streaming"`
	Vision           bool `json:"vision"`
	Tools            bool `json:"tools"`
	JSONMode         bool `json:"json_mode"`
	MaxContextTokens *int `json:"max_context_tokens"`
}

// Health is the result of a liveness probe against the upstream.
type Health struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Usage is the token accounting reported by the upstream. Only numeric
// top-level fields are kept (prompt_tokens, completion_tokens, ...).
type Usage map[string]int

// TotalTokens returns total_tokens, or the sum of prompt and completion
// tokens when the upstream omitted the total.
func (u Usage) TotalTokens() int {
	if t, ok := u["total_tokens"]; ok {
		return t
	}
	return u["prompt_tokens"] + u["completion_tokens"]
}

// EventKind tags a StreamEvent.
type EventKind string

const (
	EventDelta EventKind = "delta"
	EventUsage EventKind = "usage"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// StreamEvent is one item of an adapter stream. Which field is set depends
// on Kind: Delta for EventDelta, Usage for EventUsage, Err for EventError.
type StreamEvent struct {
	Kind  EventKind
	Delta string
	Usage Usage
	Err   *Error
}
