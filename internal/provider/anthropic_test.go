package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// anthropicSSE is a trimmed Messages API stream: named events, no [DONE].
const anthropicSSE = `event: message_start
data: {"type":"message_start","message":{"id":"msg_01","model":"claude-test","usage":{"input_tokens":12,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}

event: message_stop
data: {"type":"message_stop"}

`

func TestToAnthropicRequest(t *testing.T) {
	maxTokens := 256
	ar := toAnthropicRequest(&ChatRequest{
		Model: "claude-test",
		Messages: []Message{
			{Role: "system", Content: "Relevant user memory"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
			{Role: "user", Content: "again"},
		},
		MaxTokens: &maxTokens,
	})

	assert.Equal(t, "Relevant user memory", ar.System)
	assert.Len(t, ar.Messages, 3)
	assert.Equal(t, 256, ar.MaxTokens)
	assert.True(t, ar.Stream)

	ar = toAnthropicRequest(&ChatRequest{Model: "claude-test"})
	assert.Equal(t, defaultMaxTokens, ar.MaxTokens)
	assert.Empty(t, ar.System)
}

func TestAnthropicChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, anthropicSSE)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(Settings{ID: "anthropic", BaseURL: srv.URL + "/v1", APIKey: "key"}, srv.Client())

	ch, err := a.ChatStream(context.Background(), &ChatRequest{
		Model:    "claude-test",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 4)
	assert.Equal(t, "Hi", events[0].Delta)
	assert.Equal(t, " there", events[1].Delta)
	assert.Equal(t, EventUsage, events[2].Kind)
	assert.Equal(t, 16, events[2].Usage.TotalTokens())
	assert.Equal(t, 4, events[2].Usage["completion_tokens"])
	assert.Equal(t, EventDone, events[3].Kind)
}

func TestAnthropicInBandError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(Settings{ID: "anthropic", BaseURL: srv.URL}, srv.Client())

	ch, err := a.ChatStream(context.Background(), &ChatRequest{Model: "claude-test"})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, CodeRateLimited, events[0].Err.Code)
}

func TestAnthropicListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[{"id":"claude-a","display_name":"Claude A"},{"id":"claude-b"}]}`)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(Settings{ID: "anthropic", BaseURL: srv.URL}, srv.Client())

	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ModelInfo{{ID: "claude-a", Label: "Claude A"}, {ID: "claude-b", Label: "claude-b"}}, models)
	assert.True(t, a.HealthCheck(context.Background()).OK)
}

func TestAnthropicStreamIdleTimeout(t *testing.T) {
	srv := stallingServer(t,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":3}}}`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`,
	)
	a := NewAnthropicAdapter(Settings{ID: "claude", BaseURL: srv.URL, Timeout: 100 * time.Millisecond}, srv.Client())

	ch, err := a.ChatStream(context.Background(), &ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, "Hi", events[0].Delta)
	require.Equal(t, EventError, events[1].Kind)
	assert.Equal(t, CodeTimeout, events[1].Err.Code)
}
