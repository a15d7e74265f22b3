package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// AnthropicAdapter translates between the provider-neutral request and
// Anthropic's Messages API.
//
// Key differences from the OpenAI dialect:
//   - Auth: x-api-key header (not Authorization: Bearer)
//   - System prompt: top-level "system" field (not a message with role "system")
//   - max_tokens is required
//   - Streaming uses named events (message_start, content_block_delta,
//     message_delta, message_stop) and has no [DONE] sentinel
type AnthropicAdapter struct {
	settings Settings
	client   *http.Client
}

// NewAnthropicAdapter creates an adapter for the Anthropic Messages API.
func NewAnthropicAdapter(s Settings, client *http.Client) *AnthropicAdapter {
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	s.Capabilities.Streaming = true
	return &AnthropicAdapter{settings: s, client: client}
}

func (a *AnthropicAdapter) ID() string                 { return a.settings.ID }
func (a *AnthropicAdapter) Name() string               { return a.settings.Name }
func (a *AnthropicAdapter) Capabilities() Capabilities { return a.settings.Capabilities }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Stream      bool               `json:"stream"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent is the union of every streaming event we read.
// Only the fields relevant to the event's Type are populated.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"` // message_start
	Delta *struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"` // content_block_delta, message_delta
	Usage *anthropicUsage `json:"usage,omitempty"` // message_delta
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"` // error
}

const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is used when the caller didn't set max_tokens, since
// Anthropic rejects requests without it.
const defaultMaxTokens = 1024

func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Stream:      true,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		ar.MaxTokens = *req.MaxTokens
	}

	// System messages are hoisted into the top-level field; the memory
	// prefix is always one of them.
	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	ar.System = strings.Join(systemParts, "\n")

	return ar
}

func (a *AnthropicAdapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.settings.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.settings.APIKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	return req, nil
}

// ListModels calls GET /models.
func (a *AnthropicAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, a.settings.timeout())
	defer cancel()

	req, err := a.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, mapStatusError(resp)
	}

	var listing struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, mapTransportError(fmt.Errorf("decoding model listing: %w", err))
	}

	models := make([]ModelInfo, 0, len(listing.Data))
	for _, m := range listing.Data {
		label := m.DisplayName
		if label == "" {
			label = m.ID
		}
		models = append(models, ModelInfo{ID: m.ID, Label: label})
	}
	return models, nil
}

// ChatStream sends a streaming Messages request. Token usage arrives in
// two halves (input on message_start, output on message_delta) and is
// emitted as one usage event just before done.
func (a *AnthropicAdapter) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	body, err := json.Marshal(toAnthropicRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := a.newRequest(ctx, http.MethodPost, "/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	up, err := openStream(ctx, a.client, httpReq, a.settings.timeout())
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)

	go func() {
		defer close(ch)
		defer up.Close()

		var inputTokens, outputTokens int

		err := readDataLines(up.body, func(data string) bool {
			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return true
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					return true
				}
				return send(ctx, ch, StreamEvent{Kind: EventDelta, Delta: event.Delta.Text})

			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				usage := Usage{
					"prompt_tokens":     inputTokens,
					"completion_tokens": outputTokens,
					"total_tokens":      inputTokens + outputTokens,
				}
				if send(ctx, ch, StreamEvent{Kind: EventUsage, Usage: usage}) {
					send(ctx, ch, StreamEvent{Kind: EventDone})
				}
				return false

			case "error":
				send(ctx, ch, StreamEvent{Kind: EventError, Err: anthropicStreamError(event)})
				return false
			}
			return true
		})

		if err != nil && ctx.Err() == nil {
			send(ctx, ch, StreamEvent{Kind: EventError, Err: up.readError(err)})
		}
	}()

	return ch, nil
}

// anthropicStreamError maps an in-band error event. overloaded_error and
// rate_limit_error are the two kinds worth telling apart.
func anthropicStreamError(event anthropicStreamEvent) *Error {
	kind := "unknown_error"
	if event.Error != nil {
		kind = event.Error.Type
	}
	switch kind {
	case "rate_limit_error", "overloaded_error":
		return &Error{Code: CodeRateLimited, Message: "Provider rate limit exceeded", Status: http.StatusTooManyRequests, Err: fmt.Errorf("anthropic %s", kind)}
	default:
		return &Error{Code: CodeProviderError, Message: "Provider returned an error", Status: http.StatusBadGateway, Err: fmt.Errorf("anthropic %s", kind)}
	}
}

// HealthCheck reports whether the model listing succeeds.
func (a *AnthropicAdapter) HealthCheck(ctx context.Context) Health {
	return healthFromListing(ctx, a)
}
