package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultTimeout bounds model listing calls, the wait for response
// headers, and each read of a streamed body.
const DefaultTimeout = 120 * time.Second

// Settings is the per-instance configuration shared by every adapter kind.
type Settings struct {
	ID      string
	Name    string
	BaseURL string // e.g. "http://127.0.0.1:1234/v1"
	APIKey  string
	Timeout time.Duration

	Capabilities Capabilities
}

func (s Settings) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// OpenAIAdapter speaks the OpenAI chat completions dialect. LM Studio,
// Ollama's /v1 endpoint and OpenAI itself all go through it; only the
// base URL and key differ.
type OpenAIAdapter struct {
	settings Settings
	client   *http.Client
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible upstream.
// The client should not set a total Timeout, or long streams get cut off.
func NewOpenAIAdapter(s Settings, client *http.Client) *OpenAIAdapter {
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	s.Capabilities.Streaming = true
	return &OpenAIAdapter{settings: s, client: client}
}

func (a *OpenAIAdapter) ID() string                 { return a.settings.ID }
func (a *OpenAIAdapter) Name() string               { return a.settings.Name }
func (a *OpenAIAdapter) Capabilities() Capabilities { return a.settings.Capabilities }

// openAIChatRequest is the JSON body for POST /chat/completions.
type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

func (a *OpenAIAdapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.settings.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.settings.APIKey)
	}
	return req, nil
}

// ListModels calls GET /models and returns data[] in upstream order.
func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
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

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, mapStatusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportError(err)
	}

	var models []ModelInfo
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		info := ModelInfo{ID: id, Label: id}
		// LM Studio reports max_context_length; other servers context_length.
		n := m.Get("context_length")
		if !n.Exists() {
			n = m.Get("max_context_length")
		}
		if n.Type == gjson.Number && n.Int() > 0 {
			v := int(n.Int())
			info.ContextLength = &v
		}
		models = append(models, info)
		return true
	})
	return models, nil
}

// ChatStream opens a streaming completion and translates upstream chunks
// into StreamEvents on the returned channel.
func (a *OpenAIAdapter) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	body, err := json.Marshal(openAIChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	// Without this, OpenAI never sends a usage chunk for streamed responses.
	body, err = sjson.SetBytes(body, "stream_options.include_usage", true)
	if err != nil {
		return nil, fmt.Errorf("setting stream options: %w", err)
	}

	httpReq, err := a.newRequest(ctx, http.MethodPost, "/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	up, err := openStream(ctx, a.client, httpReq, a.settings.timeout())
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)

	go func() {
		defer close(ch)
		defer up.Close()

		err := readDataLines(up.body, func(data string) bool {
			if data == "[DONE]" {
				send(ctx, ch, StreamEvent{Kind: EventDone})
				return false
			}
			for _, ev := range parseOpenAIChunk(data) {
				if !send(ctx, ch, ev) {
					return false
				}
			}
			return true
		})

		// A canceled caller context surfaces as a read error; that is not
		// a provider failure.
		if err != nil && ctx.Err() == nil {
			send(ctx, ch, StreamEvent{Kind: EventError, Err: up.readError(err)})
		}
	}()

	return ch, nil
}

// parseOpenAIChunk turns one chat.completion.chunk into zero, one or two
// events. Malformed chunks are skipped.
func parseOpenAIChunk(data string) []StreamEvent {
	if !gjson.Valid(data) {
		return nil
	}

	var events []StreamEvent
	if content := gjson.Get(data, "choices.0.delta.content"); content.Type == gjson.String && content.Str != "" {
		events = append(events, StreamEvent{Kind: EventDelta, Delta: content.Str})
	}
	if u := gjson.Get(data, "usage"); u.IsObject() {
		events = append(events, StreamEvent{Kind: EventUsage, Usage: numericFields(u)})
	}
	return events
}

func numericFields(obj gjson.Result) Usage {
	usage := Usage{}
	obj.ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Number {
			usage[k.String()] = int(v.Int())
		}
		return true
	})
	return usage
}

// HealthCheck reports whether the model listing succeeds.
func (a *OpenAIAdapter) HealthCheck(ctx context.Context) Health {
	return healthFromListing(ctx, a)
}

func healthFromListing(ctx context.Context, a Adapter) Health {
	if _, err := a.ListModels(ctx); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return Health{OK: false, Detail: pe.Message}
		}
		return Health{OK: false, Detail: err.Error()}
	}
	return Health{OK: true}
}
