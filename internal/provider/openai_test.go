package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

const lmStudioURL = "http://127.0.0.1:1234/v1"

// replayClient returns an HTTP client that serves responses from the named
// cassette in testdata/. Requests match on method and URL only, since the
// JSON body key order isn't worth pinning.
func replayClient(t *testing.T, name string) *http.Client {
	t.Helper()
	rec, err := recorder.New("testdata/"+name,
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithMatcher(func(r *http.Request, i cassette.Request) bool {
			return r.Method == i.Method && r.URL.String() == i.URL
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Stop() })
	return rec.GetDefaultClient()
}

// collect drains a stream with a deadline so a broken adapter fails the
// test instead of hanging it.
func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func lmStudio(client *http.Client) *OpenAIAdapter {
	return NewOpenAIAdapter(Settings{ID: "lmstudio", Name: "LM Studio", BaseURL: lmStudioURL + "/"}, client)
}

func TestOpenAIListModels(t *testing.T) {
	a := lmStudio(replayClient(t, "lmstudio_models"))

	models, err := a.ListModels(context.Background())
	require.NoError(t, err)

	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{
		"qwen2.5-7b-instruct",
		"llama-3.2-3b-instruct",
		"text-embedding-nomic-embed-text-v1.5",
	}, ids)
	assert.Equal(t, "qwen2.5-7b-instruct", models[0].Label)
	assert.Nil(t, models[0].ContextLength)
	assert.True(t, a.Capabilities().Streaming)
}

func TestOpenAIListModelsContextLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"id":"a","context_length":8192},
			{"id":"b","max_context_length":32768},
			{"id":"c","context_length":"big"}]}`)
	}))
	defer srv.Close()

	models, err := NewOpenAIAdapter(Settings{ID: "x", BaseURL: srv.URL}, srv.Client()).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	require.NotNil(t, models[0].ContextLength)
	assert.Equal(t, 8192, *models[0].ContextLength)
	require.NotNil(t, models[1].ContextLength)
	assert.Equal(t, 32768, *models[1].ContextLength)
	assert.Nil(t, models[2].ContextLength)

	b, err := json.Marshal(models[2])
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c","label":"c"}`, string(b))
}

func TestOpenAIChatStream(t *testing.T) {
	a := lmStudio(replayClient(t, "lmstudio_stream"))

	ch, err := a.ChatStream(context.Background(), &ChatRequest{
		Model:    "qwen2.5-7b-instruct",
		Messages: []Message{{Role: "user", Content: "Say hello"}},
	})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 4)

	// The empty role-only delta and the malformed line are skipped.
	assert.Equal(t, StreamEvent{Kind: EventDelta, Delta: "Hello"}, events[0])
	assert.Equal(t, StreamEvent{Kind: EventDelta, Delta: " there"}, events[1])

	assert.Equal(t, EventUsage, events[2].Kind)
	assert.Equal(t, Usage{"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11}, events[2].Usage)
	assert.Equal(t, 11, events[2].Usage.TotalTokens())

	assert.Equal(t, EventDone, events[3].Kind)
}

func TestOpenAIChatStreamSendsSamplingOnlyWhenSet(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(Settings{ID: "openai", BaseURL: srv.URL, APIKey: "sk-test"}, srv.Client())

	temp := 0.2
	ch, err := a.ChatStream(context.Background(), &ChatRequest{
		Model:       "gpt-4o-mini",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	collect(t, ch)

	assert.Contains(t, got, `"temperature":0.2`)
	assert.NotContains(t, got, "top_p")
	assert.NotContains(t, got, "max_tokens")
	assert.Contains(t, got, `"stream_options":{"include_usage":true}`)
}

func TestOpenAIErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode Code
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, CodeRateLimited},
		{"model not found", http.StatusNotFound, `{"error":{"message":"The model 'gpt-9' does not exist"}}`, CodeModelNotFound},
		{"model not found phrasing", http.StatusNotFound, `{"error":"Model not found"}`, CodeModelNotFound},
		{"plain 404", http.StatusNotFound, `{"error":"no such route"}`, CodeProviderError},
		{"server error", http.StatusInternalServerError, `oops`, CodeProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			a := NewOpenAIAdapter(Settings{ID: "x", BaseURL: srv.URL}, srv.Client())

			_, err := a.ChatStream(context.Background(), &ChatRequest{Model: "m"})
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantCode, pe.Code)

			_, err = a.ListModels(context.Background())
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantCode, pe.Code)
		})
	}
}

func TestOpenAIUnreachable(t *testing.T) {
	// Grab a free port, then close the listener so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	a := NewOpenAIAdapter(Settings{ID: "ollama", BaseURL: "http://" + addr + "/v1"}, &http.Client{})

	_, err = a.ListModels(context.Background())
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeUnreachable, pe.Code)
	assert.Equal(t, http.StatusServiceUnavailable, pe.Status)

	health := a.HealthCheck(context.Background())
	assert.False(t, health.OK)
	assert.Equal(t, "Provider is unreachable", health.Detail)
}

func TestOpenAITimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := NewOpenAIAdapter(Settings{ID: "slow", BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client())

	_, err := a.ListModels(context.Background())
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeTimeout, pe.Code)
}

func TestOpenAIStreamStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for {
			fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"x"}}]}`+"\n\n")
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(Settings{ID: "x", BaseURL: srv.URL}, srv.Client())
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := a.ChatStream(ctx, &ChatRequest{Model: "m"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, EventDelta, first.Kind)
	cancel()

	// No error event after cancellation, just a closed channel.
	for ev := range ch {
		assert.NotEqual(t, EventError, ev.Kind)
	}
}

// stallingServer sends the given SSE lines and then goes silent until the
// client hangs up.
func stallingServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprint(w, l+"\n\n")
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIStreamIdleTimeout(t *testing.T) {
	srv := stallingServer(t, `data: {"choices":[{"delta":{"content":"Hel"}}]}`)
	a := NewOpenAIAdapter(Settings{ID: "x", BaseURL: srv.URL, Timeout: 100 * time.Millisecond}, srv.Client())

	start := time.Now()
	ch, err := a.ChatStream(context.Background(), &ChatRequest{Model: "m"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, StreamEvent{Kind: EventDelta, Delta: "Hel"}, events[0])
	require.Equal(t, EventError, events[1].Kind)
	assert.Equal(t, CodeTimeout, events[1].Err.Code)
	assert.Equal(t, http.StatusGatewayTimeout, events[1].Err.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOpenAIStreamSlowConsumerIsNotATimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"b"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()
	a := NewOpenAIAdapter(Settings{ID: "x", BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client())

	ch, err := a.ChatStream(context.Background(), &ChatRequest{Model: "m"})
	require.NoError(t, err)

	var kinds []EventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
		time.Sleep(150 * time.Millisecond)
	}
	assert.Equal(t, []EventKind{EventDelta, EventDelta, EventDone}, kinds)
}

func TestOpenAIStreamHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	a := NewOpenAIAdapter(Settings{ID: "x", BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client())

	_, err := a.ChatStream(context.Background(), &ChatRequest{Model: "m"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeTimeout, pe.Code)
}
