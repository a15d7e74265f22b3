// Package stream handles the SSE wire format of the chat streaming
// protocol: headers, event framing and the payload of each event type.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/omniplexity/omniai/internal/provider"
)

// Event names, in the order a healthy stream emits them.
const (
	EventMeta  = "meta"
	EventPing  = "ping"
	EventDelta = "delta"
	EventUsage = "usage"
	EventError = "error"
	EventDone  = "done"
)

// Terminal statuses carried by the done event.
const (
	StatusOK       = "ok"
	StatusCanceled = "canceled"
	StatusError    = "error"
)

// ErrNoFlusher is returned when the ResponseWriter cannot push events out
// as they are written.
var ErrNoFlusher = errors.New("response writer does not support flushing (http.Flusher)")

// Meta is the first event of every stream. ConversationID is null when the
// request failed before a conversation was resolved.
type Meta struct {
	ConversationID *int64 `json:"conversation_id"`
	ProjectID      *int64 `json:"project_id"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	GenerationID   string `json:"generation_id"`
}

// Ping is the heartbeat. TS is Unix time in fractional seconds.
type Ping struct {
	TS float64 `json:"ts"`
}

// Delta carries one upstream fragment. Text repeats Delta for clients that
// read either key.
type Delta struct {
	GenerationID string `json:"generation_id"`
	Delta        string `json:"delta"`
	Text         string `json:"text"`
}

// Usage relays upstream token accounting.
type Usage struct {
	GenerationID string         `json:"generation_id"`
	Usage        provider.Usage `json:"usage"`
}

// Error precedes a done event with status "error".
type Error struct {
	GenerationID string `json:"generation_id"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// Done is the last event of every stream.
type Done struct {
	GenerationID string         `json:"generation_id"`
	Status       string         `json:"status"`
	Usage        provider.Usage `json:"usage"` // null when none was reported
	ElapsedMS    int64          `json:"elapsed_ms"`
}

// Writer frames events onto an http.ResponseWriter. It is safe for
// concurrent use, though the chat orchestrator writes from one goroutine.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter checks that w can flush and sets the SSE headers. Headers must
// be set before the first body write, so call this before anything else
// touches w.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Stops nginx from buffering the stream.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvent writes one "event: <name>\ndata: <json>\n\n" frame and
// flushes it so the client sees it immediately.
func (sw *Writer) WriteEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", name, err)
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("writing %s event: %w", name, err)
	}
	sw.flusher.Flush()
	return nil
}
