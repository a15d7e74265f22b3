// Package chat drives one streamed chat turn from inbound request to the
// final SSE done event.
//
// Every stream starts with meta and ends with exactly one done, including
// streams that fail before a provider is contacted. The upstream request is
// owned by a task registered with the generation manager, so a cancel from
// another request stops it, and a client that goes away does not leave the
// upstream connection dangling.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omniplexity/omniai/internal/generation"
	"github.com/omniplexity/omniai/internal/memory"
	"github.com/omniplexity/omniai/internal/metrics"
	"github.com/omniplexity/omniai/internal/observability"
	"github.com/omniplexity/omniai/internal/provider"
	"github.com/omniplexity/omniai/internal/selection"
	"github.com/omniplexity/omniai/internal/store"
	"github.com/omniplexity/omniai/internal/stream"
)

// Codes emitted by the orchestrator itself.
const (
	CodeInvalidMessage = "invalid_message"
	CodeProviderError  = "provider_error"
)

// StatusDisconnected is reported by Stream when the client went away
// before done could be written. It never appears on the wire.
const StatusDisconnected = "disconnected"

// DefaultHeartbeat is used when Options.HeartbeatInterval is unset.
const DefaultHeartbeat = 10 * time.Second

// Store is the persistence the orchestrator reads and writes.
type Store interface {
	EnsureConversation(ctx context.Context, userID int64, conversationID, projectID *int64) (*store.Conversation, error)
	GetProject(ctx context.Context, userID, id int64) (*store.Project, error)
	GetUserSettings(ctx context.Context, userID int64) (store.UserSettings, error)
	PinConversationModel(ctx context.Context, id int64, providerID, model string) (bool, error)
	AppendMessage(ctx context.Context, m store.Message) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]store.Message, error)
}

// Quota receives usage accounting. Limits are checked by the HTTP layer
// before a stream opens.
type Quota interface {
	IncrementMessages(ctx context.Context, userID int64) error
	AddTokenUsage(ctx context.Context, userID int64, tokens int) error
}

// Memory ingests facts from messages and retrieves relevant ones.
type Memory interface {
	Ingest(ctx context.Context, userID, conversationID int64, source, text string) ([]store.MemoryItem, error)
	BuildContextSnippet(ctx context.Context, userID int64, query string, limit int) (string, error)
}

type Selector interface {
	Select(ctx context.Context, req selection.Request) (selection.Pair, error)
}

type Providers interface {
	Get(id string) (provider.Adapter, error)
}

// Sink receives wire events. *stream.Writer is the production sink.
type Sink interface {
	WriteEvent(name string, payload any) error
}

// Request is one inbound chat turn from an authenticated user.
type Request struct {
	UserID         int64
	ConversationID *int64
	ProjectID      *int64
	Message        provider.Message
	Provider       string
	Model          string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
}

type Options struct {
	HeartbeatInterval time.Duration
	MemoryLimit       int
}

// Deps are the collaborators of a Service. Memory and Metrics may be nil.
type Deps struct {
	Store     Store
	Quota     Quota
	Memory    Memory
	Selector  Selector
	Providers Providers
	Manager   *generation.Manager
	Metrics   *metrics.Metrics
}

type Service struct {
	deps  Deps
	opts  Options
	now   func() time.Time
	newID func() string
}

func NewService(deps Deps, opts Options) *Service {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeat
	}
	return &Service{
		deps:  deps,
		opts:  opts,
		now:   time.Now,
		newID: newGenerationID,
	}
}

func newGenerationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// turn is the state of one Stream call.
type turn struct {
	s        *Service
	sink     Sink
	log      *slog.Logger
	id       string
	userID   int64
	started  time.Time
	meta     stream.Meta
	metaSent bool
	gone     bool
}

// Stream runs one turn, writing every event to sink, and returns the
// terminal status. ctx is the inbound request context; its cancellation
// means the client disconnected.
func (s *Service) Stream(ctx context.Context, req Request, sink Sink) string {
	t := &turn{
		s:       s,
		sink:    sink,
		id:      s.newID(),
		userID:  req.UserID,
		started: s.now(),
	}
	t.meta = stream.Meta{
		ConversationID: req.ConversationID,
		ProjectID:      req.ProjectID,
		Provider:       selection.NormalizeProviderID(req.Provider),
		Model:          req.Model,
		GenerationID:   t.id,
	}
	// The user id arrives on ctx from the request; the generation id is
	// added here so the provider task's logs carry it too.
	ctx = observability.WithLogAttrs(ctx, slog.String("generation_id", t.id))
	t.log = slog.Default()

	if code, msg, ok := validateMessage(req.Message); !ok {
		return t.reject(ctx, code, msg)
	}

	conv, err := s.deps.Store.EnsureConversation(ctx, req.UserID, req.ConversationID, req.ProjectID)
	if err != nil {
		t.log.ErrorContext(ctx, "resolving conversation", "error", err)
		return t.reject(ctx, CodeProviderError, "Provider error")
	}
	t.meta.ConversationID = &conv.ID
	t.meta.ProjectID = conv.ProjectID
	t.log = t.log.With("conversation_id", conv.ID)

	pair, err := s.deps.Selector.Select(ctx, s.selectionRequest(ctx, req, conv))
	if err != nil {
		code, msg := errorPayload(err)
		t.log.WarnContext(ctx, "model selection failed", "code", code)
		return t.reject(ctx, code, msg)
	}
	t.meta.Provider, t.meta.Model = pair.Provider, pair.Model
	t.log = t.log.With("provider", pair.Provider, "model", pair.Model)

	if conv.Provider == "" && conv.Model == "" {
		if _, err := s.deps.Store.PinConversationModel(ctx, conv.ID, pair.Provider, pair.Model); err != nil {
			t.log.WarnContext(ctx, "pinning conversation model", "error", err)
		}
	}

	if _, err := s.deps.Store.AppendMessage(ctx, store.Message{
		ConversationID: conv.ID,
		Role:           req.Message.Role,
		Content:        req.Message.Content,
	}); err != nil {
		t.log.ErrorContext(ctx, "persisting user message", "error", err)
		return t.reject(ctx, CodeProviderError, "Provider error")
	}
	if err := s.deps.Quota.IncrementMessages(ctx, req.UserID); err != nil {
		t.log.WarnContext(ctx, "counting message quota", "error", err)
	}
	s.ingest(ctx, t.log, req.UserID, conv.ID, memory.SourceUser, req.Message.Content)

	if !t.emit(stream.EventMeta, t.meta) {
		s.deps.Metrics.GenerationRejected()
		return StatusDisconnected
	}
	t.metaSent = true

	chatReq, err := s.buildRequest(ctx, t.log, req, conv.ID, pair.Model)
	if err != nil {
		t.log.ErrorContext(ctx, "loading history", "error", err)
		return t.reject(ctx, CodeProviderError, "Provider error")
	}
	adapter, err := s.deps.Providers.Get(pair.Provider)
	if err != nil {
		code, msg := errorPayload(err)
		return t.reject(ctx, code, msg)
	}

	return t.run(ctx, adapter, chatReq, conv.ID)
}

func validateMessage(m provider.Message) (code, message string, ok bool) {
	if m.Role != "user" {
		return CodeInvalidMessage, "Message role must be 'user'", false
	}
	if strings.TrimSpace(m.Content) == "" {
		return CodeInvalidMessage, "Message content must not be empty", false
	}
	return "", "", true
}

// selectionRequest gathers the stored defaults the resolver falls back on.
// Lookups that fail just leave their step of the chain empty.
func (s *Service) selectionRequest(ctx context.Context, req Request, conv *store.Conversation) selection.Request {
	sel := selection.Request{
		Provider:     req.Provider,
		Model:        req.Model,
		Conversation: selection.Pair{Provider: conv.Provider, Model: conv.Model},
	}
	if conv.ProjectID != nil {
		if p, err := s.deps.Store.GetProject(ctx, req.UserID, *conv.ProjectID); err == nil {
			sel.Project = selection.Pair{Provider: p.DefaultProvider, Model: p.DefaultModel}
		}
	}
	if u, err := s.deps.Store.GetUserSettings(ctx, req.UserID); err == nil {
		sel.User = selection.Pair{Provider: u.DefaultProvider, Model: u.DefaultModel}
	}
	return sel
}

// buildRequest assembles the full history, prefixed by a memory system
// message when one is relevant to the new message.
func (s *Service) buildRequest(ctx context.Context, log *slog.Logger, req Request, conversationID int64, model string) (*provider.ChatRequest, error) {
	history, err := s.deps.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msgs := make([]provider.Message, 0, len(history)+1)
	if s.deps.Memory != nil {
		snippet, err := s.deps.Memory.BuildContextSnippet(ctx, req.UserID, req.Message.Content, s.opts.MemoryLimit)
		if err != nil {
			log.WarnContext(ctx, "building memory context", "error", err)
		} else if snippet != "" {
			msgs = append(msgs, provider.Message{Role: "system", Content: snippet})
		}
	}
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}

	return &provider.ChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}, nil
}

// ingest is fire-and-forget: failures are logged and the turn goes on.
func (s *Service) ingest(ctx context.Context, log *slog.Logger, userID, conversationID int64, source, text string) {
	if s.deps.Memory == nil {
		return
	}
	if _, err := s.deps.Memory.Ingest(ctx, userID, conversationID, source, text); err != nil {
		log.WarnContext(ctx, "memory ingestion failed", "source", source, "error", err)
	}
}

// run registers the generation and relays upstream events until a
// terminal state.
func (t *turn) run(ctx context.Context, adapter provider.Adapter, chatReq *provider.ChatRequest, conversationID int64) string {
	s := t.s

	// The task outlives the request context so a disconnect doesn't abort
	// the upstream mid-read; Cancel stops it through cancel.
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events := make(chan provider.StreamEvent)
	consumerGone := make(chan struct{})
	taskDone := make(chan struct{})

	// The record is cleaned up by whichever of the consumer and the task
	// finishes last, so IsCanceled stays readable until both are done.
	var holders atomic.Int32
	holders.Store(2)
	release := func() {
		if holders.Add(-1) == 0 {
			s.deps.Manager.Cleanup(t.id)
		}
	}

	err := s.deps.Manager.Start(generation.Record{
		ID:             t.id,
		UserID:         t.userID,
		ConversationID: conversationID,
		Provider:       adapter.ID(),
		Model:          chatReq.Model,
	}, generation.NewTask(cancel, taskDone))
	if err != nil {
		cancel()
		t.log.ErrorContext(ctx, "registering generation", "error", err)
		return t.reject(ctx, CodeProviderError, "Provider error")
	}
	s.deps.Metrics.GenerationStarted()
	t.log.InfoContext(ctx, "generation started")

	go func() {
		defer release()
		defer close(taskDone)
		defer close(events)
		defer cancel()

		upstream, err := adapter.ChatStream(taskCtx, chatReq)
		if err != nil {
			ev := provider.StreamEvent{Kind: provider.EventError, Err: asProviderError(err)}
			select {
			case events <- ev:
			case <-consumerGone:
			}
			return
		}
		for ev := range upstream {
			select {
			case events <- ev:
			case <-consumerGone:
				// Keep draining so the upstream body is read to its end.
			}
		}
	}()

	status := t.consume(ctx, events, consumerGone)
	release()

	s.deps.Metrics.GenerationFinished(status)
	t.log.InfoContext(ctx, "generation finished", "status", status, "elapsed_ms", t.elapsed())

	return status
}

// consume writes events for one running generation and handles the
// success path. It closes consumerGone on every exit.
func (t *turn) consume(ctx context.Context, events <-chan provider.StreamEvent, consumerGone chan struct{}) string {
	defer close(consumerGone)
	s := t.s

	if !t.emit(stream.EventPing, t.ping()) {
		return StatusDisconnected
	}
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	var text strings.Builder
	var usage provider.Usage

	for {
		select {
		case <-ctx.Done():
			t.log.InfoContext(ctx, "client disconnected")
			return StatusDisconnected

		case <-ticker.C:
			if !t.emit(stream.EventPing, t.ping()) {
				return StatusDisconnected
			}

		case ev, ok := <-events:
			if s.deps.Manager.IsCanceled(t.id) {
				return t.finish(stream.StatusCanceled, usage)
			}
			if !ok {
				return t.succeed(ctx, text.String(), usage)
			}

			switch ev.Kind {
			case provider.EventDelta:
				if ev.Delta == "" {
					continue
				}
				text.WriteString(ev.Delta)
				if !t.emit(stream.EventDelta, stream.Delta{GenerationID: t.id, Delta: ev.Delta, Text: ev.Delta}) {
					return StatusDisconnected
				}
			case provider.EventUsage:
				usage = ev.Usage
				if !t.emit(stream.EventUsage, stream.Usage{GenerationID: t.id, Usage: ev.Usage}) {
					return StatusDisconnected
				}
			case provider.EventDone:
				return t.succeed(ctx, text.String(), usage)
			case provider.EventError:
				code, msg := streamErrorPayload(ev.Err)
				s.deps.Metrics.ProviderError(code)
				t.log.WarnContext(ctx, "provider stream failed", "code", code, "error", ev.Err)
				if !t.emit(stream.EventError, stream.Error{GenerationID: t.id, Code: code, Message: msg}) {
					return StatusDisconnected
				}
				return t.finish(stream.StatusError, usage)
			}
		}
	}
}

// succeed writes done ok and then records the turn. Canceled and failed
// generations never reach here, so partial output is never persisted or
// counted.
func (t *turn) succeed(ctx context.Context, text string, usage provider.Usage) string {
	status := t.finish(stream.StatusOK, usage)
	if text == "" {
		return status
	}

	s := t.s
	// The client may already be gone; the turn is still complete.
	ctx = context.WithoutCancel(ctx)
	conversationID := *t.meta.ConversationID

	if _, err := s.deps.Store.AppendMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        text,
		Provider:       t.meta.Provider,
		Model:          t.meta.Model,
		Usage:          usage,
	}); err != nil {
		t.log.ErrorContext(ctx, "persisting assistant message", "error", err)
		return status
	}

	s.ingest(ctx, t.log, t.userID, conversationID, memory.SourceAssistant, text)
	if err := s.deps.Quota.AddTokenUsage(ctx, t.userID, usage.TotalTokens()); err != nil {
		t.log.WarnContext(ctx, "recording token usage", "error", err)
	}
	return status
}

// finish writes the done event. A failed write still ends the stream with
// the given status; only the client misses it.
func (t *turn) finish(status string, usage provider.Usage) string {
	t.emit(stream.EventDone, stream.Done{
		GenerationID: t.id,
		Status:       status,
		Usage:        usage,
		ElapsedMS:    t.elapsed(),
	})
	return status
}

// reject ends a stream that failed before its generation was registered:
// meta if not yet sent, then error and done.
func (t *turn) reject(ctx context.Context, code, message string) string {
	t.s.deps.Metrics.GenerationRejected()
	if !t.metaSent {
		t.metaSent = t.emit(stream.EventMeta, t.meta)
	}
	t.emit(stream.EventError, stream.Error{GenerationID: t.id, Code: code, Message: message})
	return t.finish(stream.StatusError, nil)
}

// emit writes one event and reports whether the client is still there.
// After the first failure nothing more is written.
func (t *turn) emit(name string, payload any) bool {
	if t.gone {
		return false
	}
	if err := t.sink.WriteEvent(name, payload); err != nil {
		t.gone = true
		t.log.Debug("event write failed", "generation_id", t.id, "event", name, "error", err)
		return false
	}
	t.s.deps.Metrics.StreamEvent(name)
	return true
}

func (t *turn) ping() stream.Ping {
	return stream.Ping{TS: float64(t.s.now().UnixNano()) / float64(time.Second)}
}

func (t *turn) elapsed() int64 { return t.s.now().Sub(t.started).Milliseconds() }

// asProviderError keeps structured provider errors and wraps anything
// else under the generic code.
func asProviderError(err error) *provider.Error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr
	}
	return &provider.Error{Code: CodeProviderError, Message: "Provider error", Err: err}
}

func streamErrorPayload(e *provider.Error) (code, message string) {
	if e == nil || e.Code == "" {
		return CodeProviderError, "Provider error"
	}
	return string(e.Code), e.Message
}

// errorPayload maps an error to the code and message shown to clients.
func errorPayload(err error) (code, message string) {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Code != "" {
		return string(perr.Code), perr.Message
	}
	var serr *selection.Error
	if errors.As(err, &serr) {
		return serr.Code, serr.Message
	}
	return CodeProviderError, "Provider error"
}
