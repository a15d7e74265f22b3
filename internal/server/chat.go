package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omniplexity/omniai/internal/auth"
	"github.com/omniplexity/omniai/internal/chat"
	obsmw "github.com/omniplexity/omniai/internal/observability/middleware"
	"github.com/omniplexity/omniai/internal/provider"
	"github.com/omniplexity/omniai/internal/quota"
	"github.com/omniplexity/omniai/internal/ratelimit"
	"github.com/omniplexity/omniai/internal/stream"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatStreamRequest is the body of POST /chat/stream. Role and content are
// checked by the orchestrator so their failures arrive in-stream.
type chatStreamRequest struct {
	ConversationID *int64      `json:"conversation_id"`
	ProjectID      *int64      `json:"project_id"`
	Message        chatMessage `json:"message"`
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
	Temperature    *float64    `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP           *float64    `json:"top_p" validate:"omitempty,gt=0,lte=1"`
	MaxTokens      *int        `json:"max_tokens" validate:"omitempty,gt=0"`
}

// handleChatStream runs one chat turn as an SSE stream. Rate limits, quota
// and body validation fail with a plain HTTP error; once the stream is
// open every failure is reported in-band.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	if !s.allow(w, r, ratelimit.IPKey(clientIP(r)), s.Limits.IPPerMinute, "Too many requests from this IP") {
		return
	}
	if !s.allow(w, r, ratelimit.UserKey(id.UserID), s.Limits.UserPerMinute, "Too many requests from this user") {
		return
	}

	if err := s.Quota.CheckMessageQuota(r.Context(), id.UserID); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			writeError(w, http.StatusTooManyRequests, codeQuotaExceeded, "Daily quota exceeded")
			return
		}
		slog.ErrorContext(r.Context(), "checking quota", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Could not check quota")
		return
	}

	var body chatStreamRequest
	if err := decodeJSON(r, &body); err != nil {
		decodeFailure(w, err)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid sampling parameters")
		return
	}

	// Streams run as long as the model talks; lift any server write
	// deadline for this response.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sw, err := stream.NewWriter(w)
	if err != nil {
		slog.ErrorContext(r.Context(), "cannot stream response", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Streaming not supported")
		return
	}

	status := s.Chat.Stream(r.Context(), chat.Request{
		UserID:         id.UserID,
		ConversationID: body.ConversationID,
		ProjectID:      body.ProjectID,
		Message:        provider.Message{Role: body.Message.Role, Content: body.Message.Content},
		Provider:       body.Provider,
		Model:          body.Model,
		Temperature:    body.Temperature,
		TopP:           body.TopP,
		MaxTokens:      body.MaxTokens,
	}, sw)
	obsmw.SetLogAttrs(r.Context(), slog.String("stream_status", status))
}

// allow applies one rate limit. A limiter backend failure lets the request
// through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string, limit int, message string) bool {
	ok, err := s.Limiter.Allow(r.Context(), key, limit)
	if err != nil {
		slog.WarnContext(r.Context(), "rate limiter unavailable", "key", key, "error", err)
		return true
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, message)
	}
	return ok
}

// clientIP is the address set by middleware.RealIP, without the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// handleCancel cancels one of the caller's generations. Unknown ids and
// other users' ids get the same 404.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	generationID := chi.URLParam(r, "generation_id")

	ok, err := s.Canceler.Cancel(r.Context(), generationID, id.UserID)
	if err != nil {
		slog.WarnContext(r.Context(), "cancel relay failed", "generation_id", generationID, "error", err)
	}
	if !ok {
		writeError(w, http.StatusNotFound, codeGenerationNotFound, "Generation not found")
		return
	}
	writeJSON(w, r, map[string]string{"message": "Generation canceled"}, http.StatusOK)
}

type activeGeneration struct {
	GenerationID   string    `json:"generation_id"`
	ConversationID int64     `json:"conversation_id"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
}

// handleActive lists the caller's generations running on this instance.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	out := []activeGeneration{}
	for _, rec := range s.Manager.Active(id.UserID) {
		out = append(out, activeGeneration{
			GenerationID:   rec.ID,
			ConversationID: rec.ConversationID,
			Provider:       rec.Provider,
			Model:          rec.Model,
			CreatedAt:      rec.CreatedAt,
		})
	}
	writeJSON(w, r, map[string]any{"generations": out}, http.StatusOK)
}
