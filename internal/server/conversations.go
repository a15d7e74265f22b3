package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/omniplexity/omniai/internal/auth"
	"github.com/omniplexity/omniai/internal/selection"
	"github.com/omniplexity/omniai/internal/store"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	convs, err := s.Store.ListConversations(r.Context(), id.UserID)
	if err != nil {
		s.internalError(w, r, "listing conversations", err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, r, map[string]any{"conversations": convs}, http.StatusOK)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	convID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, codeConversationNotFound, "Conversation not found")
		return
	}

	if _, err := s.Store.GetConversation(r.Context(), id.UserID, convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeConversationNotFound, "Conversation not found")
			return
		}
		s.internalError(w, r, "loading conversation", err)
		return
	}

	msgs, err := s.Store.ListMessages(r.Context(), convID)
	if err != nil {
		s.internalError(w, r, "listing messages", err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, r, map[string]any{"messages": msgs}, http.StatusOK)
}

// modelDefaults is a provider/model pair; both or neither must be set.
type modelDefaults struct {
	Provider string `json:"provider" validate:"required_with=Model"`
	Model    string `json:"model" validate:"required_with=Provider"`
}

// handlePutDefaults replaces the caller's default pair. An empty body
// clears it.
func (s *Server) handlePutDefaults(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var body modelDefaults
	if err := decodeJSON(r, &body); err != nil {
		decodeFailure(w, err)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Provider and model must be set together")
		return
	}

	settings := store.UserSettings{
		UserID:          id.UserID,
		DefaultProvider: selection.NormalizeProviderID(body.Provider),
		DefaultModel:    body.Model,
	}
	if err := s.Store.PutUserSettings(r.Context(), settings); err != nil {
		s.internalError(w, r, "saving defaults", err)
		return
	}
	writeJSON(w, r, settings, http.StatusOK)
}

type createProjectRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Provider string `json:"default_provider" validate:"required_with=Model"`
	Model    string `json:"default_model" validate:"required_with=Provider"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var body createProjectRequest
	if err := decodeJSON(r, &body); err != nil {
		decodeFailure(w, err)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid project")
		return
	}

	p, err := s.Store.CreateProject(r.Context(), store.Project{
		UserID:          id.UserID,
		Name:            body.Name,
		DefaultProvider: selection.NormalizeProviderID(body.Provider),
		DefaultModel:    body.Model,
	})
	if err != nil {
		s.internalError(w, r, "creating project", err)
		return
	}
	writeJSON(w, r, p, http.StatusCreated)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.ErrorContext(r.Context(), op, "error", err)
	writeError(w, http.StatusInternalServerError, codeInternal, "Internal error")
}
