package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/omniplexity/omniai/internal/provider"
	"github.com/omniplexity/omniai/internal/selection"
)

// handleHealth is the liveness probe. It does not touch providers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]string{"status": "ok"}, http.StatusOK)
}

// handleListProviders lists registered providers. With
// include_models=true every provider is probed for its models in
// parallel; a provider that doesn't answer in time is listed without any.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	include, _ := strconv.ParseBool(r.URL.Query().Get("include_models"))
	if include {
		writeJSON(w, r, map[string]any{"providers": s.Registry.ListProvidersWithModels(r.Context())}, http.StatusOK)
		return
	}
	writeJSON(w, r, map[string]any{"providers": s.Registry.ListProviders()}, http.StatusOK)
}

func (s *Server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	id := selection.NormalizeProviderID(chi.URLParam(r, "id"))
	models, err := s.Registry.ListModels(r.Context(), id)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	if models == nil {
		models = []provider.ModelInfo{}
	}
	writeJSON(w, r, map[string]any{"provider_id": id, "models": models}, http.StatusOK)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	id := selection.NormalizeProviderID(chi.URLParam(r, "id"))
	health, err := s.Registry.HealthCheck(r.Context(), id)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, r, map[string]any{"provider_id": id, "ok": health.OK, "detail": health.Detail}, http.StatusOK)
}

// writeProviderError uses the status hint carried by *provider.Error.
func writeProviderError(w http.ResponseWriter, err error) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		status := perr.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		writeError(w, status, string(perr.Code), perr.Message)
		return
	}
	writeError(w, http.StatusBadGateway, string(provider.CodeProviderError), "Provider error")
}
