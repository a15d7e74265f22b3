// Package selection decides which provider and model serve a chat turn.
//
// The resolver walks a fixed fallback chain: explicit request, conversation
// pin, project default, user default, configured default, then a scan of
// providers in priority order. Each candidate pair is only accepted if the
// provider currently lists the model.
package selection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/omniplexity/omniai/internal/provider"
)

// Error codes surfaced to clients.
const (
	CodeInvalidModel      = "invalid_model"
	CodeNoModelsAvailable = "no_models_available"
)

// Error is returned when no acceptable pair exists.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// aliases maps historical provider spellings to registry ids.
var aliases = map[string]string{
	"lm_studio":     "lmstudio",
	"lmstudio":      "lmstudio",
	"openai_compat": "openai",
	"openai":        "openai",
	"ollama":        "ollama",
}

// NormalizeProviderID lowercases and trims id, then applies aliases.
// Unknown ids pass through lowercased.
func NormalizeProviderID(id string) string {
	key := strings.ToLower(strings.TrimSpace(id))
	if alias, ok := aliases[key]; ok {
		return alias
	}
	return key
}

// Pair is a provider id with one of its model ids. Either half may be empty
// when it comes from stored defaults.
type Pair struct {
	Provider string
	Model    string
}

func (p Pair) complete() bool { return p.Provider != "" && p.Model != "" }

// Request carries everything the chain looks at besides configuration.
type Request struct {
	Provider string // requested provider, may be empty
	Model    string // requested model, only meaningful with Provider

	Conversation Pair
	Project      Pair
	User         Pair
}

// ModelLister is the part of the provider registry the resolver needs.
type ModelLister interface {
	IDs() []string
	ListModels(ctx context.Context, id string) ([]provider.ModelInfo, error)
}

// Resolver implements the fallback chain. It holds no per-call state and
// is safe for concurrent use.
type Resolver struct {
	providers        ModelLister
	defaults         Pair
	providerPriority []string
	modelPriority    []string
}

// NewResolver builds a resolver. defaults is the configured fallback pair;
// the priority lists drive the final provider scan and model pick.
func NewResolver(providers ModelLister, defaults Pair, providerPriority, modelPriority []string) *Resolver {
	terms := make([]string, 0, len(modelPriority))
	for _, t := range modelPriority {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return &Resolver{
		providers:        providers,
		defaults:         defaults,
		providerPriority: providerPriority,
		modelPriority:    terms,
	}
}

// PickModel returns the first model containing the earliest matching
// priority term, or the first model when nothing matches. Matching is a
// case-insensitive substring test.
func PickModel(models []string, priority []string) (string, bool) {
	if len(models) == 0 {
		return "", false
	}
	for _, term := range priority {
		for _, m := range models {
			if strings.Contains(strings.ToLower(m), term) {
				return m, true
			}
		}
	}
	return models[0], true
}

// call scopes the model cache to one Select invocation, so a provider is
// listed at most once per turn.
type call struct {
	r     *Resolver
	cache map[string][]string
}

func (c *call) models(ctx context.Context, providerID string) []string {
	id := NormalizeProviderID(providerID)
	if id == "" {
		return nil
	}
	if ids, ok := c.cache[id]; ok {
		return ids
	}

	listed, err := c.r.providers.ListModels(ctx, id)
	if err != nil {
		// An unknown or unreachable provider just has nothing to offer.
		slog.WarnContext(ctx, "model listing failed during selection", "provider", id, "error", err)
	}
	ids := make([]string, 0, len(listed))
	for _, m := range listed {
		ids = append(ids, m.ID)
	}
	c.cache[id] = ids
	return ids
}

func (c *call) validate(ctx context.Context, p Pair) (Pair, bool) {
	if !p.complete() {
		return Pair{}, false
	}
	id := NormalizeProviderID(p.Provider)
	if slices.Contains(c.models(ctx, id), p.Model) {
		return Pair{Provider: id, Model: p.Model}, true
	}
	return Pair{}, false
}

// Select resolves the pair for one turn. On exhaustion it returns *Error.
func (r *Resolver) Select(ctx context.Context, req Request) (Pair, error) {
	c := &call{r: r, cache: map[string][]string{}}

	if req.Provider != "" && req.Model != "" {
		if p, ok := c.validate(ctx, Pair{Provider: req.Provider, Model: req.Model}); ok {
			return p, nil
		}
		return Pair{}, &Error{Code: CodeInvalidModel, Message: "Requested model is not available"}
	}

	if req.Provider != "" {
		id := NormalizeProviderID(req.Provider)
		if m, ok := PickModel(c.models(ctx, id), r.modelPriority); ok {
			return Pair{Provider: id, Model: m}, nil
		}
	}

	for _, candidate := range []Pair{req.Conversation, req.Project, req.User, r.defaults} {
		if p, ok := c.validate(ctx, candidate); ok {
			return p, nil
		}
	}

	for _, id := range r.scanOrder() {
		if m, ok := PickModel(c.models(ctx, id), r.modelPriority); ok {
			return Pair{Provider: id, Model: m}, nil
		}
	}

	return Pair{}, &Error{Code: CodeNoModelsAvailable, Message: "No models are available"}
}

// scanOrder is the configured priority list followed by every other
// registered provider in registration order, without duplicates.
func (r *Resolver) scanOrder() []string {
	order := make([]string, 0, len(r.providerPriority))
	for _, p := range r.providerPriority {
		if id := NormalizeProviderID(p); id != "" && !slices.Contains(order, id) {
			order = append(order, id)
		}
	}
	for _, id := range r.providers.IDs() {
		if !slices.Contains(order, id) {
			order = append(order, id)
		}
	}
	return order
}

// String is used in logs.
func (p Pair) String() string { return fmt.Sprintf("%s/%s", p.Provider, p.Model) }
