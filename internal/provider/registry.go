package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultProbeTimeout bounds each provider's model listing during
// ListProvidersWithModels.
const DefaultProbeTimeout = 1500 * time.Millisecond

// Summary is the public description of a registered provider.
type Summary struct {
	ProviderID   string       `json:"provider_id"`
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// SummaryWithModels is a Summary plus the models its probe returned.
type SummaryWithModels struct {
	Summary
	Models []ModelInfo `json:"models"`
}

// ProbeObserver records how long a model listing probe took. The metrics
// package satisfies it; nil disables observation.
type ProbeObserver interface {
	ObserveProbe(providerID string, d time.Duration, ok bool)
}

// Registry owns the configured adapters in registration order. It is built
// once at startup and passed to whoever needs it.
type Registry struct {
	mu           sync.RWMutex
	adapters     *orderedmap.OrderedMap[string, Adapter]
	probeTimeout time.Duration
	observer     ProbeObserver
}

// NewRegistry creates an empty registry. A zero probeTimeout uses
// DefaultProbeTimeout.
func NewRegistry(probeTimeout time.Duration, observer ProbeObserver) *Registry {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Registry{
		adapters:     orderedmap.New[string, Adapter](),
		probeTimeout: probeTimeout,
		observer:     observer,
	}
}

// Register adds an adapter under its ID. Registering the same ID again
// replaces the adapter but keeps its original position.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters.Set(a.ID(), a)
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters.Get(id)
	if !ok {
		return nil, ErrUnknownProvider(id)
	}
	return a, nil
}

// IDs returns the registered provider ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, r.adapters.Len())
	for pair := r.adapters.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

func (r *Registry) snapshot() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, r.adapters.Len())
	for pair := r.adapters.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// ListProviders describes every registered provider without contacting any
// upstream.
func (r *Registry) ListProviders() []Summary {
	adapters := r.snapshot()
	out := make([]Summary, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, summarize(a))
	}
	return out
}

func summarize(a Adapter) Summary {
	return Summary{ProviderID: a.ID(), Name: a.Name(), Capabilities: a.Capabilities()}
}

// ListModels delegates to the adapter registered under id.
func (r *Registry) ListModels(ctx context.Context, id string) ([]ModelInfo, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return a.ListModels(ctx)
}

// HealthCheck delegates to the adapter registered under id.
func (r *Registry) HealthCheck(ctx context.Context, id string) (Health, error) {
	a, err := r.Get(id)
	if err != nil {
		return Health{}, err
	}
	return a.HealthCheck(ctx), nil
}

// ListProvidersWithModels probes every provider in parallel. Each probe is
// bounded by the probe timeout; a provider that fails or times out is
// listed with no models. The call never fails as a whole.
func (r *Registry) ListProvidersWithModels(ctx context.Context) []SummaryWithModels {
	adapters := r.snapshot()
	out := make([]SummaryWithModels, len(adapters))

	var g errgroup.Group
	for i, a := range adapters {
		out[i] = SummaryWithModels{Summary: summarize(a), Models: []ModelInfo{}}
		g.Go(func() error {
			out[i].Models = r.probe(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (r *Registry) probe(ctx context.Context, a Adapter) []ModelInfo {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	type listing struct {
		models []ModelInfo
		err    error
	}
	// Buffered so an adapter that ignores ctx doesn't leak its goroutine
	// blocked on send.
	done := make(chan listing, 1)

	start := time.Now()
	go func() {
		models, err := a.ListModels(ctx)
		done <- listing{models, err}
	}()

	var models []ModelInfo
	var err error
	select {
	case res := <-done:
		models, err = res.models, res.err
	case <-ctx.Done():
		err = ctx.Err()
	}

	if r.observer != nil {
		r.observer.ObserveProbe(a.ID(), time.Since(start), err == nil)
	}
	if err != nil {
		slog.DebugContext(ctx, "provider probe failed", "provider", a.ID(), "error", err)
		return []ModelInfo{}
	}
	if models == nil {
		return []ModelInfo{}
	}
	return models
}
