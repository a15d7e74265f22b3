// Package app builds the omniai backend from its configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/omniplexity/omniai/internal/auth"
	"github.com/omniplexity/omniai/internal/cancelrelay"
	"github.com/omniplexity/omniai/internal/chat"
	"github.com/omniplexity/omniai/internal/config"
	"github.com/omniplexity/omniai/internal/generation"
	"github.com/omniplexity/omniai/internal/memory"
	"github.com/omniplexity/omniai/internal/metrics"
	"github.com/omniplexity/omniai/internal/provider"
	"github.com/omniplexity/omniai/internal/quota"
	"github.com/omniplexity/omniai/internal/ratelimit"
	"github.com/omniplexity/omniai/internal/selection"
	"github.com/omniplexity/omniai/internal/server"
	"github.com/omniplexity/omniai/internal/store"
)

// sweepInterval is how often expired in-memory rate limit windows are
// dropped.
const sweepInterval = time.Minute

// providerFactory builds an adapter from its settings.
type providerFactory func(s provider.Settings, client *http.Client) provider.Adapter

// providerConstructors maps a configured provider kind to its adapter.
var providerConstructors = map[string]providerFactory{
	"openai": func(s provider.Settings, c *http.Client) provider.Adapter {
		return provider.NewOpenAIAdapter(s, c)
	},
	"anthropic": func(s provider.Settings, c *http.Client) provider.Adapter {
		return provider.NewAnthropicAdapter(s, c)
	},
}

// App owns every long-lived component of a running backend.
type App struct {
	cfg      *config.Config
	store    *store.Store
	registry *provider.Registry
	manager  *generation.Manager
	relay    *cancelrelay.Relay
	redis    *redis.Client
	memLimit *ratelimit.MemoryLimiter
	handler  http.Handler
}

// New opens storage, registers providers and wires the HTTP handler.
// Nothing listens until Start.
func New(cfg *config.Config) (*App, error) {
	m := metrics.New()

	registry, err := NewRegistry(cfg.Providers, cfg.Registry.ProbeTimeout, m)
	if err != nil {
		return nil, err
	}

	issuer, err := auth.NewIssuer(cfg.Auth.Secret)
	if err != nil {
		return nil, fmt.Errorf("configuring auth: %w", err)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, store: st, registry: registry, manager: generation.NewManager()}

	var limiter ratelimit.Limiter
	switch cfg.RateLimit.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		limiter = ratelimit.NewRedisLimiter(a.redis)
	default:
		a.memLimit = ratelimit.NewMemoryLimiter()
		limiter = a.memLimit
	}

	if cfg.CancelRelay.NATSURL != "" {
		a.relay, err = cancelrelay.Connect(cfg.CancelRelay.NATSURL, cfg.CancelRelay.Subject, cfg.CancelRelay.Timeout, a.manager)
		if err != nil {
			a.closeResources()
			return nil, err
		}
	} else {
		a.relay = cancelrelay.New(nil, cfg.CancelRelay.Subject, cfg.CancelRelay.Timeout, a.manager)
	}

	q := quota.NewService(st, quota.Limits{
		MessagesPerDay: cfg.Quota.MessagesPerDay,
		TokensPerDay:   cfg.Quota.TokensPerDay,
	})

	resolver := selection.NewResolver(registry,
		selection.Pair{
			Provider: selection.NormalizeProviderID(cfg.Selection.DefaultProvider),
			Model:    cfg.Selection.DefaultModel,
		},
		cfg.Selection.ProviderPriority,
		cfg.Selection.ModelPriority,
	)

	chatDeps := chat.Deps{
		Store:     st,
		Quota:     q,
		Selector:  resolver,
		Providers: registry,
		Manager:   a.manager,
		Metrics:   m,
	}
	if cfg.Memory.Enabled {
		chatDeps.Memory = memory.NewService(st, memory.Options{
			Enabled:             true,
			AutoIngestUser:      cfg.Memory.AutoIngestUser,
			AutoIngestAssistant: cfg.Memory.AutoIngestAssistant,
			MaxChars:            cfg.Memory.MaxChars,
		})
	}

	a.handler = server.New(server.Deps{
		Store:    st,
		Registry: registry,
		Manager:  a.manager,
		Chat: chat.NewService(chatDeps, chat.Options{
			HeartbeatInterval: cfg.Server.HeartbeatInterval,
			MemoryLimit:       cfg.Memory.Limit,
		}),
		Quota:   q,
		Limiter: limiter,
		Limits: server.Limits{
			IPPerMinute:   cfg.RateLimit.IPPerMinute,
			UserPerMinute: cfg.RateLimit.UserPerMinute,
		},
		Canceler: a.relay,
		Auth:     issuer,
		Metrics:  m,
		Logger:   slog.Default(),

		MaxRequestBytes: cfg.Server.MaxRequestBytes,
	})
	return a, nil
}

// NewRegistry builds one adapter per configured provider, in file order.
func NewRegistry(providers []config.ProviderConfig, probeTimeout time.Duration, observer provider.ProbeObserver) (*provider.Registry, error) {
	reg := provider.NewRegistry(probeTimeout, observer)
	for _, pc := range providers {
		factory, ok := providerConstructors[pc.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown provider kind %q for %q", pc.Kind, pc.ID)
		}

		caps := provider.Capabilities{Vision: pc.Vision, Tools: pc.Tools, JSONMode: pc.JSONMode}
		if pc.MaxContextTokens > 0 {
			n := pc.MaxContextTokens
			caps.MaxContextTokens = &n
		}
		reg.Register(factory(provider.Settings{
			ID:           selection.NormalizeProviderID(pc.ID),
			Name:         pc.Name,
			BaseURL:      pc.BaseURL,
			APIKey:       pc.APIKey,
			Timeout:      pc.Timeout,
			Capabilities: caps,
		}, upstreamClient(pc.Timeout)))
		slog.Info("registered provider", "provider", pc.ID, "kind", pc.Kind, "base_url", pc.BaseURL)
	}
	return reg, nil
}

// upstreamClient has no total timeout, so long streams are not cut off;
// the header wait and each body read are bounded instead.
func upstreamClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: t}
}

// Handler is the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Start serves HTTP on the configured address and blocks until ctx is
// done or a service fails, then shuts everything down.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		a.closeResources()
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return a.closeResources() })

	if err := a.relay.Start(); err != nil {
		_ = ln.Close()
		a.closeResources()
		return fmt.Errorf("cancel relay startup failed: %w", err)
	}

	httpServer := &http.Server{
		Handler:     a.handler,
		ReadTimeout: a.cfg.Server.ReadTimeout,
		// SSE handlers clear the deadline per response.
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
	shutdownFuncs = append(shutdownFuncs, httpServer.Shutdown)

	slog.InfoContext(gCtx, "omniai listening", "addr", ln.Addr().String(), "providers", a.registry.IDs())
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(gCtx, "http server error", "error", err)
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.memLimit != nil {
		g.Go(func() error {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.memLimit.Sweep()
				case <-gCtx.Done():
					return nil
				}
			}
		})
	}

	// Serve only returns after Shutdown, so the group is waited on in the
	// background while this goroutine triggers shutdown.
	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	<-gCtx.Done()
	slog.InfoContext(ctx, "shutting down services", "active_generations", a.manager.Len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	var errs []error
	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := <-waitErr; err != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("application stopped")
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 5 * time.Second
}

// closeResources releases the relay, redis client and store.
func (a *App) closeResources() error {
	var errs []error
	if a.relay != nil {
		errs = append(errs, a.relay.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
