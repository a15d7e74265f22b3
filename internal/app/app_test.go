package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/omniai/internal/config"
	"github.com/omniplexity/omniai/internal/provider"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Secret = "app-test-secret"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "data", "omniai.db")
	cfg.Providers = []config.ProviderConfig{
		{ID: "LM_Studio", Name: "LM Studio", Kind: "openai", BaseURL: "http://127.0.0.1:1/v1", MaxContextTokens: 8192},
		{ID: "claude", Name: "Claude", Kind: "anthropic", BaseURL: "http://127.0.0.1:1/v1", Vision: true},
	}
	return &cfg
}

func TestNewRegistry(t *testing.T) {
	cfg := testConfig(t)

	reg, err := NewRegistry(cfg.Providers, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"lmstudio", "claude"}, reg.IDs())

	summaries := reg.ListProviders()
	require.Len(t, summaries, 2)
	assert.Equal(t, "LM Studio", summaries[0].Name)
	require.NotNil(t, summaries[0].Capabilities.MaxContextTokens)
	assert.Equal(t, 8192, *summaries[0].Capabilities.MaxContextTokens)
	assert.True(t, summaries[0].Capabilities.Streaming)
	assert.True(t, summaries[1].Capabilities.Vision)

	a, err := reg.Get("claude")
	require.NoError(t, err)
	assert.IsType(t, &provider.AnthropicAdapter{}, a)
}

func TestNewRegistryUnknownKind(t *testing.T) {
	_, err := NewRegistry([]config.ProviderConfig{{ID: "x", Kind: "grpc"}}, time.Second, nil)
	assert.ErrorContains(t, err, `unknown provider kind "grpc"`)
}

func TestNewRequiresSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Secret = ""
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestServeAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	// The store was closed, so a second app can open the same file.
	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.closeResources())
}

func TestUpstreamClientBoundsHeaderWait(t *testing.T) {
	c := upstreamClient(3 * time.Second)
	assert.Zero(t, c.Timeout)
	assert.Equal(t, 3*time.Second, c.Transport.(*http.Transport).ResponseHeaderTimeout)

	c = upstreamClient(0)
	assert.Equal(t, provider.DefaultTimeout, c.Transport.(*http.Transport).ResponseHeaderTimeout)
}
