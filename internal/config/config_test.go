package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  heartbeat_interval: 5s

auth:
  secret: ${TEST_AUTH_SECRET}

providers:
  - id: lmstudio
    name: LM Studio
    kind: openai
    base_url: http://127.0.0.1:1234/v1
  - id: openai
    kind: openai
    base_url: https://api.openai.com/v1
    api_key: ${TEST_API_KEY}

selection:
  default_provider: lmstudio
  model_priority: [qwen, llama]
`)
	t.Setenv("TEST_API_KEY", "my-secret-key")
	t.Setenv("TEST_AUTH_SECRET", "signing-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, "signing-secret", cfg.Auth.Secret)

	// Registration order follows the file.
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "lmstudio", cfg.Providers[0].ID)
	assert.Equal(t, "LM Studio", cfg.Providers[0].Name)
	assert.Equal(t, "openai", cfg.Providers[1].ID)
	assert.Equal(t, "openai", cfg.Providers[1].Name, "name defaults to id")
	assert.Equal(t, "my-secret-key", cfg.Providers[1].APIKey)

	assert.Equal(t, "lmstudio", cfg.Selection.DefaultProvider)
	assert.Equal(t, []string{"qwen", "llama"}, cfg.Selection.ModelPriority)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Registry.ProbeTimeout)
	assert.Equal(t, 60, cfg.RateLimit.IPPerMinute)
	assert.Equal(t, 120, cfg.RateLimit.UserPerMinute)
	assert.Equal(t, 200, cfg.Quota.MessagesPerDay)
	assert.Equal(t, []string{"lmstudio", "ollama", "openai"}, cfg.Selection.ProviderPriority)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
ratelimit:
  ip_per_minute: 10
`)
	t.Setenv("OMNIAI_SERVER_PORT", "3000")
	t.Setenv("OMNIAI_RATELIMIT_IP_PER_MINUTE", "5")
	t.Setenv("OMNIAI_CANCEL_RELAY_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.RateLimit.IPPerMinute)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.CancelRelay.NATSURL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown provider kind", `
providers:
  - id: x
    kind: carrier-pigeon
    base_url: http://localhost
`},
		{"duplicate provider id", `
providers:
  - id: ollama
    kind: openai
    base_url: http://localhost:11434/v1
  - id: ollama
    kind: openai
    base_url: http://localhost:11435/v1
`},
		{"redis backend without address", `
ratelimit:
  backend: redis
`},
		{"bad log format", `
log:
  format: xml
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.read_timeout", envKey("OMNIAI_SERVER_READ_TIMEOUT"))
	assert.Equal(t, "auth.secret", envKey("OMNIAI_AUTH_SECRET"))
	assert.Equal(t, "cancel_relay.subject", envKey("OMNIAI_CANCEL_RELAY_SUBJECT"))
}
