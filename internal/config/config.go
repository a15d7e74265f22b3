// Package config handles loading and validating omniai configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides.
// OMNIAI_SERVER_PORT overrides server.port.
const EnvPrefix = "OMNIAI_"

// Config is the top-level configuration for the omniai backend.
type Config struct {
	Server      ServerConfig      `koanf:"server" validate:"required"`
	Auth        AuthConfig        `koanf:"auth"`
	Providers   []ProviderConfig  `koanf:"providers" validate:"dive"`
	Selection   SelectionConfig   `koanf:"selection"`
	Registry    RegistryConfig    `koanf:"registry"`
	Storage     StorageConfig     `koanf:"storage"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit"`
	Quota       QuotaConfig       `koanf:"quota"`
	Memory      MemoryConfig      `koanf:"memory"`
	CancelRelay CancelRelayConfig `koanf:"cancel_relay"`
	Log         LogConfig         `koanf:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	// WriteTimeout bounds non-streaming responses only. Zero disables it,
	// which SSE streams need.
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	MaxRequestBytes   int64         `koanf:"max_request_bytes" validate:"min=0"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// AuthConfig holds the bearer token signing secret.
type AuthConfig struct {
	Secret string `koanf:"secret"`
}

// ProviderConfig holds the settings for a single upstream provider.
// Providers are registered in the order they appear in the file.
type ProviderConfig struct {
	ID      string        `koanf:"id" validate:"required,lowercase"`
	Name    string        `koanf:"name"`
	Kind    string        `koanf:"kind" validate:"required,oneof=openai anthropic"`
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`

	Vision           bool `koanf:"vision"`
	Tools            bool `koanf:"tools"`
	JSONMode         bool `koanf:"json_mode"`
	MaxContextTokens int  `koanf:"max_context_tokens"`
}

// SelectionConfig feeds the model resolver's fallback chain.
type SelectionConfig struct {
	DefaultProvider  string   `koanf:"default_provider"`
	DefaultModel     string   `koanf:"default_model"`
	ProviderPriority []string `koanf:"provider_priority"`
	ModelPriority    []string `koanf:"model_priority"`
}

type RegistryConfig struct {
	ProbeTimeout time.Duration `koanf:"probe_timeout" validate:"gt=0"`
}

type StorageConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// RateLimitConfig selects the fixed-window limiter backend.
type RateLimitConfig struct {
	Backend       string `koanf:"backend" validate:"oneof=memory redis"`
	RedisAddr     string `koanf:"redis_addr" validate:"required_if=Backend redis"`
	IPPerMinute   int    `koanf:"ip_per_minute" validate:"min=0"`
	UserPerMinute int    `koanf:"user_per_minute" validate:"min=0"`
}

// QuotaConfig sets daily per-user limits. Zero means unlimited.
type QuotaConfig struct {
	MessagesPerDay int `koanf:"messages_per_day" validate:"min=0"`
	TokensPerDay   int `koanf:"tokens_per_day" validate:"min=0"`
}

type MemoryConfig struct {
	Enabled             bool `koanf:"enabled"`
	AutoIngestUser      bool `koanf:"auto_ingest_user"`
	AutoIngestAssistant bool `koanf:"auto_ingest_assistant"`
	Limit               int  `koanf:"limit" validate:"min=0"`
	MaxChars            int  `koanf:"max_chars" validate:"min=0"`
}

// CancelRelayConfig enables cross-instance cancellation over NATS.
// An empty URL disables the relay.
type CancelRelayConfig struct {
	NATSURL string        `koanf:"nats_url"`
	Subject string        `koanf:"subject"`
	Timeout time.Duration `koanf:"timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Default returns the configuration used for any key the file and
// environment leave unset.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8000,
			ReadTimeout:       30 * time.Second,
			MaxRequestBytes:   1 << 20,
			HeartbeatInterval: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Selection: SelectionConfig{
			ProviderPriority: []string{"lmstudio", "ollama", "openai"},
			ModelPriority:    []string{"qwen", "deepseek", "llama", "gpt"},
		},
		Registry:  RegistryConfig{ProbeTimeout: 1500 * time.Millisecond},
		Storage:   StorageConfig{Path: "omniai.db"},
		RateLimit: RateLimitConfig{Backend: "memory", IPPerMinute: 60, UserPerMinute: 120},
		Quota:     QuotaConfig{MessagesPerDay: 200},
		Memory: MemoryConfig{
			Enabled:        true,
			AutoIngestUser: true,
			Limit:          6,
			MaxChars:       240,
		},
		CancelRelay: CancelRelayConfig{Subject: "omniai.generation.cancel", Timeout: 500 * time.Millisecond},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a validated Config. An empty path skips
// the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Only the first underscore after the prefix separates the section from
	// the key: OMNIAI_RATELIMIT_IP_PER_MINUTE -> ratelimit.ip_per_minute.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Auth.Secret = expandEnv(cfg.Auth.Secret)
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = expandEnv(cfg.Providers[i].APIKey)
		if cfg.Providers[i].Name == "" {
			cfg.Providers[i].Name = cfg.Providers[i].ID
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		id := strings.ToLower(strings.TrimSpace(p.ID))
		if seen[id] {
			return fmt.Errorf("invalid config: duplicate provider id %q", p.ID)
		}
		seen[id] = true
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// envKey maps OMNIAI_SERVER_READ_TIMEOUT to server.read_timeout.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return key
	}
	// cancel_relay is the one section name containing an underscore.
	if section == "cancel" && strings.HasPrefix(rest, "relay_") {
		return "cancel_relay." + strings.TrimPrefix(rest, "relay_")
	}
	return section + "." + rest
}

// expandEnv replaces a whole-value ${VAR} placeholder with the variable's value.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}
