package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gateway configuration. It supports three-layer priority:
//  1. Default values (lowest priority)
//  2. YAML file (optional, via LoadFromFile)
//  3. Environment variables (highest priority, via LoadFromEnv)
//
// Unknown keys in the YAML file are ignored. Missing required credentials
// cause Validate() to fail loudly at init.
type Config struct {
	// Provider credentials and endpoints.
	OpenAI ProviderConfig `yaml:"openai"`
	Vertex ProviderConfig `yaml:"vertex"`

	// AllowedModels is the per-vendor model allow-list. Requests referencing
	// any other model fail with MODEL_NOT_ALLOWED.
	AllowedOpenAIModels []string `yaml:"allowed_openai_models"`
	AllowedVertexModels []string `yaml:"allowed_vertex_models"`

	// RateLimits configures per-vendor token and concurrency budgets.
	OpenAILimits RateLimitConfig `yaml:"openai_limits"`
	VertexLimits RateLimitConfig `yaml:"vertex_limits"`

	// Timeouts applied per call. Grounded calls get the longer deadline.
	GroundedTimeout   time.Duration `yaml:"grounded_timeout"`
	UngroundedTimeout time.Duration `yaml:"ungrounded_timeout"`

	// Token budget policy.
	GroundedMaxTokens int `yaml:"grounded_max_tokens"`
	MinOutputTokens   int `yaml:"min_output_tokens"`

	// Feature flags.
	Flags FeatureFlags `yaml:"flags"`

	// ALS holds the HMAC seed material for the ALS builder.
	ALS ALSConfig `yaml:"als"`

	// Telemetry selects and configures the record sink.
	Telemetry TelemetrySinkConfig `yaml:"telemetry"`

	// WorkerPoolSize bounds concurrent provider dispatches.
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

// ProviderConfig holds per-vendor credentials and endpoint overrides.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Region  string `yaml:"region"`
}

// RateLimitConfig configures one vendor's rate limiter.
type RateLimitConfig struct {
	TokensPerMinute int `yaml:"tokens_per_minute"`
	MaxConcurrency  int `yaml:"max_concurrency"`
}

// FeatureFlags gates optional behaviors. Defaults mirror production.
type FeatureFlags struct {
	// AllowPreviewCompat permits the web_search_preview tool variant retry.
	AllowPreviewCompat bool `yaml:"allow_preview_compat"`
	// UngroundedJSONEnvelopeFallback enables the TextEnvelope recovery for
	// conversational models that return empty text on ungrounded JSON calls.
	UngroundedJSONEnvelopeFallback bool `yaml:"ungrounded_json_envelope_fallback"`
	// CitationExtractorEmitUnlinked includes unlinked sources in the
	// citations list (they are always counted in telemetry).
	CitationExtractorEmitUnlinked bool `yaml:"citation_extractor_emit_unlinked"`
	// DisableProxies strips legacy proxy transport modes. Always true in
	// production; the field exists so the normalization is observable.
	DisableProxies bool `yaml:"disable_proxies"`
	// VertexRequireAnchored makes REQUIRED on Vertex insist on at least one
	// anchored citation. Default false: search evidence alone satisfies.
	VertexRequireAnchored bool `yaml:"vertex_require_anchored"`
}

// ALSConfig holds the deterministic seed material for ALS generation.
type ALSConfig struct {
	SeedKey   string `yaml:"seed_key"`
	SeedKeyID string `yaml:"seed_key_id"`
}

// TelemetrySinkConfig selects the telemetry sink implementation.
type TelemetrySinkConfig struct {
	// Sink is one of "log" or "redis".
	Sink      string `yaml:"sink"`
	RedisURL  string `yaml:"redis_url"`
	Stream    string `yaml:"stream"`
	QueueSize int    `yaml:"queue_size"`
}

// DefaultConfig returns a production-ready default configuration.
func DefaultConfig() *Config {
	return &Config{
		AllowedOpenAIModels: []string{"gpt-4o", "gpt-5"},
		AllowedVertexModels: []string{"gemini-2.0-flash", "gemini-2.5-pro"},
		OpenAILimits:        RateLimitConfig{TokensPerMinute: 120000, MaxConcurrency: 16},
		VertexLimits:        RateLimitConfig{TokensPerMinute: 120000, MaxConcurrency: 16},
		GroundedTimeout:     120 * time.Second,
		UngroundedTimeout:   60 * time.Second,
		GroundedMaxTokens:   6000,
		MinOutputTokens:     16,
		Flags: FeatureFlags{
			AllowPreviewCompat:             true,
			UngroundedJSONEnvelopeFallback: true,
			CitationExtractorEmitUnlinked:  true,
			DisableProxies:                 true,
		},
		ALS:            ALSConfig{SeedKeyID: "k1"},
		Telemetry:      TelemetrySinkConfig{Sink: "log", Stream: "llmrouter.telemetry", QueueSize: 1024},
		WorkerPoolSize: 32,
	}
}

// LoadFromFile merges configuration from a YAML file. Unknown keys are
// ignored; a missing file is not an error.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfiguration, path, err)
	}
	return nil
}

// LoadFromEnv applies environment variable overrides. Environment variables
// take precedence over file and default values.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := os.Getenv("VERTEX_API_KEY"); v != "" {
		c.Vertex.APIKey = v
	}
	if v := os.Getenv("VERTEX_BASE_URL"); v != "" {
		c.Vertex.BaseURL = v
	}
	if v := os.Getenv("VERTEX_REGION"); v != "" {
		c.Vertex.Region = v
	}
	if v := os.Getenv("ALLOWED_OPENAI_MODELS"); v != "" {
		c.AllowedOpenAIModels = splitCSV(v)
	}
	if v := os.Getenv("ALLOWED_VERTEX_MODELS"); v != "" {
		c.AllowedVertexModels = splitCSV(v)
	}
	if v := os.Getenv("OPENAI_TPM_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OpenAILimits.TokensPerMinute = n
		}
	}
	if v := os.Getenv("OPENAI_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OpenAILimits.MaxConcurrency = n
		}
	}
	if v := os.Getenv("VERTEX_TPM_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VertexLimits.TokensPerMinute = n
		}
	}
	if v := os.Getenv("VERTEX_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VertexLimits.MaxConcurrency = n
		}
	}
	if v := os.Getenv("LLM_TIMEOUT_GROUNDED"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GroundedTimeout = d
		}
	}
	if v := os.Getenv("LLM_TIMEOUT_UNGROUNDED"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.UngroundedTimeout = d
		}
	}
	if v := os.Getenv("GROUNDED_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GroundedMaxTokens = n
		}
	}
	if v := os.Getenv("ALLOW_PREVIEW_COMPAT"); v != "" {
		c.Flags.AllowPreviewCompat = parseBool(v)
	}
	if v := os.Getenv("UNGROUNDED_JSON_ENVELOPE_FALLBACK"); v != "" {
		c.Flags.UngroundedJSONEnvelopeFallback = parseBool(v)
	}
	if v := os.Getenv("CITATION_EXTRACTOR_EMIT_UNLINKED"); v != "" {
		c.Flags.CitationExtractorEmitUnlinked = parseBool(v)
	}
	if v := os.Getenv("DISABLE_PROXIES"); v != "" {
		c.Flags.DisableProxies = parseBool(v)
	}
	if v := os.Getenv("VERTEX_REQUIRE_ANCHORED"); v != "" {
		c.Flags.VertexRequireAnchored = parseBool(v)
	}
	if v := os.Getenv("ALS_SEED_KEY"); v != "" {
		c.ALS.SeedKey = v
	}
	if v := os.Getenv("ALS_SEED_KEY_ID"); v != "" {
		c.ALS.SeedKeyID = v
	}
	if v := os.Getenv("TELEMETRY_SINK"); v != "" {
		c.Telemetry.Sink = v
	}
	if v := os.Getenv("TELEMETRY_REDIS_URL"); v != "" {
		c.Telemetry.RedisURL = v
	} else if c.Telemetry.RedisURL == "" {
		c.Telemetry.RedisURL = os.Getenv("REDIS_URL")
	}
	if v := os.Getenv("TELEMETRY_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Telemetry.QueueSize = n
		}
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerPoolSize = n
		}
	}
	return nil
}

// Validate fails loudly when required credentials are unset for an enabled
// vendor, or when numeric settings are out of range.
func (c *Config) Validate() error {
	if len(c.AllowedOpenAIModels) > 0 && c.OpenAI.APIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY is required when OpenAI models are allow-listed", ErrMissingConfiguration)
	}
	if len(c.AllowedVertexModels) > 0 && c.Vertex.APIKey == "" {
		return fmt.Errorf("%w: VERTEX_API_KEY is required when Vertex models are allow-listed", ErrMissingConfiguration)
	}
	if len(c.AllowedOpenAIModels) == 0 && len(c.AllowedVertexModels) == 0 {
		return fmt.Errorf("%w: at least one vendor needs a non-empty model allow-list", ErrInvalidConfiguration)
	}
	if c.GroundedTimeout <= 0 || c.UngroundedTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfiguration)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("%w: worker_pool_size must be positive", ErrInvalidConfiguration)
	}
	switch c.Telemetry.Sink {
	case "", "log":
	case "redis":
		if c.Telemetry.RedisURL == "" {
			return fmt.Errorf("%w: TELEMETRY_REDIS_URL is required for the redis sink", ErrMissingConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown telemetry sink %q", ErrInvalidConfiguration, c.Telemetry.Sink)
	}
	return nil
}

// AllowedModels returns the allow-list for a vendor.
func (c *Config) AllowedModels(vendor Vendor) []string {
	switch vendor {
	case VendorOpenAI:
		return c.AllowedOpenAIModels
	case VendorVertex:
		return c.AllowedVertexModels
	}
	return nil
}

// Limits returns the rate limit configuration for a vendor.
func (c *Config) Limits(vendor Vendor) RateLimitConfig {
	switch vendor {
	case VendorOpenAI:
		return c.OpenAILimits
	case VendorVertex:
		return c.VertexLimits
	}
	return RateLimitConfig{}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return b
}
