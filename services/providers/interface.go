package providers

import (
	"context"
	"time"
)

// ProviderTag identifies one of the supported LLM vendors
type ProviderTag string

const (
	// ProviderOpenAI is the OpenAI chat completions API
	ProviderOpenAI ProviderTag = "openai"

	// ProviderAnthropic is the Anthropic messages API
	ProviderAnthropic ProviderTag = "anthropic"

	// ProviderGemini is the Google Gemini generative language API
	ProviderGemini ProviderTag = "gemini"
)

// String implements fmt.Stringer
func (t ProviderTag) String() string {
	return string(t)
}

// Valid reports whether the tag names a supported vendor
func (t ProviderTag) Valid() bool {
	switch t {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		return true
	}
	return false
}

// AllProviders lists every supported vendor in default priority order
func AllProviders() []ProviderTag {
	return []ProviderTag{ProviderOpenAI, ProviderAnthropic, ProviderGemini}
}

// SupportsEmbeddings reports whether the vendor exposes an embedding endpoint.
// Anthropic has none.
func SupportsEmbeddings(tag ProviderTag) bool {
	switch tag {
	case ProviderOpenAI, ProviderGemini:
		return true
	}
	return false
}

// Provider represents a unified LLM provider interface
type Provider interface {
	// Name returns the provider tag
	Name() ProviderTag

	// Complete performs a non-streaming chat completion
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Stream performs a streaming chat completion. The returned stream is
	// bound to ctx and must be closed by the caller.
	Stream(ctx context.Context, req *CompletionRequest) (ChunkStream, error)

	// Embed computes embeddings for one or more inputs
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ChunkStream is a lazy, single-pass sequence of stream chunks.
//
// Next returns io.EOF once the vendor has signalled completion. Close may be
// called at any time, including after EOF, and is safe to call more than once.
type ChunkStream interface {
	Next() (*StreamChunk, error)
	Close() error
}

// Limiter is the admission control an adapter wraps around every vendor call
type Limiter interface {
	Acquire(ctx context.Context, estimatedTokens int) error
	Release()
}

// NopLimiter admits everything immediately
type NopLimiter struct{}

// Acquire implements Limiter
func (NopLimiter) Acquire(ctx context.Context, estimatedTokens int) error { return nil }

// Release implements Limiter
func (NopLimiter) Release() {}

// RateLimitConfig overrides the per-vendor rate limit defaults.
// Zero fields keep the default.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute"`
	MaxConcurrent     int `yaml:"max_concurrent"`
}

// ProviderConfig holds the configuration of a single vendor adapter
type ProviderConfig struct {
	// Provider selects the vendor
	Provider ProviderTag `yaml:"provider"`

	// APIKey for authentication
	APIKey string `yaml:"api_key"`

	// BaseURL for the API (optional override)
	BaseURL string `yaml:"base_url"`

	// DefaultModel is used when a request does not name a model
	DefaultModel string `yaml:"default_model"`

	// EmbeddingModel is used when an embedding request does not name a model
	EmbeddingModel string `yaml:"embedding_model"`

	// OrgID for organization-specific endpoints
	OrgID string `yaml:"org_id"`

	// Additional headers
	Headers map[string]string `yaml:"headers"`

	// Timeout for requests
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries for failed requests
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay between retries
	RetryDelay time.Duration `yaml:"retry_delay"`

	// RateLimit overrides the vendor defaults
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig(tag ProviderTag) ProviderConfig {
	return ProviderConfig{
		Provider:   tag,
		Timeout:    60 * time.Second,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
		Headers:    make(map[string]string),
	}
}
