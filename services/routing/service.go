package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/upb/llm-adapter/models"
	"github.com/upb/llm-adapter/repositories"
	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/services/providers/anthropic"
	"github.com/upb/llm-adapter/services/providers/gemini"
	"github.com/upb/llm-adapter/services/providers/openai"
	"github.com/upb/llm-adapter/services/ratelimit"
	"go.uber.org/zap"
)

// Option configures a RoutingService
type Option func(*RoutingService)

// WithUsageRecorder writes a usage record after every successful call
func WithUsageRecorder(repo repositories.UsageRepository) Option {
	return func(s *RoutingService) {
		s.usage = repo
	}
}

// WithLimiterOptions passes options to every limiter the service builds
func WithLimiterOptions(opts ...ratelimit.Option) Option {
	return func(s *RoutingService) {
		s.limiterOpts = append(s.limiterOpts, opts...)
	}
}

type preferredProviderKey struct{}

// WithPreferredProvider makes calls using ctx try tag before the configured
// order. The remaining providers keep their order as fallbacks.
func WithPreferredProvider(ctx context.Context, tag providers.ProviderTag) context.Context {
	return context.WithValue(ctx, preferredProviderKey{}, tag)
}

// PreferredProvider returns the preference set by WithPreferredProvider
func PreferredProvider(ctx context.Context) (providers.ProviderTag, bool) {
	tag, ok := ctx.Value(preferredProviderKey{}).(providers.ProviderTag)
	return tag, ok && tag != ""
}

// RoutingService is the single entry point callers use. It tries the
// configured providers in priority order and falls back to the next one when
// a call fails with a retryable or rate limit error.
type RoutingService struct {
	registry    *providers.Registry
	limiters    map[providers.ProviderTag]*ratelimit.Limiter
	limiterOpts []ratelimit.Option
	usage       repositories.UsageRepository
	logger      *zap.Logger
}

// NewRoutingService builds one adapter per config, in config order. Configs
// without an API key are skipped.
func NewRoutingService(configs []providers.ProviderConfig, logger *zap.Logger, opts ...Option) (*RoutingService, error) {
	if len(configs) == 0 {
		return nil, providers.NewConfigurationError("at least one provider must be configured", nil)
	}

	s := newService(logger, opts...)

	for _, cfg := range configs {
		if !cfg.Provider.Valid() {
			return nil, providers.NewConfigurationError(fmt.Sprintf("unknown provider %q", cfg.Provider), nil)
		}
		if strings.TrimSpace(cfg.APIKey) == "" {
			s.logger.Warn("skipping provider without credentials",
				zap.String("provider", cfg.Provider.String()))
			continue
		}

		limiter := ratelimit.NewLimiter(ratelimit.ConfigFor(cfg.Provider, cfg.RateLimit), s.logger, s.limiterOpts...)
		adapter := newAdapter(cfg, limiter, s.logger)

		if err := s.registry.RegisterProvider(adapter); err != nil {
			if errors.Is(err, providers.ErrProviderAlreadyRegistered) {
				return nil, providers.NewConfigurationError(fmt.Sprintf("provider %s configured twice", cfg.Provider), err)
			}
			return nil, providers.NewConfigurationError("failed to register provider", err)
		}
		s.limiters[cfg.Provider] = limiter
	}

	if s.registry.GetProviderCount() == 0 {
		return nil, providers.NewConfigurationError("no provider has credentials configured", nil)
	}

	s.logger.Info("routing service initialized",
		zap.Strings("providers", tagsToStrings(s.registry.ListProviders())))
	return s, nil
}

// NewRoutingServiceWithProviders builds a service over caller-supplied
// providers, tried in the given order
func NewRoutingServiceWithProviders(list []providers.Provider, logger *zap.Logger, opts ...Option) (*RoutingService, error) {
	if len(list) == 0 {
		return nil, providers.NewConfigurationError("at least one provider must be configured", nil)
	}

	s := newService(logger, opts...)
	for _, p := range list {
		if err := s.registry.RegisterProvider(p); err != nil {
			return nil, providers.NewConfigurationError("failed to register provider", err)
		}
	}
	return s, nil
}

func newService(logger *zap.Logger, opts ...Option) *RoutingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RoutingService{
		registry: providers.NewRegistry(),
		limiters: make(map[providers.ProviderTag]*ratelimit.Limiter),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newAdapter selects the vendor implementation for a config
func newAdapter(cfg providers.ProviderConfig, limiter providers.Limiter, logger *zap.Logger) providers.Provider {
	switch cfg.Provider {
	case providers.ProviderAnthropic:
		return anthropic.NewAnthropicAdapter(cfg, limiter, logger)
	case providers.ProviderGemini:
		return gemini.NewGeminiAdapter(cfg, limiter, logger)
	default:
		return openai.NewOpenAIAdapter(cfg, limiter, logger)
	}
}

// Complete runs a chat completion against the first provider that succeeds
func (s *RoutingService) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, providers.NewInvalidRequestError("", err)
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, p := range candidates {
		start := time.Now()
		resp, err := p.Complete(ctx, req)
		if err == nil {
			s.recordCompletion(ctx, req.User, p.Name(), resp.Model, models.UsageOperationComplete, resp.Usage, time.Since(start))
			return resp, nil
		}

		lastErr = err
		if !s.shouldFallback(ctx, p.Name(), "complete", err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Stream opens a streaming completion. Fallback happens only before the first
// chunk reaches the caller; later errors end the stream.
func (s *RoutingService) Stream(ctx context.Context, req *providers.CompletionRequest) (providers.ChunkStream, error) {
	if err := req.Validate(); err != nil {
		return nil, providers.NewInvalidRequestError("", err)
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, p := range candidates {
		start := time.Now()
		stream, err := p.Stream(ctx, req)
		if err != nil {
			lastErr = err
			if !s.shouldFallback(ctx, p.Name(), "stream", err) {
				return nil, err
			}
			continue
		}

		first, err := stream.Next()
		if err != nil && !errors.Is(err, io.EOF) {
			stream.Close()
			lastErr = err
			if !s.shouldFallback(ctx, p.Name(), "stream", err) {
				return nil, err
			}
			continue
		}

		tag := p.Name()
		out := &prefetchedStream{inner: stream, first: first, eof: first == nil}
		out.onComplete = func(model string, usage *providers.Usage) {
			s.recordCompletion(context.WithoutCancel(ctx), req.User, tag, model, models.UsageOperationStream, usage, time.Since(start))
		}
		return out, nil
	}
	return nil, lastErr
}

// Embed computes embeddings using only providers with an embedding endpoint
func (s *RoutingService) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, providers.NewInvalidRequestError("", err)
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	attempted := false
	for _, p := range candidates {
		if !providers.SupportsEmbeddings(p.Name()) {
			continue
		}
		attempted = true

		start := time.Now()
		resp, err := p.Embed(ctx, req)
		if err == nil {
			s.recordCompletion(ctx, req.User, p.Name(), resp.Model, models.UsageOperationEmbed, resp.Usage, time.Since(start))
			return resp, nil
		}

		lastErr = err
		if !s.shouldFallback(ctx, p.Name(), "embed", err) {
			return nil, err
		}
	}

	if !attempted {
		return nil, providers.NewNormalizedError("", providers.ErrorKindUnsupported,
			"no configured provider supports embeddings", 0, false, nil)
	}
	return nil, lastErr
}

// SetProvider makes tag the primary provider
func (s *RoutingService) SetProvider(tag providers.ProviderTag) error {
	if err := s.registry.SetPrimary(tag); err != nil {
		return fmt.Errorf("%w: %s", err, tag)
	}
	s.logger.Info("primary provider changed", zap.String("provider", tag.String()))
	return nil
}

// Providers returns the current try order
func (s *RoutingService) Providers() []providers.ProviderTag {
	return s.registry.ListProviders()
}

// Stats returns limiter statistics for providers built from configs
func (s *RoutingService) Stats() map[providers.ProviderTag]ratelimit.Stats {
	stats := make(map[providers.ProviderTag]ratelimit.Stats, len(s.limiters))
	for tag, l := range s.limiters {
		stats[tag] = l.Stats()
	}
	return stats
}

// candidates returns the providers to try for one call
func (s *RoutingService) candidates(ctx context.Context) ([]providers.Provider, error) {
	ordered := s.registry.Ordered()
	tag, ok := PreferredProvider(ctx)
	if !ok {
		return ordered, nil
	}

	out := make([]providers.Provider, 1, len(ordered))
	for _, p := range ordered {
		if p.Name() == tag {
			out[0] = p
			continue
		}
		out = append(out, p)
	}
	if out[0] == nil {
		return nil, fmt.Errorf("%w: %s", providers.ErrProviderNotFound, tag)
	}
	return out, nil
}

func (s *RoutingService) shouldFallback(ctx context.Context, tag providers.ProviderTag, op string, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if !providers.IsFallbackEligible(err) {
		return false
	}
	s.logger.Warn("provider call failed, trying next provider",
		zap.String("provider", tag.String()),
		zap.String("operation", op),
		zap.Error(err))
	return true
}

func (s *RoutingService) recordCompletion(ctx context.Context, caller string, tag providers.ProviderTag, model string, op models.UsageOperation, usage *providers.Usage, elapsed time.Duration) {
	if s.usage == nil {
		return
	}

	record := models.NewUsageRecord(caller, tag.String(), model, op)
	if usage != nil {
		record.SetTokens(usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	}
	record.SetLatency(elapsed)

	if err := s.usage.Record(ctx, record); err != nil {
		s.logger.Error("failed to record usage",
			zap.String("provider", tag.String()),
			zap.Error(err))
	}
}

func tagsToStrings(tags []providers.ProviderTag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.String()
	}
	return out
}
