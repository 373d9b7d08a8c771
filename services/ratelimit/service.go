package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/upb/llm-adapter/services/providers"
	"go.uber.org/zap"
)

// DefaultWindow is the sliding window length for per-minute caps
const DefaultWindow = time.Minute

// DefaultPollInterval is how often a blocked Acquire re-checks the window
const DefaultPollInterval = time.Second

// LimitReason names the cap that blocked an admission
type LimitReason string

const (
	ReasonNone        LimitReason = ""
	ReasonRequests    LimitReason = "requests_per_minute"
	ReasonTokens      LimitReason = "tokens_per_minute"
	ReasonConcurrency LimitReason = "max_concurrent"
)

// Config holds the caps for one provider. A zero cap is unlimited.
type Config struct {
	RequestsPerMinute int
	TokensPerMinute   int
	MaxConcurrent     int

	// Window defaults to one minute
	Window time.Duration

	// PollInterval defaults to one second
	PollInterval time.Duration
}

// DefaultConfig returns the static per-vendor defaults
func DefaultConfig(tag providers.ProviderTag) Config {
	switch tag {
	case providers.ProviderOpenAI:
		return Config{RequestsPerMinute: 3500, TokensPerMinute: 90000, MaxConcurrent: 50}
	case providers.ProviderAnthropic:
		return Config{RequestsPerMinute: 50, TokensPerMinute: 40000, MaxConcurrent: 5}
	case providers.ProviderGemini:
		return Config{RequestsPerMinute: 60, TokensPerMinute: 32000, MaxConcurrent: 10}
	default:
		return Config{RequestsPerMinute: 60, TokensPerMinute: 30000, MaxConcurrent: 5}
	}
}

// ConfigFor applies non-zero override fields on top of the vendor defaults
func ConfigFor(tag providers.ProviderTag, override *providers.RateLimitConfig) Config {
	cfg := DefaultConfig(tag)
	if override == nil {
		return cfg
	}
	if override.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = override.RequestsPerMinute
	}
	if override.TokensPerMinute > 0 {
		cfg.TokensPerMinute = override.TokensPerMinute
	}
	if override.MaxConcurrent > 0 {
		cfg.MaxConcurrent = override.MaxConcurrent
	}
	return cfg
}

// Stats is a point-in-time view of the limiter state
type Stats struct {
	InFlight          int `json:"in_flight"`
	RequestsInWindow  int `json:"requests_in_window"`
	TokensInWindow    int `json:"tokens_in_window"`
	RequestsPerMinute int `json:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute"`
	MaxConcurrent     int `json:"max_concurrent"`
}

type tokenSample struct {
	at     time.Time
	tokens int
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter is per-provider admission control over a sliding window of request
// timestamps and token samples plus an in-flight counter. All state is
// guarded by mu; the lock is never held across a wait.
type Limiter struct {
	mu       sync.Mutex
	config   Config
	requests []time.Time
	tokens   []tokenSample
	inFlight int

	now    func() time.Time
	logger *zap.Logger
}

// NewLimiter creates a new Limiter instance
func NewLimiter(config Config, logger *zap.Logger, opts ...Option) *Limiter {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{
		config: config,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until the request fits under every cap, then records it.
// It only fails when ctx is done.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens int) error {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	reason := l.TryAcquire(estimatedTokens)
	if reason == ReasonNone {
		return nil
	}

	l.logger.Debug("rate limit reached, waiting",
		zap.String("reason", string(reason)),
		zap.Int("estimated_tokens", estimatedTokens),
	)

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.TryAcquire(estimatedTokens) == ReasonNone {
				return nil
			}
		}
	}
}

// TryAcquire performs one atomic check-and-record. It returns ReasonNone on
// admission, otherwise the cap that blocked it.
func (l *Limiter) TryAcquire(estimatedTokens int) LimitReason {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if l.config.MaxConcurrent > 0 && l.inFlight >= l.config.MaxConcurrent {
		return ReasonConcurrency
	}
	if l.config.RequestsPerMinute > 0 && len(l.requests) >= l.config.RequestsPerMinute {
		return ReasonRequests
	}
	if l.config.TokensPerMinute > 0 && estimatedTokens > 0 {
		used := l.tokensInWindow()
		// an estimate above the cap is admitted into an empty window,
		// otherwise it could never run
		if used > 0 && used+estimatedTokens > l.config.TokensPerMinute {
			return ReasonTokens
		}
	}

	l.requests = append(l.requests, now)
	if estimatedTokens > 0 {
		l.tokens = append(l.tokens, tokenSample{at: now, tokens: estimatedTokens})
	}
	l.inFlight++
	return ReasonNone
}

// Release returns one in-flight slot
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
}

// Stats returns the current window usage
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return Stats{
		InFlight:          l.inFlight,
		RequestsInWindow:  len(l.requests),
		TokensInWindow:    l.tokensInWindow(),
		RequestsPerMinute: l.config.RequestsPerMinute,
		TokensPerMinute:   l.config.TokensPerMinute,
		MaxConcurrent:     l.config.MaxConcurrent,
	}
}

// Config returns the limiter caps
func (l *Limiter) Config() Config {
	return l.config
}

// prune drops samples older than the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.config.Window)

	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	l.requests = l.requests[i:]

	j := 0
	for j < len(l.tokens) && !l.tokens[j].at.After(cutoff) {
		j++
	}
	l.tokens = l.tokens[j:]
}

func (l *Limiter) tokensInWindow() int {
	total := 0
	for _, s := range l.tokens {
		total += s.tokens
	}
	return total
}

var _ providers.Limiter = (*Limiter)(nil)
