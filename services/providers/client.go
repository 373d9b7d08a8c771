package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HeaderFunc sets vendor authentication and version headers on a request
type HeaderFunc func(h http.Header)

// Client is the HTTP transport shared by the vendor adapters. It owns retry
// and error normalization; adapters own payload mapping.
type Client struct {
	provider   ProviderTag
	config     ProviderConfig
	httpClient *http.Client

	// streamClient has no overall timeout; streams are bounded by ctx
	streamClient *http.Client

	limiter Limiter
	headers HeaderFunc
	logger  *zap.Logger
}

// NewClient creates a transport for one vendor
func NewClient(config ProviderConfig, limiter Limiter, headers HeaderFunc, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if limiter == nil {
		limiter = NopLimiter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		provider:     config.Provider,
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
		limiter:      limiter,
		headers:      headers,
		logger:       logger.With(zap.String("provider", config.Provider.String())),
	}
}

// Config returns the provider configuration
func (c *Client) Config() ProviderConfig {
	return c.config
}

// Logger returns the provider-scoped logger
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

// Acquire takes a rate limit permit. The returned release func is safe to
// call more than once; only the first call releases.
func (c *Client) Acquire(ctx context.Context, estimatedTokens int) (func(), error) {
	if err := c.limiter.Acquire(ctx, estimatedTokens); err != nil {
		return nil, FromTransportError(c.provider, err)
	}
	var once sync.Once
	return func() { once.Do(c.limiter.Release) }, nil
}

// PostJSON sends payload and decodes a 2xx response into out
func (c *Client) PostJSON(ctx context.Context, path string, payload, out any) error {
	resp, err := c.do(ctx, c.httpClient, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FromTransportError(c.provider, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return NewNormalizedError(c.provider, ErrorKindServerError, "failed to decode response", resp.StatusCode, false, err)
	}
	return nil
}

// OpenStream sends payload and returns the open response body of a 2xx reply
func (c *Client) OpenStream(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	resp, err := c.do(ctx, c.streamClient, path, payload)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// do executes the request with retry on transport errors and 5xx replies.
// The request is rebuilt for every attempt so the body is never reused.
func (c *Client) do(ctx context.Context, httpClient *http.Client, path string, payload any) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, NewNormalizedError(c.provider, ErrorKindInvalidRequest, "failed to marshal request", 0, false, err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying provider request",
				zap.Int("attempt", attempt),
				zap.String("path", path),
				zap.Error(lastErr),
			)
			if err := sleep(ctx, c.config.RetryDelay*time.Duration(attempt)); err != nil {
				return nil, FromTransportError(c.provider, err)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return nil, NewNormalizedError(c.provider, ErrorKindInvalidRequest, "failed to create request", 0, false, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.headers != nil {
			c.headers(httpReq.Header)
		}
		for k, v := range c.config.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := httpClient.Do(httpReq)
		if err != nil {
			lastErr = FromTransportError(c.provider, err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxEventSize))
		resp.Body.Close()
		lastErr = FromStatus(c.provider, resp.StatusCode, body)

		if resp.StatusCode < 500 {
			break
		}
	}

	c.logger.Debug("provider request failed", zap.String("path", path), zap.Error(lastErr))
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// UnsupportedPart reports a content part the vendor cannot carry
func UnsupportedPart(provider ProviderTag, part PartType) error {
	return NewNormalizedError(provider, ErrorKindInvalidRequest,
		fmt.Sprintf("content part %q is not supported", part), 0, false, nil)
}
