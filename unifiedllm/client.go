package unifiedllm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Middleware wraps a provider call. It receives the request and a next function
// that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client is the core orchestration layer. It holds registered provider adapters,
// routes requests by provider identifier, and applies middleware.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// resolveProvider determines which provider adapter to use for a request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		// Try to infer from model catalog.
		if info := GetModelInfo(req.Model); info != nil {
			if _, ok := c.providers[info.Provider]; ok {
				name = info.Provider
			}
		}
	}
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &Error{Kind: KindConfig, Message: "no provider specified and no default provider configured"}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &Error{Kind: KindConfig, Message: fmt.Sprintf("provider %q is not registered", name)}
	}
	return adapter, nil
}

// Complete sends a blocking request through middleware to the resolved provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}

	// Ensure provider is set on request.
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	// Build the middleware chain.
	handler := func(ctx context.Context, r Request) (*Response, error) {
		return adapter.Complete(ctx, r)
	}

	// Apply middleware in reverse order so first registered runs first.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// Stream sends a streaming request to the resolved provider. Middleware is
// not applied: a partly delivered stream cannot be replayed.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return adapter.Stream(ctx, req)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ClientConfig selects and configures the provider behind a Client.
type ClientConfig struct {
	Provider       string
	Model          string
	Endpoint       string
	APIKey         string
	Temperature    *float64
	MaxTokens      int
	MaxRetries     int
	RequestTimeout time.Duration
}

// NewClientFromConfig creates a Client with a single provider adapter chosen
// by cfg.Provider: "ollama" uses the native Ollama adapter, anything else is
// handed to gollm. Non-streaming completions are retried cfg.MaxRetries times.
func NewClientFromConfig(cfg ClientConfig) (*Client, error) {
	var adapter ProviderAdapter
	switch cfg.Provider {
	case "", "ollama":
		adapter = NewOllamaAdapter(cfg.Endpoint,
			WithOllamaTimeout(cfg.RequestTimeout),
			WithOllamaOptions(ollamaOptions(cfg)),
		)
	default:
		ga, err := NewGollmAdapter(cfg)
		if err != nil {
			return nil, err
		}
		adapter = ga
	}

	opts := []ClientOption{WithProvider(adapter.Name(), adapter)}
	if cfg.MaxRetries > 0 {
		policy := DefaultRetryPolicy()
		policy.MaxRetries = cfg.MaxRetries
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			slog.Warn("retrying model request",
				slog.String("provider", adapter.Name()),
				slog.String("kind", string(KindOf(err))),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err))
		}
		opts = append(opts, WithMiddleware(RetryMiddleware(policy)))
	}
	return NewClient(opts...), nil
}

func ollamaOptions(cfg ClientConfig) map[string]interface{} {
	opts := map[string]interface{}{}
	if cfg.Temperature != nil {
		opts["temperature"] = *cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		opts["num_predict"] = cfg.MaxTokens
	}
	return opts
}
