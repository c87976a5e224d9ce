package llm

import (
	"context"
	"errors"
	"fmt"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
// fallback may be nil, in which case unknown models fail with
// [ErrModelUnavailable].
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// clientFor returns the appropriate client for a model.
func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, nil
		}
		return nil, fmt.Errorf("provider %q for model %q not configured: %w", provider, model, ErrModelUnavailable)
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider for model %q: %w", model, ErrModelUnavailable)
	}
	return m.fallback, nil
}

// Chat sends a request to the appropriate provider for the model.
func (m *MultiClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	client, err := m.clientFor(req.Model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, req)
}

// ChatStream sends a streaming request to the appropriate provider.
func (m *MultiClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	client, err := m.clientFor(req.Model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, req, callback)
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	var errs []error
	seen := make(map[Client]bool)
	check := func(name string, c Client) {
		if c == nil || seen[c] {
			return
		}
		seen[c] = true
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	check("fallback", m.fallback)
	for name, c := range m.clients {
		check(name, c)
	}
	if len(seen) == 0 {
		return fmt.Errorf("no providers configured: %w", ErrModelUnavailable)
	}
	return errors.Join(errs...)
}
