package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages registered providers and routes chat requests to the
// default one, falling back through the remaining providers in
// registration order when it fails.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	defaults  string
	logger    *zap.Logger
}

// NewRouter creates an empty provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Register adds a provider. The first registered provider becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID()]; !ok {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider",
		zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault selects the provider used first for every request.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Chat routes a request to the default provider, then the others.
func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.providers[r.defaults]
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider registered")
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("default provider failed, trying fallbacks",
		zap.String("provider", primary.ID()), zap.Error(err))

	for _, id := range order {
		if id == primary.ID() {
			continue
		}
		r.mu.RLock()
		fb := r.providers[id]
		r.mu.RUnlock()
		if fb == nil {
			continue
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed",
			zap.String("provider", id), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed: %w", err)
}

// IDs returns the registered provider IDs in registration order.
func (r *Router) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
