package adapters

import (
	"strings"

	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
)

type Registry struct {
	factories map[string]webhookdomain.AdapterFactory
}

func NewRegistry(factories ...webhookdomain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]webhookdomain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.factories[provider]
	return ok
}

func (r *Registry) NewAdapter(provider string, cfg webhookdomain.AdapterConfig) (webhookdomain.Adapter, error) {
	if r == nil {
		return nil, webhookdomain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	factory, ok := r.factories[provider]
	if !ok {
		return nil, webhookdomain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}
