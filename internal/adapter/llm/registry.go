package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"parley/internal/domain"
	"parley/internal/infra/config"
)

// Registry holds named LLM providers and a default.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]domain.LLMProvider
	defaultName string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.LLMProvider),
	}
}

// NewRegistryFromConfig builds every configured provider, wrapping each in a
// circuit breaker when enabled.
func NewRegistryFromConfig(cfg config.LLMConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, pc := range cfg.Providers {
		var p domain.LLMProvider
		switch pc.Type {
		case "openai":
			p = NewOpenAIProvider(pc, logger)
		case "anthropic":
			p = NewAnthropicProvider(pc, logger)
		case "scripted":
			p = NewScriptedProvider(pc.Name, pc.Script...)
		default:
			return nil, domain.NewDomainError("llm.NewRegistryFromConfig", domain.ErrInvalidInput,
				fmt.Sprintf("provider %q has unknown type %q", pc.Name, pc.Type))
		}
		if cfg.CircuitBreaker.Enabled && pc.Type != "scripted" {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
		}
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if cfg.DefaultProvider != "" {
		if err := r.SetDefault(cfg.DefaultProvider); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider. The first registered provider becomes the default.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	r.providers[name] = provider
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// SetDefault selects the provider used when an agent names none.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return domain.NewDomainError("Registry.SetDefault", domain.ErrNotFound, name)
	}
	r.defaultName = name
	return nil
}

// Get retrieves a provider by name. An empty name resolves to the default.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrNotFound, "provider "+name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
