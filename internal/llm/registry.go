package llm

import "fmt"

// NewProvider builds a named provider. Unknown names fail fast at
// startup rather than at first request.
func NewProvider(name, apiKey, baseURL string) (Provider, error) {
	switch name {
	case "openai":
		return NewOpenAIProvider(apiKey, baseURL), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

// Registry holds the configured providers with a designated default.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{providers: map[string]Provider{}, fallback: defaultName}
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Lookup returns the named provider, or the default when name is
// empty.
func (r *Registry) Lookup(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q is not configured", name)
	}
	return p, nil
}
