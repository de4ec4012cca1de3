package llm

import (
	"fmt"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/config"
)

// Registry manages the configured providers by name.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// FromConfig builds one adapter per configured provider.
func FromConfig(cfgs []config.ProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for _, c := range cfgs {
		switch c.Kind {
		case "openai":
			r.Register(NewOpenAI(c))
		case "gemini":
			r.Register(NewGemini(c))
		case "anthropic":
			r.Register(NewAnthropic(c))
		default:
			return nil, fmt.Errorf("provider %q: unsupported kind %q", c.Name, c.Kind)
		}
	}
	return r, nil
}

// Register adds p, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	if _, ok := r.providers[p.Name()]; !ok {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unknown provider %q", name)
	}
	return p, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// Names lists providers in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
