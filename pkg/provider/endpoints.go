package provider

import (
	"fmt"
)

// AuthStyle selects how an endpoint expects the credential secret.
type AuthStyle string

const (
	// AuthQueryKey appends ?key=<secret> to the URL.
	AuthQueryKey AuthStyle = "query_key"
	// AuthBearer sends Authorization: Bearer <secret>.
	AuthBearer AuthStyle = "bearer"
)

// Endpoint describes one named variant of the upstream URL plus auth style.
type Endpoint struct {
	Name            string    `yaml:"name"`
	BaseURL         string    `yaml:"base_url"`
	Auth            AuthStyle `yaml:"auth"`
	PreferredModels []string  `yaml:"preferred_models"`
}

// GenerateURL builds the generateContent URL for a model.
func (e Endpoint) GenerateURL(model string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", e.BaseURL, model)
}

// Registry holds the known endpoints and the fallback order tried when the
// active endpoint reports overload.
type Registry struct {
	endpoints map[string]Endpoint
	fallback  []string
}

// NewRegistry builds a registry; fallback lists endpoint names in the order
// they should be tried on overload.
func NewRegistry(endpoints []Endpoint, fallback []string) *Registry {
	m := make(map[string]Endpoint, len(endpoints))
	for _, e := range endpoints {
		m[e.Name] = e
	}
	return &Registry{endpoints: m, fallback: fallback}
}

// DefaultRegistry returns the stock Gemini endpoint set: the primary API
// (query-key auth) and a bearer-auth proxy.
func DefaultRegistry() *Registry {
	return NewRegistry([]Endpoint{
		{
			Name:            "primary",
			BaseURL:         "https://generativelanguage.googleapis.com",
			Auth:            AuthQueryKey,
			PreferredModels: []string{DefaultModel},
		},
		{
			Name:    "proxy-a",
			BaseURL: "https://gemini-proxy.internal",
			Auth:    AuthBearer,
		},
	}, []string{"primary", "proxy-a"})
}

// Lookup returns the endpoint descriptor by name.
func (r *Registry) Lookup(name string) (Endpoint, bool) {
	e, ok := r.endpoints[name]
	return e, ok
}

// FallbackOrder returns the endpoint names tried on overload.
func (r *Registry) FallbackOrder() []string {
	return r.fallback
}

// ModelPreferred reports whether the endpoint declares the model preferred.
// Implements keypool.EndpointCatalog.
func (r *Registry) ModelPreferred(endpoint, model string) bool {
	e, ok := r.endpoints[endpoint]
	if !ok {
		return false
	}
	for _, m := range e.PreferredModels {
		if m == model {
			return true
		}
	}
	return false
}
