// Package proxy forwards verified device requests to upstream AI providers
// with the server-held credential injected.
package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/HailBahafi/KeyGuard-sub002/internal/config"
)

// Provider is one entry of the closed provider table.
type Provider struct {
	Name string
	// Credential is the name the credential source resolves.
	Credential string
	BaseURL    *url.URL
	APIVersion string
	inject     func(h http.Header, q url.Values, secret, apiVersion string)
}

// Inject writes the provider credential into an outgoing request.
func (p *Provider) Inject(h http.Header, q url.Values, secret string) {
	p.inject(h, q, secret, p.APIVersion)
}

type builtinProvider struct {
	baseURL    string
	apiVersion string
	inject     func(h http.Header, q url.Values, secret, apiVersion string)
}

var builtinProviders = map[string]builtinProvider{
	"openai": {
		baseURL: "https://api.openai.com",
		inject: func(h http.Header, _ url.Values, secret, _ string) {
			h.Set("Authorization", "Bearer "+secret)
		},
	},
	"anthropic": {
		baseURL:    "https://api.anthropic.com",
		apiVersion: "2023-06-01",
		inject: func(h http.Header, _ url.Values, secret, apiVersion string) {
			h.Set("X-Api-Key", secret)
			if h.Get("Anthropic-Version") == "" {
				h.Set("Anthropic-Version", apiVersion)
			}
		},
	},
	"google": {
		baseURL: "https://generativelanguage.googleapis.com",
		inject: func(h http.Header, _ url.Values, secret, _ string) {
			h.Set("X-Goog-Api-Key", secret)
		},
	},
	// Azure has no global endpoint; base_url must name the resource.
	"azure": {
		apiVersion: "2024-06-01",
		inject: func(h http.Header, q url.Values, secret, apiVersion string) {
			h.Set("Api-Key", secret)
			if q.Get("api-version") == "" {
				q.Set("api-version", apiVersion)
			}
		},
	},
}

// credentialHeaders are removed from every incoming request so a client can
// never smuggle its own provider key upstream.
var credentialHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Api-Key",
	"X-Goog-Api-Key",
	"Cookie",
	"Proxy-Authorization",
}

// Providers is the resolved provider table.
type Providers struct {
	byName map[string]*Provider
}

// NewProviders builds the provider table from the built-in entries and the
// configured overrides. Providers without a base URL are left out.
func NewProviders(overrides map[string]config.ProviderConfig) (*Providers, error) {
	ps := &Providers{byName: make(map[string]*Provider, len(builtinProviders))}

	for name := range overrides {
		if _, ok := builtinProviders[strings.ToLower(name)]; !ok {
			return nil, fmt.Errorf("provider %q is not supported", name)
		}
	}

	for name, b := range builtinProviders {
		o := overrides[name]

		base := b.baseURL
		if o.BaseURL != "" {
			base = o.BaseURL
		}
		if base == "" {
			continue
		}
		u, err := url.Parse(strings.TrimSuffix(base, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("provider %s: invalid base url %q", name, base)
		}

		p := &Provider{
			Name:       name,
			Credential: name,
			BaseURL:    u,
			APIVersion: b.apiVersion,
			inject:     b.inject,
		}
		if o.Credential != "" {
			p.Credential = o.Credential
		}
		if o.APIVersion != "" {
			p.APIVersion = o.APIVersion
		}
		ps.byName[name] = p
	}
	return ps, nil
}

// Lookup returns the provider with name.
func (ps *Providers) Lookup(name string) (*Provider, bool) {
	p, ok := ps.byName[strings.ToLower(name)]
	return p, ok
}

// Names returns the enabled provider names in sorted order.
func (ps *Providers) Names() []string {
	names := make([]string, 0, len(ps.byName))
	for name := range ps.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
