// Package providers models the external integrations (search console,
// analytics, ads, SERP, ...) behind one uniform health and rate-limit
// seam. Concrete API clients live outside the control plane; here each
// provider is a registered descriptor plus credential presence checks.
package providers

import (
	"os"
	"sort"
	"sync"
	"time"

	"missionctl/internal/errors"
	"missionctl/internal/rate"
	"missionctl/internal/shared/logging"
)

// AuthStatus reports credential health.
type AuthStatus string

const (
	AuthValid   AuthStatus = "valid"
	AuthExpired AuthStatus = "expired"
	AuthMissing AuthStatus = "missing"
)

// Health is the uniform health contract every provider exposes.
type Health struct {
	Provider           string      `json:"provider"`
	AuthStatus         AuthStatus  `json:"authStatus"`
	ScopesDetected     []string    `json:"scopesDetected"`
	LastSuccessfulCall *time.Time  `json:"lastSuccessfulCall,omitempty"`
	RateLimitStatus    rate.Status `json:"rateLimitStatus"`
	QuotaRemaining     *int        `json:"quotaRemaining,omitempty"`
}

// Descriptor registers one provider: its credential env var and the
// scopes the credential grants when present.
type Descriptor struct {
	Name          string   `json:"name"`
	CredentialEnv string   `json:"credentialEnv"`
	Scopes        []string `json:"scopes"`
}

// DefaultDescriptors lists the integrations the watchdog polls.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{Name: rate.ProviderSERP, CredentialEnv: "MISSIONCTL_SERP_API_KEY", Scopes: []string{"serp.read"}},
		{Name: rate.ProviderGSC, CredentialEnv: "MISSIONCTL_GSC_CREDENTIALS", Scopes: []string{"webmasters.readonly"}},
		{Name: rate.ProviderGA4, CredentialEnv: "MISSIONCTL_GA4_CREDENTIALS", Scopes: []string{"analytics.readonly"}},
		{Name: rate.ProviderAds, CredentialEnv: "MISSIONCTL_ADS_CREDENTIALS", Scopes: []string{"adwords.readonly"}},
		{Name: rate.ProviderAhrefs, CredentialEnv: "MISSIONCTL_AHREFS_API_KEY", Scopes: []string{"backlinks.read"}},
		{Name: rate.ProviderPerplexity, CredentialEnv: "MISSIONCTL_PERPLEXITY_API_KEY", Scopes: []string{"chat"}},
	}
}

// Registry resolves provider health against the limiter.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Descriptor
	limiter *rate.Limiter
	logger  logging.Logger
}

// NewRegistry builds a registry over the given descriptors.
func NewRegistry(descriptors []Descriptor, limiter *rate.Limiter, logger logging.Logger) *Registry {
	r := &Registry{
		byName:  make(map[string]Descriptor, len(descriptors)),
		limiter: limiter,
		logger:  logging.OrNop(logger),
	}
	for _, d := range descriptors {
		r.byName[d.Name] = d
	}
	return r
}

// Register adds or replaces a provider descriptor.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[d.Name] = d
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health resolves the health contract for one provider.
func (r *Registry) Health(name string) (Health, error) {
	r.mu.RLock()
	d, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return Health{}, errors.Newf(errors.CodeNotFound, "provider %s not registered", name)
	}

	h := Health{Provider: name, AuthStatus: AuthMissing, ScopesDetected: []string{}}
	if d.CredentialEnv != "" && os.Getenv(d.CredentialEnv) != "" {
		h.AuthStatus = AuthValid
		h.ScopesDetected = append(h.ScopesDetected, d.Scopes...)
	}
	status, remaining := r.limiter.ProviderStatus(name)
	h.RateLimitStatus = status
	h.QuotaRemaining = &remaining
	if last := r.limiter.LastSuccess(name); !last.IsZero() {
		at := last
		h.LastSuccessfulCall = &at
	}
	return h, nil
}

// HealthAll resolves health for every registered provider.
func (r *Registry) HealthAll() []Health {
	var out []Health
	for _, name := range r.Names() {
		if h, err := r.Health(name); err == nil {
			out = append(out, h)
		}
	}
	return out
}
