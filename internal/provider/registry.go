// Package provider implements the provider registry: named provider
// handles with capability descriptors, pricing, credential validation,
// and normalized invocation errors.
package provider

import (
	"context"
	"sync"
	"sync/atomic"

	"taskforge/internal/logging"
	"taskforge/internal/token"
)

// Handle bundles everything the registry knows about one provider.
type Handle struct {
	Name       string
	Config     ClientConfig
	Descriptor Descriptor
	Pricing    map[string]Pricing // model -> rates
	Client     Client
	Valid      bool
}

// Registry maps provider names to handles. Mutation is serialized under
// a mutex; reads go through an atomically swapped copy-on-write map so
// hot-path lookups never take a lock.
type Registry struct {
	mu        sync.Mutex
	snapshot  atomic.Value // map[string]*Handle
	estimator *token.Estimator
}

// NewRegistry creates an empty registry backed by the given estimator.
func NewRegistry(estimator *token.Estimator) *Registry {
	r := &Registry{estimator: estimator}
	r.snapshot.Store(make(map[string]*Handle))
	return r
}

func (r *Registry) load() map[string]*Handle {
	return r.snapshot.Load().(map[string]*Handle)
}

// publish replaces the snapshot with a copy carrying the mutation.
// Caller must hold r.mu.
func (r *Registry) publish(mutate func(map[string]*Handle)) {
	old := r.load()
	next := make(map[string]*Handle, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	mutate(next)
	r.snapshot.Store(next)
}

// Register adds or atomically replaces a provider. Idempotent.
func (r *Registry) Register(name string, cfg ClientConfig, desc Descriptor, pricing map[string]Pricing, client Client) {
	if client == nil {
		cfg.Name = name
		client = NewHTTPClient(cfg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(func(m map[string]*Handle) {
		m[name] = &Handle{
			Name:       name,
			Config:     cfg,
			Descriptor: desc,
			Pricing:    pricing,
			Client:     client,
			Valid:      false,
		}
	})
	logging.Get(logging.CategoryProvider).Info("Registered provider %q (%d models priced)", name, len(pricing))
}

// Get returns the handle for a provider, or nil.
func (r *Registry) Get(name string) *Handle {
	return r.load()[name]
}

// Names returns all registered provider names.
func (r *Registry) Names() []string {
	m := r.load()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	return out
}

// ValidNames returns the providers that passed validation.
func (r *Registry) ValidNames() []string {
	m := r.load()
	out := make([]string, 0, len(m))
	for name, h := range m {
		if h.Valid {
			out = append(out, name)
		}
	}
	return out
}

// Validate performs a credential round-trip for one provider and records
// the outcome. A single failing provider is non-fatal; the caller decides
// whether zero valid providers is fatal.
func (r *Registry) Validate(ctx context.Context, name string) bool {
	h := r.Get(name)
	if h == nil {
		return false
	}
	err := h.Client.Validate(ctx)
	valid := err == nil
	if err != nil {
		logging.Get(logging.CategoryProvider).Warn("Provider %q failed validation: %v", name, err)
	}
	r.setValid(name, valid)
	return valid
}

// MarkInvalid flags a provider as unusable for the rest of the run
// (e.g. after an auth failure mid-flight).
func (r *Registry) MarkInvalid(name string) {
	r.setValid(name, false)
}

func (r *Registry) setValid(name string, valid bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(func(m map[string]*Handle) {
		if h, ok := m[name]; ok {
			c := *h
			c.Valid = valid
			m[name] = &c
		}
	})
}

// Invoke passes a request through to the named provider. Errors are
// normalized to the *Error taxonomy; an auth failure additionally marks
// the provider invalid for the run.
func (r *Registry) Invoke(ctx context.Context, name string, req Request) (*Response, error) {
	h := r.Get(name)
	if h == nil {
		return nil, NewError(KindValidation, "unknown provider %q", name)
	}
	resp, err := h.Client.Complete(ctx, req)
	if err != nil {
		if KindOf(err) == KindProviderAuth {
			r.MarkInvalid(name)
		}
		return nil, err
	}
	return resp, nil
}

// Tokenize estimates the token count of text for a provider's model.
func (r *Registry) Tokenize(name, text, model string) int {
	return r.estimator.EstimateTokens(name, model, text)
}

// PricingFor returns the rates for provider:model, and whether they are
// configured.
func (r *Registry) PricingFor(name, model string) (Pricing, bool) {
	h := r.Get(name)
	if h == nil {
		return Pricing{}, false
	}
	p, ok := h.Pricing[model]
	return p, ok
}
