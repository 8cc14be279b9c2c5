package job

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"cronsched/internal/identity"
)

var (
	ErrHandlerRequired = errors.Wrap(ErrConfiguration, "handler reference is required")
	ErrUnknownHandler  = errors.Wrap(ErrConfiguration, "unknown handler")
	ErrDuplicate       = errors.New("handler already registered")
)

// Handler is the single contract the scheduler depends on from job code.
//
// id is nil when the job has no execution context. A non-empty result is logged as a
// human-readable execution summary; it has no other effect.
type Handler interface {
	Execute(ctx context.Context, id *identity.Identity, params Params) (string, error)
}

type HandlerFunc func(ctx context.Context, id *identity.Identity, params Params) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, id *identity.Identity, params Params) (string, error) {
	return f(ctx, id, params)
}

// Factory creates a handler instance. It is called per firing unless the job reuses its
// instance.
type Factory func() (Handler, error)

// Static returns a Factory that always yields h.
func Static(h Handler) Factory {
	return func() (Handler, error) { return h, nil }
}

// Registry maps handler references to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(ref string, f Factory) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ErrHandlerRequired
	}
	if f == nil {
		return errors.Newf("handler %q: nil factory", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[ref]; ok {
		return errors.Wrapf(ErrDuplicate, "handler %q", ref)
	}
	r.factories[ref] = f
	return nil
}

func (r *Registry) MustRegister(ref string, f Factory) {
	if err := r.Register(ref, f); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(ref string) (Factory, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrHandlerRequired
	}
	r.mu.RLock()
	f, ok := r.factories[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandler, "handler %q", ref)
	}
	return f, nil
}

// Refs returns the registered references, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for ref := range r.factories {
		out = append(out, ref)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
