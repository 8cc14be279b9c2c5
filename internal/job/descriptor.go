// Package job defines what gets scheduled: the immutable Descriptor, its ordered Params,
// the Handler contract job code implements and the Registry handlers are resolved from.
package job

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"cronsched/internal/identity"
)

// ErrConfiguration marks descriptor problems the caller has to fix.
var ErrConfiguration = errors.New("job configuration error")

// ErrFrozen is returned by every Builder setter once Build has been called.
var ErrFrozen = errors.Wrap(ErrConfiguration, "job descriptor is frozen")

// Descriptor is an immutable job definition. Copies are cheap and safe to share.
type Descriptor struct {
	id            string
	name          string
	handler       string
	cron          string
	ec            identity.ExecutionContext
	params        Params
	active        bool
	reuseInstance bool
	skipIfRunning bool
}

func (d Descriptor) ID() string { return d.id }

// Name defaults to the handler reference.
func (d Descriptor) Name() string {
	if d.name == "" {
		return d.handler
	}
	return d.name
}

func (d Descriptor) Handler() string                    { return d.handler }
func (d Descriptor) Cron() string                       { return d.cron }
func (d Descriptor) Context() identity.ExecutionContext { return d.ec }

// Params returns a copy.
func (d Descriptor) Params() Params { return d.params.Clone() }

func (d Descriptor) Active() bool        { return d.active }
func (d Descriptor) ReuseInstance() bool { return d.reuseInstance }

// SkipIfRunning drops a firing while the previous one of the same job is still running.
func (d Descriptor) SkipIfRunning() bool { return d.skipIfRunning }

// WithID returns a copy carrying id.
func (d Descriptor) WithID(id string) Descriptor {
	d.id = strings.TrimSpace(id)
	d.params = d.params.Clone()
	return d
}

// Equal reports whether two descriptors define the same job.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.id == o.id &&
		d.name == o.name &&
		d.handler == o.handler &&
		d.cron == o.cron &&
		d.ec == o.ec &&
		d.active == o.active &&
		d.reuseInstance == o.reuseInstance &&
		d.skipIfRunning == o.skipIfRunning &&
		d.params.Equal(o.params)
}

// Builder assembles a Descriptor. After Build every setter fails with ErrFrozen and
// changes nothing.
type Builder struct {
	mu     sync.Mutex
	d      Descriptor
	frozen bool
}

func NewBuilder() *Builder {
	return &Builder{d: Descriptor{active: true}}
}

// From starts a builder from an existing descriptor.
func From(d Descriptor) *Builder {
	d.params = d.params.Clone()
	return &Builder{d: d}
}

func (b *Builder) mutate(fn func(d *Descriptor) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrFrozen
	}
	return fn(&b.d)
}

func (b *Builder) SetID(id string) error {
	return b.mutate(func(d *Descriptor) error { d.id = strings.TrimSpace(id); return nil })
}

func (b *Builder) SetName(name string) error {
	return b.mutate(func(d *Descriptor) error { d.name = strings.TrimSpace(name); return nil })
}

func (b *Builder) SetHandler(ref string) error {
	return b.mutate(func(d *Descriptor) error { d.handler = strings.TrimSpace(ref); return nil })
}

func (b *Builder) SetCron(expr string) error {
	return b.mutate(func(d *Descriptor) error { d.cron = strings.TrimSpace(expr); return nil })
}

func (b *Builder) SetContext(ec identity.ExecutionContext) error {
	return b.mutate(func(d *Descriptor) error { d.ec = ec; return nil })
}

func (b *Builder) SetParam(k, v string) error {
	return b.mutate(func(d *Descriptor) error {
		if strings.TrimSpace(k) == "" {
			return errors.Wrap(ErrConfiguration, "parameter name is empty")
		}
		d.params.set(k, v)
		return nil
	})
}

// SetParams replaces all parameters.
func (b *Builder) SetParams(p Params) error {
	return b.mutate(func(d *Descriptor) error { d.params = p.Clone(); return nil })
}

func (b *Builder) SetActive(v bool) error {
	return b.mutate(func(d *Descriptor) error { d.active = v; return nil })
}

func (b *Builder) SetReuseInstance(v bool) error {
	return b.mutate(func(d *Descriptor) error { d.reuseInstance = v; return nil })
}

func (b *Builder) SetSkipIfRunning(v bool) error {
	return b.mutate(func(d *Descriptor) error { d.skipIfRunning = v; return nil })
}

// Build freezes the builder and returns the descriptor. Calling it again returns the
// same descriptor.
func (b *Builder) Build() Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
	out := b.d
	out.params = b.d.params.Clone()
	return out
}

func (b *Builder) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}
