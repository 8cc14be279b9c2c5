package job

import (
	"cronsched/internal/identity"
)

// Spec is the configuration form of a job.
type Spec struct {
	ID            string                    `json:"id,omitempty"`
	Name          string                    `json:"name" validate:"required"`
	Handler       string                    `json:"handler" validate:"required"`
	Cron          string                    `json:"cron" validate:"required,cron"`
	Active        *bool                     `json:"active,omitempty"`
	ReuseInstance bool                      `json:"reuse_instance,omitempty"`
	SkipIfRunning bool                      `json:"skip_if_running,omitempty"`
	Context       identity.ExecutionContext `json:"context,omitempty"`
	Params        Params                    `json:"params,omitempty"`
}

// IsActive reports the effective active flag; unset means active.
func (s Spec) IsActive() bool { return s.Active == nil || *s.Active }

// FromSpec returns an unfrozen builder populated from s. The ID defaults to the name so
// configured jobs keep a stable identity across reloads.
func FromSpec(s Spec) (*Builder, error) {
	b := NewBuilder()
	id := s.ID
	if id == "" {
		id = s.Name
	}
	for _, fn := range []func() error{
		func() error { return b.SetID(id) },
		func() error { return b.SetName(s.Name) },
		func() error { return b.SetHandler(s.Handler) },
		func() error { return b.SetCron(s.Cron) },
		func() error { return b.SetActive(s.IsActive()) },
		func() error { return b.SetReuseInstance(s.ReuseInstance) },
		func() error { return b.SetSkipIfRunning(s.SkipIfRunning) },
		func() error { return b.SetContext(s.Context) },
		func() error { return b.SetParams(s.Params) },
	} {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ToSpec converts d back into its configuration form.
func ToSpec(d Descriptor) Spec {
	active := d.Active()
	return Spec{
		ID:            d.ID(),
		Name:          d.Name(),
		Handler:       d.Handler(),
		Cron:          d.Cron(),
		Active:        &active,
		ReuseInstance: d.ReuseInstance(),
		SkipIfRunning: d.SkipIfRunning(),
		Context:       d.Context(),
		Params:        d.Params(),
	}
}
