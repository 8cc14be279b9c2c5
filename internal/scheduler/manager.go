// Package scheduler is the schedule manager: it owns the job set, registers triggers with
// the timer engine and runs each firing on the worker pool through the job runner.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"cronsched/internal/engine"
	"cronsched/internal/eventbus"
	"cronsched/internal/identity"
	"cronsched/internal/job"
	"cronsched/internal/storage"
	"cronsched/internal/trigger"
	"cronsched/internal/workerpool"
	logx "cronsched/pkg/logx"
)

type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}

// Options wires a Manager. Admin, Provider and Registry are required for useful work;
// everything else has a default.
type Options struct {
	// Admin is the identity the manager itself acts as. It is owned by the manager and
	// released on ShutDown.
	Admin    identity.Identity
	Provider identity.Provider
	Registry *job.Registry

	// Pool is used when set; otherwise one is built from PoolConfig at Initialize. A zero
	// PoolConfig means workerpool.DefaultConfig(). The manager shuts the pool down either way.
	Pool       *workerpool.Pool
	PoolConfig workerpool.Config

	EngineFactory engine.Factory
	// Jobs are registered at Initialize, best-effort.
	Jobs []job.Descriptor

	Location *time.Location
	Logger   logx.Logger
	Bus      eventbus.Bus
	Reports  storage.Store

	Now func() time.Time
}

type Manager struct {
	log      logx.Logger
	provider identity.Provider
	registry *job.Registry
	loc      *time.Location
	bus      eventbus.Bus
	now      func() time.Time
	initial  []job.Descriptor

	poolCfg       workerpool.Config
	engineFactory engine.Factory

	// mu serializes every mutating operation.
	mu      sync.Mutex
	admin   identity.Identity
	pool    *workerpool.Pool
	eng     engine.Engine
	initErr error

	state atomic.Int32
	// jobs is replaced wholesale under mu; readers load it without locking.
	jobs atomic.Pointer[[]*registration]

	runner *runner
}

func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	reg := opts.Registry
	if reg == nil {
		reg = job.NewRegistry()
	}
	poolCfg := opts.PoolConfig
	if poolCfg == (workerpool.Config{}) {
		poolCfg = workerpool.DefaultConfig()
	}
	factory := opts.EngineFactory
	if factory == nil {
		factory = engine.NewCronFactory(engine.CronOptions{Location: loc})
	}

	m := &Manager{
		log:           log,
		provider:      opts.Provider,
		registry:      reg,
		loc:           loc,
		bus:           opts.Bus,
		now:           now,
		initial:       append([]job.Descriptor(nil), opts.Jobs...),
		poolCfg:       poolCfg,
		engineFactory: factory,
		admin:         opts.Admin.Clone(),
		pool:          opts.Pool,
	}
	empty := []*registration{}
	m.jobs.Store(&empty)
	m.runner = &runner{
		ctx:      context.Background(),
		log:      log,
		provider: opts.Provider,
		bus:      opts.Bus,
		reports:  opts.Reports,
		now:      now,
	}
	return m
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Admin returns the manager's own identity; ok is false once it has been released.
func (m *Manager) Admin() (identity.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admin.Clone(), !m.admin.IsZero()
}

func (m *Manager) Location() *time.Location { return m.loc }

func (m *Manager) checkRole(ctx context.Context, caller identity.Identity) error {
	if m.provider == nil {
		if caller.HasRole(identity.RoleSchedulerAdmin) {
			return nil
		}
		return errors.Wrapf(ErrPermission, "user %q lacks role %q", caller.User, identity.RoleSchedulerAdmin)
	}
	return m.provider.CheckRole(ctx, caller, identity.RoleSchedulerAdmin)
}

// Initialize builds and starts the timer engine and registers the construction-time jobs.
//
// A job that fails to register is logged and skipped. If the engine cannot be built or
// started the manager is only good for ShutDown.
func (m *Manager) Initialize(ctx context.Context, caller identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateInitialized:
		return ErrAlreadyInitialized
	case StateShutDown:
		return ErrShutDown
	}
	if m.initErr != nil {
		return m.initErr
	}
	if err := m.checkRole(ctx, caller); err != nil {
		return err
	}
	if err := m.checkRole(ctx, m.admin); err != nil {
		return m.failInit(classify(ErrInitialization, err, "admin identity %s", m.admin))
	}

	if m.pool == nil {
		pool, err := workerpool.New(m.poolCfg, m.log.With(logx.String("comp", "workerpool")))
		if err != nil {
			return m.failInit(classify(ErrInitialization, classify(ErrConfiguration, err, "worker pool"), "build worker pool"))
		}
		m.pool = pool
	}

	eng, err := m.engineFactory(m.pool, m.log.With(logx.String("comp", "engine")))
	if err != nil {
		return m.failInit(classify(ErrInitialization, err, "build timer engine"))
	}
	if eng == nil {
		return m.failInit(classify(ErrInitialization, nil, "engine factory returned no engine"))
	}
	m.eng = eng

	var skipped *multierror.Error
	for _, d := range m.initial {
		reg, err := m.prepare(d)
		if err == nil {
			err = m.installLocked(reg)
		}
		if err != nil {
			skipped = multierror.Append(skipped, err)
			m.log.Error("initial job skipped", logx.String("job", d.Name()), logx.String("job_id", d.ID()), logx.Err(err))
		}
	}

	if err := eng.Start(); err != nil {
		return m.failInit(classify(ErrInitialization, err, "start timer engine"))
	}
	m.state.Store(int32(StateInitialized))

	fields := []logx.Field{logx.Int("jobs", len(m.list())), logx.String("tz", m.loc.String())}
	if err := skipped.ErrorOrNil(); err != nil {
		fields = append(fields, logx.Int("skipped", skipped.Len()))
	}
	m.log.Info("scheduler initialized", fields...)
	return nil
}

func (m *Manager) failInit(err error) error {
	m.initErr = err
	m.log.Error("scheduler initialization failed", logx.Err(err))
	return err
}

// ScheduleJob validates d and registers it, replacing any job with the same ID.
// On failure the previous registration stays as it was.
func (m *Manager) ScheduleJob(ctx context.Context, caller identity.Identity, d job.Descriptor) (job.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(); err != nil {
		return job.Descriptor{}, err
	}
	if err := m.checkRole(ctx, caller); err != nil {
		return job.Descriptor{}, err
	}
	reg, err := m.prepare(d)
	if err != nil {
		return job.Descriptor{}, err
	}
	if err := m.installLocked(reg); err != nil {
		return job.Descriptor{}, err
	}
	m.log.Info("job scheduled",
		logx.String("job", reg.desc.Name()),
		logx.String("job_id", reg.desc.ID()),
		logx.String("cron", reg.desc.Cron()),
		logx.Bool("active", reg.desc.Active()),
	)
	return reg.desc, nil
}

// UnscheduleJob removes the job with id and returns it.
func (m *Manager) UnscheduleJob(ctx context.Context, caller identity.Identity, id string) (job.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(); err != nil {
		return job.Descriptor{}, err
	}
	if err := m.checkRole(ctx, caller); err != nil {
		return job.Descriptor{}, err
	}
	id = strings.TrimSpace(id)

	cur := m.list()
	next := make([]*registration, 0, len(cur))
	var removed []*registration
	for _, reg := range cur {
		if reg.desc.ID() == id {
			removed = append(removed, reg)
			continue
		}
		next = append(next, reg)
	}
	if len(removed) == 0 {
		return job.Descriptor{}, errors.Wrapf(ErrJobNotFound, "job %q", id)
	}
	if len(removed) > 1 {
		m.log.Error("several jobs share one id; removing all of them", logx.String("job_id", id), logx.Int("count", len(removed)))
	}
	for _, reg := range removed {
		m.teardownLocked(reg)
	}
	m.jobs.Store(&next)

	last := removed[len(removed)-1].desc
	m.publish(eventbus.JobUnscheduled, last)
	m.log.Info("job unscheduled", logx.String("job", last.Name()), logx.String("job_id", id))
	return last, nil
}

// GetJob returns the job with id. It does not lock and may run alongside writers.
func (m *Manager) GetJob(id string) (job.Descriptor, bool) {
	for _, reg := range m.list() {
		if reg.desc.ID() == id {
			return reg.desc, true
		}
	}
	return job.Descriptor{}, false
}

// GetJobs returns a snapshot of the job set. The slice is the caller's to keep.
func (m *Manager) GetJobs() []job.Descriptor {
	cur := m.list()
	out := make([]job.Descriptor, 0, len(cur))
	for _, reg := range cur {
		out = append(out, reg.desc)
	}
	return out
}

// ShutDown stops the timer engine, lets running jobs finish (bounded by ctx) and releases
// the admin identity. Calling it again is a no-op.
func (m *Manager) ShutDown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() == StateShutDown {
		return nil
	}
	m.state.Store(int32(StateShutDown))
	start := m.now()

	var errs *multierror.Error
	if m.eng != nil {
		if err := m.eng.Stop(); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "stop timer engine"))
		}
	}
	if m.pool != nil {
		// Signal first so dispatches stuck on a saturated pool are released.
		_ = m.pool.Shutdown(ctx, false)
	}
	if m.eng != nil {
		if err := m.eng.Drain(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if m.pool != nil {
		if err := m.pool.Shutdown(ctx, true); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "shut down worker pool"))
		}
	}
	for _, reg := range m.list() {
		reg.hasEntry = false
	}
	m.admin = identity.Identity{}

	err := errs.ErrorOrNil()
	if err != nil {
		m.log.Warn("scheduler shut down with errors", logx.Duration("took", m.now().Sub(start)), logx.Err(err))
		return err
	}
	m.log.Info("scheduler shut down", logx.Duration("took", m.now().Sub(start)))
	return nil
}

func (m *Manager) usableLocked() error {
	switch m.State() {
	case StateShutDown:
		return ErrShutDown
	case StateUninitialized:
		if m.initErr != nil {
			return classify(ErrNotInitialized, m.initErr, "earlier initialization failed")
		}
		return ErrNotInitialized
	}
	return nil
}

func (m *Manager) list() []*registration {
	if p := m.jobs.Load(); p != nil {
		return *p
	}
	return nil
}

// prepare validates d and resolves everything a registration needs. It touches no state.
func (m *Manager) prepare(d job.Descriptor) (*registration, error) {
	name := d.Name()
	if strings.TrimSpace(d.Handler()) == "" {
		return nil, classify(ErrScheduling, job.ErrHandlerRequired, "job %q", name)
	}
	factory, err := m.registry.Resolve(d.Handler())
	if err != nil {
		return nil, classify(ErrScheduling, err, "job %q", name)
	}
	trig, err := trigger.ParseInLocation(d.Cron(), m.loc)
	if err != nil {
		return nil, classify(ErrScheduling, classify(ErrConfiguration, err, "cron expression"), "job %q", name)
	}
	if d.ID() == "" {
		d = d.WithID(uuid.NewString())
	}
	return &registration{desc: d, trig: trig, factory: factory}, nil
}

// installLocked puts reg into the job set, replacing registrations with the same ID.
// If the new trigger cannot be registered the old ones are put back.
func (m *Manager) installLocked(reg *registration) error {
	cur := m.list()
	var old []*registration
	for _, r := range cur {
		if r.desc.ID() == reg.desc.ID() {
			old = append(old, r)
		}
	}
	for _, r := range old {
		m.teardownLocked(r)
	}

	if reg.desc.Active() {
		if err := m.registerLocked(reg); err != nil {
			for _, r := range old {
				if !r.desc.Active() {
					continue
				}
				if rerr := m.registerLocked(r); rerr != nil {
					m.log.Error("previous trigger could not be restored", logx.String("job_id", r.desc.ID()), logx.Err(rerr))
				}
			}
			return classify(ErrScheduling, err, "job %q: register trigger", reg.desc.Name())
		}
	}

	next := make([]*registration, 0, len(cur)+1)
	placed := false
	for _, r := range cur {
		if r.desc.ID() != reg.desc.ID() {
			next = append(next, r)
			continue
		}
		// The replacement takes the slot of the first registration it replaces.
		if !placed {
			next = append(next, reg)
			placed = true
		}
	}
	if !placed {
		next = append(next, reg)
	}
	m.jobs.Store(&next)

	m.publish(eventbus.JobScheduled, reg.desc)
	if reg.desc.Active() {
		m.log.Debug("trigger registered",
			logx.String("job_id", reg.desc.ID()),
			logx.Time("next", reg.trig.Next(m.now())),
		)
	}
	return nil
}

func (m *Manager) registerLocked(reg *registration) error {
	if m.eng == nil {
		return errors.New("no timer engine")
	}
	id, err := m.eng.Register(reg.trig, func() { m.runner.fire(reg) })
	if err != nil {
		return err
	}
	reg.entry = id
	reg.hasEntry = true
	return nil
}

// teardownLocked removes reg's trigger. Failure is logged; the job is gone from the
// manager's point of view either way.
func (m *Manager) teardownLocked(reg *registration) {
	if !reg.hasEntry {
		return
	}
	reg.hasEntry = false
	if m.eng == nil {
		return
	}
	if err := m.eng.Unregister(reg.entry); err != nil {
		m.log.Error("trigger teardown failed", logx.String("job_id", reg.desc.ID()), logx.Err(err))
	}
}

func (m *Manager) publish(typ string, d job.Descriptor) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: JobEvent{ID: d.ID(), Name: d.Name(), Handler: d.Handler()}})
}
