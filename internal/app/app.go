// Package app wires configuration, logging, the run report and the schedule manager into
// a long-running process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"cronsched/internal/config"
	"cronsched/internal/eventbus"
	"cronsched/internal/handlers"
	"cronsched/internal/identity"
	"cronsched/internal/job"
	"cronsched/internal/runtime/supervisor"
	"cronsched/internal/scheduler"
	"cronsched/internal/storage"
	logx "cronsched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	users    *identity.Static
	registry *job.Registry
	admin    identity.Identity
	mgr      *scheduler.Manager
}

// Option adjusts an App before it is built. Used by tests and embedders.
type Option func(*options)

type options struct {
	register []func(*job.Registry) error
	now      func() time.Time
}

// WithHandlers lets the caller add handlers next to the built-in ones.
func WithHandlers(fn func(*job.Registry) error) Option {
	return func(o *options) { o.register = append(o.register, fn) }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(cfg.Logging.ToLogx())
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := openStore(cfg, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	registry := job.NewRegistry()
	if err := handlers.Register(registry, handlers.Deps{Log: root.With(logx.String("comp", "handlers")), Reports: store, Now: o.now}); err != nil {
		return nil, closeOnErr(err, store, logSvc)
	}
	for _, fn := range o.register {
		if err := fn(registry); err != nil {
			return nil, closeOnErr(errors.Wrap(err, "register handlers"), store, logSvc)
		}
	}

	// Handlers are known now, so the config can be checked in full.
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.ValidateHandlers(c, registry.Refs())
	})
	if cfg, err = cfgm.Load(context.Background()); err != nil {
		return nil, closeOnErr(err, store, logSvc)
	}

	users := identity.NewStatic(cfg.Users()...)
	admin, err := users.Resolve(cfg.Scheduler.AdminUser)
	if err != nil {
		return nil, closeOnErr(errors.Wrap(err, "scheduler.admin_user"), store, logSvc)
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, closeOnErr(errors.Wrap(err, "scheduler.timezone"), store, logSvc)
	}
	poolCfg, err := cfg.Pool.ToPool()
	if err != nil {
		return nil, closeOnErr(err, store, logSvc)
	}
	jobs, err := descriptors(cfg.Jobs)
	if err != nil {
		return nil, closeOnErr(err, store, logSvc)
	}

	mgr := scheduler.NewManager(scheduler.Options{
		Admin:      admin,
		Provider:   users,
		Registry:   registry,
		PoolConfig: poolCfg,
		Jobs:       jobs,
		Location:   loc,
		Logger:     root,
		Bus:        bus,
		Reports:    store,
		Now:        o.now,
	})

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		users:    users,
		registry: registry,
		admin:    admin,
		mgr:      mgr,
	}, nil
}

func closeOnErr(err error, store storage.Store, logs *logx.Service) error {
	if store != nil {
		_ = store.Close()
	}
	if logs != nil {
		_ = logs.Close()
	}
	return err
}

func descriptors(specs []job.Spec) ([]job.Descriptor, error) {
	out := make([]job.Descriptor, 0, len(specs))
	for i, s := range specs {
		b, err := job.FromSpec(s)
		if err != nil {
			return nil, errors.Wrapf(err, "jobs[%d]", i)
		}
		out = append(out, b.Build())
	}
	return out, nil
}

func (a *App) Manager() *scheduler.Manager { return a.mgr }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start initializes the manager and begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))

	if err := a.mgr.Initialize(a.sup.Context(), a.admin); err != nil {
		a.sup.Cancel()
		return err
	}
	a.logSchedule()

	// Keep this debug-level to avoid noise for frequent jobs.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if ev, ok := e.Data.(scheduler.JobEvent); ok {
					fields = append(fields, logx.String("job_id", ev.ID))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				if err := a.apply(c, lastApplied, newCfg); err != nil {
					a.log.Warn("config reload applied partially", logx.Err(err))
				}
				lastApplied = newCfg
			}
		}
	})

	a.log.Info("started", logx.String("config", a.cfgPath), logx.Int("jobs", len(a.mgr.GetJobs())))
	return nil
}

func (a *App) logSchedule() {
	snap := a.mgr.Snapshot()
	for _, j := range snap.Jobs {
		fields := []logx.Field{logx.String("job", j.Name), logx.String("job_id", j.ID), logx.String("cron", j.Cron), logx.Bool("active", j.Active)}
		if !j.Next.IsZero() {
			fields = append(fields, logx.Time("next", j.Next))
		}
		a.log.Info("job schedule", fields...)
	}
}

// Stop shuts the manager down, letting running jobs finish within ctx, then closes the
// run report and logging.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: only the resources New opened need releasing.
		return closeOnErr(nil, a.store, a.logs)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Background loops unwind first so no reload races the shutdown.
	a.sup.Cancel()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(a.step(ctx, "scheduler", 0, a.mgr.ShutDown))
	record(a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait))
	record(a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	}))

	c := a.sup.Counters()
	a.log.Info("stopped",
		logx.String("reason", string(reason)),
		logx.Int("goroutines_active", int(c.Active)),
		logx.Int("goroutine_panics", int(c.Panics)),
		logx.Int("events_dropped", int(a.bus.Dropped())),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}

// step runs one shutdown step. A positive max bounds it further than ctx; it never
// extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return errors.Wrapf(err, "stop %s", name)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it does not, report when it eventually returns.
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return errors.Wrapf(stepCtx.Err(), "stop %s", name)
	}
}

// String summarizes the app for the CLI.
func (a *App) String() string {
	snap := a.mgr.Snapshot()
	return fmt.Sprintf("cronsched(%s, %d jobs, tz=%s)", snap.State, len(snap.Jobs), snap.Timezone)
}
