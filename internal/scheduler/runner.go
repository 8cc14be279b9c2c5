package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"cronsched/internal/engine"
	"cronsched/internal/eventbus"
	"cronsched/internal/identity"
	"cronsched/internal/job"
	"cronsched/internal/storage"
	"cronsched/internal/trigger"
	logx "cronsched/pkg/logx"
)

// registration is one job as the manager holds it. desc, trig and factory never change
// after construction; entry is guarded by the manager mutex.
type registration struct {
	desc    job.Descriptor
	trig    *trigger.Trigger
	factory job.Factory

	entry    engine.EntryID
	hasEntry bool

	mu     sync.Mutex
	cached job.Handler

	state runState
}

// handler returns the instance for one firing. With ReuseInstance the first instance that
// is created successfully is kept for every later firing.
func (g *registration) handler() (job.Handler, error) {
	if !g.desc.ReuseInstance() {
		return instantiate(g.factory)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cached != nil {
		return g.cached, nil
	}
	h, err := instantiate(g.factory)
	if err != nil {
		return nil, err
	}
	g.cached = h
	return h, nil
}

func instantiate(f job.Factory) (h job.Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = errors.Wrapf(ErrHandlerInstantiation, "factory panicked: %v", r)
		}
	}()
	h, err = f()
	if err != nil {
		return nil, classify(ErrHandlerInstantiation, err, "factory")
	}
	if h == nil {
		return nil, errors.Wrap(ErrHandlerInstantiation, "factory returned no handler")
	}
	return h, nil
}

// runState tracks whether a job is in flight; used only with SkipIfRunning.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// JobEvent is the payload of job lifecycle events.
type JobEvent struct {
	ID      string
	Name    string
	Handler string
	Started time.Time
	Took    time.Duration
	Result  string
	Error   string
}

// runner executes firings. It never lets a failure escape into the worker or the timer.
type runner struct {
	ctx      context.Context
	log      logx.Logger
	provider identity.Provider
	bus      eventbus.Bus
	reports  storage.Store
	now      func() time.Time
}

// fire is the single entry point the timer engine reaches, on a pool goroutine.
func (r *runner) fire(reg *registration) {
	if reg == nil {
		r.log.Error("firing without a job registration")
		return
	}
	d := reg.desc
	log := r.log.With(logx.String("job", d.Name()), logx.String("job_id", d.ID()))

	if d.SkipIfRunning() {
		if !reg.state.tryAcquire() {
			log.Debug("job skipped due to overlap")
			r.finish(reg, r.now(), 0, storage.OutcomeSkipped, "", ErrOverlapSkip, eventbus.JobSkipped)
			return
		}
		defer reg.state.release()
	}

	started := r.now()
	h, err := reg.handler()
	if err != nil {
		log.Error("handler instantiation failed", logx.String("handler", d.Handler()), logx.Err(err))
		r.finish(reg, started, 0, storage.OutcomeNotCreated, "", err, eventbus.JobFailed)
		return
	}

	var id *identity.Identity
	if ec := d.Context(); !ec.IsZero() {
		scoped, err := r.scopedIdentity(ec)
		if err != nil {
			log.Error("execution identity unavailable; firing skipped", logx.String("user", ec.User), logx.String("project", ec.Project), logx.Err(err))
			r.finish(reg, started, 0, storage.OutcomeNoIdentity, "", err, eventbus.JobFailed)
			return
		}
		id = &scoped
	}

	r.publish(eventbus.JobStarted, JobEvent{ID: d.ID(), Name: d.Name(), Handler: d.Handler(), Started: started})
	log.Debug("job started")

	result, stack, err := r.execute(h, id, d.Params())
	took := r.now().Sub(started)
	if err != nil {
		fields := []logx.Field{logx.Duration("took", took), logx.Err(err)}
		if stack != "" {
			fields = append(fields, logx.Stack(stack))
		}
		log.Error("job failed", fields...)
		r.finish(reg, started, took, storage.OutcomeFailed, result, err, eventbus.JobFailed)
		return
	}
	if strings.TrimSpace(result) != "" {
		log.Info("job result", logx.String("result", result), logx.Duration("took", took))
	} else {
		log.Debug("job finished", logx.Duration("took", took))
	}
	r.finish(reg, started, took, storage.OutcomeOK, result, nil, eventbus.JobFinished)
}

func (r *runner) scopedIdentity(ec identity.ExecutionContext) (identity.Identity, error) {
	if r.provider == nil {
		return identity.Identity{}, errors.New("no identity provider configured")
	}
	return r.provider.CreateScopedIdentity(r.ctx, ec)
}

// execute runs the handler, turning a returned error or a panic into ErrHandlerExecution.
func (r *runner) execute(h job.Handler, id *identity.Identity, params job.Params) (result, stack string, err error) {
	defer func() {
		if p := recover(); p != nil {
			stack = string(debug.Stack())
			err = classify(ErrHandlerExecution, nil, "handler panicked: %v", p)
		}
	}()
	result, err = h.Execute(r.ctx, id, params)
	if err != nil {
		return result, fmt.Sprintf("%+v", err), classify(ErrHandlerExecution, err, "handler returned an error")
	}
	return result, "", nil
}

func (r *runner) finish(reg *registration, started time.Time, took time.Duration, outcome storage.Outcome, result string, err error, event string) {
	d := reg.desc
	ev := JobEvent{ID: d.ID(), Name: d.Name(), Handler: d.Handler(), Started: started, Took: took, Result: result}
	if err != nil {
		ev.Error = err.Error()
	}
	// The report lands before the event so subscribers can read it back.
	defer r.publish(event, ev)

	if r.reports == nil {
		return
	}
	rec := storage.RunRecord{
		JobID:     d.ID(),
		JobName:   d.Name(),
		Handler:   d.Handler(),
		StartedAt: started,
		Took:      took,
		Outcome:   outcome,
		Result:    result,
		Error:     ev.Error,
	}
	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()
	if err := r.reports.AppendRun(ctx, rec); err != nil {
		r.log.Warn("run report append failed", logx.String("job_id", d.ID()), logx.Err(err))
	}
}

func (r *runner) publish(typ string, ev JobEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: ev})
}
