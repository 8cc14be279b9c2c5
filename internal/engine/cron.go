package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	logx "cronsched/pkg/logx"
)

type CronOptions struct {
	Location *time.Location
}

// NewCronFactory returns a Factory producing robfig/cron backed engines.
func NewCronFactory(opts CronOptions) Factory {
	return func(pool Submitter, log logx.Logger) (Engine, error) {
		return NewCron(pool, log, opts)
	}
}

// Cron is an Engine on robfig/cron. The cron goroutine only decides when to fire; each
// firing is dispatched to the pool from robfig's per-firing goroutine, so a saturated
// pool delays that goroutine and never the timer loop.
type Cron struct {
	log  logx.Logger
	pool Submitter
	loc  *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	started bool
	stopped bool
	drained context.Context
}

var _ Engine = (*Cron)(nil)

func NewCron(pool Submitter, log logx.Logger, opts CronOptions) (*Cron, error) {
	if pool == nil {
		return nil, errors.New("engine: nil submitter")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	e := &Cron{log: log, pool: pool, loc: loc}
	e.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{log: log}),
	)
	return e, nil
}

func (e *Cron) Register(s cron.Schedule, fire func()) (EntryID, error) {
	if s == nil || fire == nil {
		return 0, errors.New("engine: nil schedule or callback")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return 0, ErrStopped
	}
	pool := e.pool
	id := e.c.Schedule(s, cron.FuncJob(func() {
		// Submit reports false once the pool is shutting down; the work still runs.
		pool.Submit(fire)
	}))
	return id, nil
}

func (e *Cron) Unregister(id EntryID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.c.Entry(id).Valid() {
		return errors.Wrapf(ErrUnknownEntry, "entry %d", id)
	}
	e.c.Remove(id)
	return nil
}

func (e *Cron) Entry(id EntryID) (time.Time, time.Time, bool) {
	e.mu.Lock()
	c := e.c
	e.mu.Unlock()
	ent := c.Entry(id)
	if !ent.Valid() {
		return time.Time{}, time.Time{}, false
	}
	return ent.Next, ent.Prev, true
}

func (e *Cron) Len() int {
	e.mu.Lock()
	c := e.c
	e.mu.Unlock()
	return len(c.Entries())
}

func (e *Cron) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return nil
	}
	e.c.Start()
	e.started = true
	e.log.Info("timer engine started", logx.String("tz", e.loc.String()), logx.Int("entries", len(e.c.Entries())))
	return nil
}

func (e *Cron) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true
	e.drained = e.c.Stop()
	e.log.Info("timer engine stopped")
	return nil
}

func (e *Cron) Drain(ctx context.Context) error {
	e.mu.Lock()
	drained := e.drained
	e.mu.Unlock()
	if drained == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-drained.Done():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "drain timer engine")
	}
}

// cronLogger adapts logx to cron.Logger. robfig's Info output is per-tick noise, so it
// goes to trace.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), logx.Err(err))
	l.log.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			out = append(out, logx.Any("extra", kv[i]))
			break
		}
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
