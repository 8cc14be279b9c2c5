// Package workerpool runs submitted work on a bounded, lazily growing set of worker
// goroutines.
//
// The pool decouples the timer path from job execution: Submit hands work to an idle
// worker, grows the pool by one worker when everyone is busy, and blocks the caller once
// MaxThreads workers are busy. Blocking is the backpressure mechanism: under sustained
// overload the caller (the trigger dispatch) is delayed.
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"cronsched/internal/runtime/supervisor"
	logx "cronsched/pkg/logx"
)

const (
	MaxThreadsLimit = 200
	MinPriority     = 1
	MaxPriority     = 9

	DefaultMaxThreads = 10
	DefaultPriority   = 5

	defaultIdlePoll = 5 * time.Second
)

// DefaultConfig is a pool that starts empty and grows to DefaultMaxThreads.
func DefaultConfig() Config {
	return Config{MaxThreads: DefaultMaxThreads, Priority: DefaultPriority}
}

var (
	ErrConfiguration = errors.New("invalid worker pool configuration")
	ErrShutdown      = errors.New("worker pool is shut down")
)

// Config controls the pool.
//
// Priority is kept for hosts that map it onto their own scheduling scale; goroutines
// carry no OS priority, so the pool only validates and reports it.
type Config struct {
	InitialThreads int
	MaxThreads     int
	Priority       int

	// IdlePoll bounds how long an idle worker waits before re-checking the shutdown flag.
	IdlePoll time.Duration
}

// Validate checks the documented bounds.
func (c Config) Validate() error {
	if c.MaxThreads < 1 || c.MaxThreads > MaxThreadsLimit {
		return errors.Wrapf(ErrConfiguration, "max threads %d out of range [1, %d]", c.MaxThreads, MaxThreadsLimit)
	}
	if c.InitialThreads < 0 || c.InitialThreads > c.MaxThreads {
		return errors.Wrapf(ErrConfiguration, "initial threads %d out of range [0, %d]", c.InitialThreads, c.MaxThreads)
	}
	if c.Priority < MinPriority || c.Priority > MaxPriority {
		return errors.Wrapf(ErrConfiguration, "priority %d out of range [%d, %d]", c.Priority, MinPriority, MaxPriority)
	}
	if c.IdlePoll < 0 {
		return errors.Wrapf(ErrConfiguration, "idle poll %s must be >= 0", c.IdlePoll)
	}
	return nil
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Threads      int
	Busy         int
	Idle         int
	MaxThreads   int
	Priority     int
	Submitted    uint64
	Ephemeral    uint64
	Panics       uint64
	ShuttingDown bool
}

type Pool struct {
	cfg Config
	log logx.Logger
	sup *supervisor.Supervisor

	// handoff is unbuffered: a send completes only when an idle worker takes it, so
	// there is never more than one runnable waiting to be picked up.
	handoff chan func()
	stopCh  chan struct{}

	// mu guards threads and stopping; shared by Submit and grow.
	mu       sync.Mutex
	threads  int
	stopping bool

	busy        atomic.Int32
	ephemeralIn atomic.Int32
	submitted   atomic.Uint64
	ephemeral   atomic.Uint64
	panics      atomic.Uint64

	saturatedWarn *rate.Limiter
}

// New validates cfg and starts InitialThreads workers.
func New(cfg Config, log logx.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IdlePoll == 0 {
		cfg.IdlePoll = defaultIdlePoll
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		cfg:           cfg,
		log:           log,
		sup:           supervisor.New(context.Background(), supervisor.WithLogger(log)),
		handoff:       make(chan func()),
		stopCh:        make(chan struct{}),
		saturatedWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	p.mu.Lock()
	for i := 0; i < cfg.InitialThreads; i++ {
		p.growLocked()
	}
	p.mu.Unlock()
	p.log.Debug("worker pool started", logx.Int("threads", cfg.InitialThreads), logx.Int("max_threads", cfg.MaxThreads), logx.Int("priority", cfg.Priority))
	return p, nil
}

// Submit hands fn to a worker.
//
// It returns false if the pool is shutting down; fn then still runs to completion on an
// ephemeral goroutine that is not part of the pool.
func (p *Pool) Submit(fn func()) bool {
	if fn == nil {
		return true
	}
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.runEphemeral(fn)
		return false
	}
	// Idle worker waiting on the handoff?
	select {
	case p.handoff <- fn:
		p.mu.Unlock()
		p.submitted.Add(1)
		return true
	default:
	}
	grew := false
	if p.threads < p.cfg.MaxThreads {
		p.growLocked()
		grew = true
	}
	threads := p.threads
	p.mu.Unlock()

	if !grew && p.saturatedWarn.Allow() {
		p.log.Warn("worker pool saturated; submit is blocking", logx.Int("threads", threads), logx.Int("busy", int(p.busy.Load())))
	}

	select {
	case p.handoff <- fn:
		p.submitted.Add(1)
		return true
	case <-p.stopCh:
		p.runEphemeral(fn)
		return false
	}
}

// growLocked starts one more worker. Call with p.mu held.
func (p *Pool) growLocked() {
	idx := p.threads
	p.threads++
	p.sup.Go0(fmt.Sprintf("worker.%d", idx), func(ctx context.Context) {
		p.worker(idx)
	})
	p.log.Debug("worker pool grew", logx.Int("threads", p.threads))
}

func (p *Pool) worker(idx int) {
	idle := time.NewTimer(p.cfg.IdlePoll)
	defer idle.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		select {
		case <-p.stopCh:
			return
		case fn := <-p.handoff:
			p.busy.Add(1)
			p.run(idx, fn)
			p.busy.Add(-1)
		case <-idle.C:
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.IdlePoll)
	}
}

// run executes fn; a panic is logged and swallowed so the worker survives.
func (p *Pool) run(idx int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("runnable panicked", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

func (p *Pool) runEphemeral(fn func()) {
	p.ephemeral.Add(1)
	p.ephemeralIn.Add(1)
	go func() {
		defer p.ephemeralIn.Add(-1)
		p.run(-1, fn)
	}()
}

// Shutdown signals every worker to stop after its current unit of work. With
// waitForCompletion it blocks until all workers and ephemeral runs have returned or ctx
// is done. Running work is never interrupted. Calling Shutdown again is safe.
func (p *Pool) Shutdown(ctx context.Context, waitForCompletion bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if !p.stopping {
		p.stopping = true
		close(p.stopCh)
		p.log.Debug("worker pool stopping", logx.Int("threads", p.threads), logx.Int("busy", int(p.busy.Load())))
	}
	p.mu.Unlock()

	if !waitForCompletion {
		return nil
	}
	if err := p.sup.Wait(ctx); err != nil {
		return errors.Wrap(err, "wait for workers")
	}
	// Ephemeral runs are plain goroutines; poll them out.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for p.ephemeralIn.Load() > 0 {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait for ephemeral runs")
		case <-tick.C:
		}
	}
	p.log.Debug("worker pool stopped")
	return nil
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	threads := p.threads
	stopping := p.stopping
	p.mu.Unlock()
	busy := int(p.busy.Load())
	idle := threads - busy
	if idle < 0 || stopping {
		idle = 0
	}
	return Snapshot{
		Threads:      threads,
		Busy:         busy,
		Idle:         idle,
		MaxThreads:   p.cfg.MaxThreads,
		Priority:     p.cfg.Priority,
		Submitted:    p.submitted.Load(),
		Ephemeral:    p.ephemeral.Load(),
		Panics:       p.panics.Load(),
		ShuttingDown: stopping,
	}
}

func (p *Pool) Config() Config { return p.cfg }
