package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"cronsched/internal/engine"
	"cronsched/internal/eventbus"
	"cronsched/internal/identity"
	"cronsched/internal/job"
	"cronsched/internal/storage"
	"cronsched/internal/workerpool"
	logx "cronsched/pkg/logx"
)

// fakeEngine records registrations and fires them on demand through the pool.
type fakeEngine struct {
	mu      sync.Mutex
	pool    engine.Submitter
	nextID  engine.EntryID
	entries map[engine.EntryID]func()

	failRegister   int // fail the next n Register calls
	failUnregister bool
	failStart      bool
	started        bool
	stopped        bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{entries: map[engine.EntryID]func(){}}
}

func (f *fakeEngine) factory() engine.Factory {
	return func(pool engine.Submitter, _ logx.Logger) (engine.Engine, error) {
		f.mu.Lock()
		f.pool = pool
		f.mu.Unlock()
		return f, nil
	}
}

func (f *fakeEngine) Register(_ cron.Schedule, fire func()) (engine.EntryID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRegister > 0 {
		f.failRegister--
		return 0, errors.New("register refused")
	}
	f.nextID++
	f.entries[f.nextID] = fire
	return f.nextID, nil
}

func (f *fakeEngine) Unregister(id engine.EntryID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[id]; !ok {
		return engine.ErrUnknownEntry
	}
	delete(f.entries, id)
	if f.failUnregister {
		return errors.New("unregister refused")
	}
	return nil
}

func (f *fakeEngine) Entry(id engine.EntryID) (time.Time, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[id]
	return time.Time{}, time.Time{}, ok
}

func (f *fakeEngine) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeEngine) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return errors.New("start refused")
	}
	f.started = true
	return nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Drain(context.Context) error { return nil }

// fireAll hands every registered callback to the pool once, like one tick would.
func (f *fakeEngine) fireAll() {
	f.mu.Lock()
	pool := f.pool
	fns := make([]func(), 0, len(f.entries))
	for _, fn := range f.entries {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		pool.Submit(fn)
	}
}

type memReports struct {
	mu   sync.Mutex
	runs []storage.RunRecord
}

func (r *memReports) AppendRun(_ context.Context, rec storage.RunRecord) error {
	r.mu.Lock()
	r.runs = append(r.runs, rec)
	r.mu.Unlock()
	return nil
}

func (r *memReports) RecentRuns(context.Context, string, int) ([]storage.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.RunRecord(nil), r.runs...), nil
}

func (r *memReports) PruneRuns(context.Context, time.Time) (int, error) { return 0, nil }
func (r *memReports) Close() error                                   { return nil }

func (r *memReports) outcomes(jobID string) []storage.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.Outcome
	for _, rec := range r.runs {
		if rec.JobID == jobID {
			out = append(out, rec.Outcome)
		}
	}
	return out
}

var (
	adminUser = identity.Identity{User: "admin"}
	guestUser = identity.Identity{User: "guest"}
)

type harness struct {
	m        *Manager
	eng      *fakeEngine
	registry *job.Registry
	provider *identity.Static
	reports  *memReports
	bus      eventbus.Bus
}

func newHarness(t *testing.T, mods ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		eng:      newFakeEngine(),
		registry: job.NewRegistry(),
		provider: identity.NewStatic(
			identity.User{Name: "admin", Roles: []identity.Role{identity.RoleSchedulerAdmin}},
			identity.User{Name: "runner", Locale: "en", Projects: []string{"reports"}},
			identity.User{Name: "guest"},
		),
		reports: &memReports{},
		bus:     eventbus.New(),
	}
	h.registry.MustRegister("noop", job.Static(job.HandlerFunc(func(context.Context, *identity.Identity, job.Params) (string, error) {
		return "", nil
	})))
	opts := Options{
		Admin:         adminUser,
		Provider:      h.provider,
		Registry:      h.registry,
		PoolConfig:    workerpool.Config{InitialThreads: 1, MaxThreads: 4, Priority: 5, IdlePoll: 50 * time.Millisecond},
		EngineFactory: h.eng.factory(),
		Location:      time.UTC,
		Logger:        logx.Nop(),
		Bus:           h.bus,
		Reports:       h.reports,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	h.m = NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.ShutDown(ctx)
	})
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.Initialize(context.Background(), adminUser))
}

func descriptor(t *testing.T, id, handler, expr string, mods ...func(*job.Builder) error) job.Descriptor {
	t.Helper()
	b := job.NewBuilder()
	require.NoError(t, b.SetID(id))
	require.NoError(t, b.SetHandler(handler))
	require.NoError(t, b.SetCron(expr))
	for _, mod := range mods {
		require.NoError(t, mod(b))
	}
	return b.Build()
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
