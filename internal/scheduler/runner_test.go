package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronsched/internal/engine"
	"cronsched/internal/eventbus"
	"cronsched/internal/identity"
	"cronsched/internal/job"
	"cronsched/internal/storage"
)

// nextEvent waits for the next event of typ about job id, skipping anything else.
func nextEvent(t *testing.T, ch <-chan eventbus.Event, typ, id string) JobEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			ev, ok := e.Data.(JobEvent)
			if e.Type == typ && ok && ev.ID == id {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", typ, id)
			return JobEvent{}
		}
	}
}

func subscribe(t *testing.T, h *harness) <-chan eventbus.Event {
	t.Helper()
	ch, unsub := h.bus.Subscribe(64)
	t.Cleanup(unsub)
	return ch
}

func TestPanickingJobDoesNotAffectOthers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.MustRegister("boom", job.Static(job.HandlerFunc(func(context.Context, *identity.Identity, job.Params) (string, error) {
		panic("kaboom")
	})))
	h.registry.MustRegister("echo", job.Static(job.HandlerFunc(func(_ context.Context, _ *identity.Identity, p job.Params) (string, error) {
		return p.Value("message", "hi"), nil
	})))
	h.init(t)
	events := subscribe(t, h)
	ctx := context.Background()

	_, err := h.m.ScheduleJob(ctx, adminUser, descriptor(t, "bad", "boom", "0 0 12 * * ?"))
	require.NoError(t, err)
	_, err = h.m.ScheduleJob(ctx, adminUser, descriptor(t, "good", "echo", "0 0 12 * * ?",
		func(b *job.Builder) error { return b.SetParam("message", "still here") }))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		h.eng.fireAll()
		failed := nextEvent(t, events, eventbus.JobFailed, "bad")
		assert.Contains(t, failed.Error, "kaboom")
	}
	done := nextEvent(t, events, eventbus.JobFinished, "good")
	assert.Equal(t, "still here", done.Result)

	assert.Equal(t, []storage.Outcome{storage.OutcomeFailed, storage.OutcomeFailed}, h.reports.outcomes("bad"))
	assert.Equal(t, StateInitialized, h.m.State())
}

func TestReturnedErrorIsReported(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.registry.MustRegister("fails", job.Static(job.HandlerFunc(func(context.Context, *identity.Identity, job.Params) (string, error) {
		return "partial", assert.AnError
	})))
	h.init(t)
	events := subscribe(t, h)

	_, err := h.m.ScheduleJob(context.Background(), adminUser, descriptor(t, "f", "fails", "0 0 12 * * ?"))
	require.NoError(t, err)
	h.eng.fireAll()

	ev := nextEvent(t, events, eventbus.JobFailed, "f")
	assert.Equal(t, "partial", ev.Result)
	assert.Contains(t, ev.Error, assert.AnError.Error())
	assert.Equal(t, []storage.Outcome{storage.OutcomeFailed}, h.reports.outcomes("f"))
}

func TestReuseInstance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		reuse bool
		want  int32
	}{
		{name: "fresh per firing", reuse: false, want: 3},
		{name: "reused", reuse: true, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			var created atomic.Int32
			h.registry.MustRegister("counted", func() (job.Handler, error) {
				created.Add(1)
				return job.HandlerFunc(func(context.Context, *identity.Identity, job.Params) (string, error) {
					return "", nil
				}), nil
			})
			h.init(t)
			events := subscribe(t, h)

			d := descriptor(t, "c", "counted", "0 0 12 * * ?", func(b *job.Builder) error { return b.SetReuseInstance(tt.reuse) })
			_, err := h.m.ScheduleJob(context.Background(), adminUser, d)
			require.NoError(t, err)
			for i := 0; i < 3; i++ {
				h.eng.fireAll()
				nextEvent(t, events, eventbus.JobFinished, "c")
			}
			assert.Equal(t, tt.want, created.Load())
		})
	}
}

func TestFactoryFailureSkipsExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var called atomic.Bool
	h.registry.MustRegister("broken", func() (job.Handler, error) {
		return nil, assert.AnError
	})
	h.registry.MustRegister("panicky", func() (job.Handler, error) {
		panic("no instance for you")
	})
	h.registry.MustRegister("nil", func() (job.Handler, error) {
		called.Store(true)
		return nil, nil
	})
	h.init(t)
	events := subscribe(t, h)
	ctx := context.Background()

	for _, id := range []string{"broken", "panicky", "nil"} {
		_, err := h.m.ScheduleJob(ctx, adminUser, descriptor(t, id, id, "0 0 12 * * ?"))
		require.NoError(t, err)
	}
	h.eng.fireAll()
	for _, id := range []string{"broken", "panicky", "nil"} {
		ev := nextEvent(t, events, eventbus.JobFailed, id)
		assert.NotEmpty(t, ev.Error, id)
		assert.Equal(t, []storage.Outcome{storage.OutcomeNotCreated}, h.reports.outcomes(id), id)
	}
	assert.True(t, called.Load(), "factory itself was called")
}

func TestExecutionContextIsScoped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	got := make(chan *identity.Identity, 4)
	h.registry.MustRegister("whoami", job.Static(job.HandlerFunc(func(_ context.Context, id *identity.Identity, _ job.Params) (string, error) {
		got <- id
		return "", nil
	})))
	h.init(t)
	events := subscribe(t, h)
	ctx := context.Background()

	scoped := descriptor(t, "scoped", "whoami", "0 0 12 * * ?", func(b *job.Builder) error {
		return b.SetContext(identity.ExecutionContext{User: "runner", Project: "reports"})
	})
	_, err := h.m.ScheduleJob(ctx, adminUser, scoped)
	require.NoError(t, err)
	h.eng.fireAll()
	nextEvent(t, events, eventbus.JobFinished, "scoped")

	id := <-got
	require.NotNil(t, id)
	assert.Equal(t, "runner", id.User)
	assert.Equal(t, "reports", id.Project)
	assert.Equal(t, "en", id.Locale)

	_, err = h.m.UnscheduleJob(ctx, adminUser, "scoped")
	require.NoError(t, err)
	_, err = h.m.ScheduleJob(ctx, adminUser, descriptor(t, "anon", "whoami", "0 0 12 * * ?"))
	require.NoError(t, err)
	h.eng.fireAll()
	nextEvent(t, events, eventbus.JobFinished, "anon")
	assert.Nil(t, <-got, "no execution context means no identity")
}

func TestUnavailableIdentitySkipsFiring(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var executed atomic.Bool
	h.registry.MustRegister("whoami", job.Static(job.HandlerFunc(func(context.Context, *identity.Identity, job.Params) (string, error) {
		executed.Store(true)
		return "", nil
	})))
	h.init(t)
	events := subscribe(t, h)
	ctx := context.Background()

	for id, ec := range map[string]identity.ExecutionContext{
		"ghost":   {User: "nobody"},
		"outside": {User: "runner", Project: "billing"},
	} {
		d := descriptor(t, id, "whoami", "0 0 12 * * ?", func(b *job.Builder) error { return b.SetContext(ec) })
		_, err := h.m.ScheduleJob(ctx, adminUser, d)
		require.NoError(t, err)
	}
	h.eng.fireAll()
	for _, id := range []string{"ghost", "outside"} {
		nextEvent(t, events, eventbus.JobFailed, id)
		assert.Equal(t, []storage.Outcome{storage.OutcomeNoIdentity}, h.reports.outcomes(id), id)
	}
	assert.False(t, executed.Load())
}

// blocker is a handler that reports when it starts and waits to be released.
type blocker struct {
	started chan struct{}
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blocker) Execute(context.Context, *identity.Identity, job.Params) (string, error) {
	n := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	b.started <- struct{}{}
	<-b.release
	return "", nil
}

func TestSkipIfRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	b := newBlocker()
	h.registry.MustRegister("block", job.Static(b))
	h.init(t)
	events := subscribe(t, h)

	d := descriptor(t, "slow", "block", "0 0 12 * * ?", func(b *job.Builder) error { return b.SetSkipIfRunning(true) })
	_, err := h.m.ScheduleJob(context.Background(), adminUser, d)
	require.NoError(t, err)

	h.eng.fireAll()
	waitFor(t, b.started, "first firing")
	h.eng.fireAll()
	nextEvent(t, events, eventbus.JobSkipped, "slow")

	close(b.release)
	nextEvent(t, events, eventbus.JobFinished, "slow")
	assert.Equal(t, int32(1), b.peak.Load())
	assert.ElementsMatch(t, []storage.Outcome{storage.OutcomeSkipped, storage.OutcomeOK}, h.reports.outcomes("slow"))

	// The guard is released after the run, so the next firing executes.
	h.eng.fireAll()
	nextEvent(t, events, eventbus.JobFinished, "slow")
}

func TestOverlapAllowedByDefault(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	b := newBlocker()
	h.registry.MustRegister("block", job.Static(b))
	h.init(t)

	_, err := h.m.ScheduleJob(context.Background(), adminUser, descriptor(t, "slow", "block", "0 0 12 * * ?"))
	require.NoError(t, err)

	h.eng.fireAll()
	waitFor(t, b.started, "first firing")
	h.eng.fireAll()
	waitFor(t, b.started, "second firing")
	assert.Equal(t, int32(2), b.peak.Load())
	close(b.release)
}

func TestShutDownWaitsForRunningJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	b := newBlocker()
	h.registry.MustRegister("block", job.Static(b))
	var finished atomic.Bool
	h.init(t)
	events := subscribe(t, h)

	_, err := h.m.ScheduleJob(context.Background(), adminUser, descriptor(t, "slow", "block", "0 0 12 * * ?"))
	require.NoError(t, err)
	h.eng.fireAll()
	waitFor(t, b.started, "firing")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.ShutDown(context.Background())
		finished.Store(b.running.Load() == 0)
	}()

	select {
	case <-done:
		t.Fatalf("ShutDown returned while a job was still running")
	case <-time.After(100 * time.Millisecond):
	}
	close(b.release)
	waitFor(t, done, "shutdown")
	assert.True(t, finished.Load())
	nextEvent(t, events, eventbus.JobFinished, "slow")
}

func TestShutDownGivesUpAtDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	b := newBlocker()
	h.registry.MustRegister("block", job.Static(b))
	h.init(t)
	t.Cleanup(func() { close(b.release) })

	_, err := h.m.ScheduleJob(context.Background(), adminUser, descriptor(t, "slow", "block", "0 0 12 * * ?"))
	require.NoError(t, err)
	h.eng.fireAll()
	waitFor(t, b.started, "firing")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = h.m.ShutDown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateShutDown, h.m.State())
}

func TestCronEngineFiresJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *Options) {
		o.EngineFactory = engine.NewCronFactory(engine.CronOptions{Location: time.UTC})
	})
	var (
		mu    sync.Mutex
		fired []time.Time
	)
	h.registry.MustRegister("tick", job.Static(job.HandlerFunc(func(context.Context, *identity.Identity, job.Params) (string, error) {
		mu.Lock()
		fired = append(fired, time.Now())
		mu.Unlock()
		return "", nil
	})))
	h.init(t)
	events := subscribe(t, h)

	_, err := h.m.ScheduleJob(context.Background(), adminUser, descriptor(t, "every-second", "tick", "* * * * * ?"))
	require.NoError(t, err)
	nextEvent(t, events, eventbus.JobFinished, "every-second")

	snap := h.m.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.True(t, snap.Jobs[0].Registered)
	assert.Equal(t, 1, snap.Entries)

	require.NoError(t, h.m.ShutDown(context.Background()))
	mu.Lock()
	n := len(fired)
	mu.Unlock()
	time.Sleep(1200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, len(fired), "no firings after shutdown")
}

func countingCronHarness(t *testing.T, fired *atomic.Int32) *harness {
	t.Helper()
	h := newHarness(t, func(o *Options) {
		o.EngineFactory = engine.NewCronFactory(engine.CronOptions{Location: time.UTC})
	})
	h.registry.MustRegister("count", job.Static(job.HandlerFunc(func(context.Context, *identity.Identity, job.Params) (string, error) {
		fired.Add(1)
		return "", nil
	})))
	h.init(t)
	return h
}

func TestCronEngineStopsFiringAfterUnschedule(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	h := countingCronHarness(t, &fired)
	ctx := context.Background()

	_, err := h.m.ScheduleJob(ctx, adminUser, descriptor(t, "every-second", "count", "* * * * * ?"))
	require.NoError(t, err)
	time.Sleep(3500 * time.Millisecond)
	n := fired.Load()
	assert.GreaterOrEqual(t, n, int32(3))
	assert.LessOrEqual(t, n, int32(4))

	_, err = h.m.UnscheduleJob(ctx, adminUser, "every-second")
	require.NoError(t, err)
	// A run already handed to the pool may still land.
	time.Sleep(100 * time.Millisecond)
	n = fired.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, fired.Load(), "no firings after unschedule")
	assert.Equal(t, 0, h.m.Snapshot().Entries)
}

func TestCronEngineKeepsJobWhenReplacementIsInvalid(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	h := countingCronHarness(t, &fired)
	ctx := context.Background()

	_, err := h.m.ScheduleJob(ctx, adminUser, descriptor(t, "every-second", "count", "* * * * * ?"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	_, err = h.m.ScheduleJob(ctx, adminUser, descriptor(t, "every-second", "count", "* foo * * * ?"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScheduling)

	cur, ok := h.m.GetJob("every-second")
	require.True(t, ok)
	assert.Equal(t, "* * * * * ?", cur.Cron())

	n := fired.Load()
	assert.Eventually(t, func() bool { return fired.Load() > n }, 3*time.Second, 20*time.Millisecond, "old job keeps firing")
}
