package job

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronsched/internal/identity"
)

func TestParamsKeepInsertionOrder(t *testing.T) {
	t.Parallel()
	p := NewParams("zeta", "1", "alpha", "2", "mid", "3")
	p = p.With("alpha", "20")
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, p.Keys())
	v, ok := p.Get("alpha")
	assert.True(t, ok)
	assert.Equal(t, "20", v)
	assert.Equal(t, "{zeta=1, alpha=20, mid=3}", p.String())
}

func TestParamsJSONRoundTripPreservesOrder(t *testing.T) {
	t.Parallel()
	var p Params
	require.NoError(t, json.Unmarshal([]byte(`{"b":"x","a":"y","count":30,"on":true}`), &p))
	assert.Equal(t, []string{"b", "a", "count", "on"}, p.Keys())
	assert.Equal(t, "30", p.Value("count", ""))
	assert.Equal(t, "true", p.Value("on", ""))

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"b":"x","a":"y","count":"30","on":"true"}`, string(out))
}

func TestParamsRejectNestedValues(t *testing.T) {
	t.Parallel()
	var p Params
	assert.Error(t, json.Unmarshal([]byte(`{"a":{"b":"c"}}`), &p))
	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &p))
}

func TestBuilderFreezesOnBuild(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	require.NoError(t, b.SetID("nightly"))
	require.NoError(t, b.SetHandler("echo"))
	require.NoError(t, b.SetCron("0 0 3 * * ?"))
	require.NoError(t, b.SetParam("message", "hello"))
	d := b.Build()
	assert.True(t, b.Frozen())

	setters := map[string]func() error{
		"SetID":            func() error { return b.SetID("other") },
		"SetName":          func() error { return b.SetName("other") },
		"SetHandler":       func() error { return b.SetHandler("sleep") },
		"SetCron":          func() error { return b.SetCron("* * * * * ?") },
		"SetContext":       func() error { return b.SetContext(identity.ExecutionContext{User: "u"}) },
		"SetParam":         func() error { return b.SetParam("message", "changed") },
		"SetParams":        func() error { return b.SetParams(NewParams("x", "y")) },
		"SetActive":        func() error { return b.SetActive(false) },
		"SetReuseInstance": func() error { return b.SetReuseInstance(true) },
		"SetSkipIfRunning": func() error { return b.SetSkipIfRunning(true) },
	}
	for name, set := range setters {
		err := set()
		assert.ErrorIs(t, err, ErrFrozen, name)
		assert.True(t, errors.Is(err, ErrConfiguration), name)
	}

	again := b.Build()
	assert.True(t, d.Equal(again))
	assert.Equal(t, "nightly", again.ID())
	assert.Equal(t, "echo", again.Handler())
	assert.True(t, again.Active())
	assert.Equal(t, "hello", again.Params().Value("message", ""))
}

func TestDescriptorParamsAreCopies(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	require.NoError(t, b.SetParams(NewParams("k", "v")))
	d := b.Build()

	got := d.Params()
	got.set("k", "mutated")
	assert.Equal(t, "v", d.Params().Value("k", ""))
}

func TestNameDefaultsToHandler(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	require.NoError(t, b.SetHandler("echo"))
	assert.Equal(t, "echo", b.Build().Name())
}

func TestWithIDCopies(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	require.NoError(t, b.SetID("a"))
	d := b.Build()
	e := d.WithID("b")
	assert.Equal(t, "a", d.ID())
	assert.Equal(t, "b", e.ID())
}

func TestFromSpec(t *testing.T) {
	t.Parallel()
	inactive := false
	b, err := FromSpec(Spec{
		Name:    "cleanup",
		Handler: "report-prune",
		Cron:    "0 0 4 * * ?",
		Active:  &inactive,
		Params:  NewParams("keep", "168h"),
	})
	require.NoError(t, err)
	d := b.Build()
	assert.Equal(t, "cleanup", d.ID())
	assert.False(t, d.Active())

	s := ToSpec(d)
	assert.Equal(t, "cleanup", s.Name)
	assert.False(t, s.IsActive())
	assert.True(t, s.Params.Equal(d.Params()))
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	h := HandlerFunc(func(context.Context, *identity.Identity, Params) (string, error) { return "ok", nil })
	require.NoError(t, r.Register("echo", Static(h)))
	assert.ErrorIs(t, r.Register("echo", Static(h)), ErrDuplicate)
	assert.ErrorIs(t, r.Register(" ", Static(h)), ErrHandlerRequired)

	f, err := r.Resolve("echo")
	require.NoError(t, err)
	inst, err := f()
	require.NoError(t, err)
	out, err := inst.Execute(context.Background(), nil, Params{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownHandler)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Equal(t, []string{"echo"}, r.Refs())
}
