// Package handlers contains the job handlers that ship with cronsched.
//
// Handlers read their settings from job parameters:
//
//	echo          message, prefix
//	sleep         duration
//	report-prune  keep, timeout
package handlers

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"cronsched/internal/job"
	"cronsched/internal/storage"
	logx "cronsched/pkg/logx"
)

const (
	RefEcho        = "echo"
	RefSleep       = "sleep"
	RefReportPrune = "report-prune"
)

// ErrBadParam marks an unusable job parameter.
var ErrBadParam = errors.Wrap(job.ErrConfiguration, "invalid job parameter")

// Deps are shared by the built-in handlers.
type Deps struct {
	Log     logx.Logger
	Reports storage.Store
	Now     func() time.Time
}

// Register adds every built-in handler to r.
func Register(r *job.Registry, deps Deps) error {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	var errs *multierror.Error
	for ref, f := range map[string]job.Factory{
		RefEcho:        job.Static(Echo{}),
		RefSleep:       job.Static(Sleep{}),
		RefReportPrune: job.Static(NewReportPrune(deps.Reports, deps.Now, deps.Log.With(logx.String("handler", RefReportPrune)))),
	} {
		if err := r.Register(ref, f); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "register %s", ref))
		}
	}
	return errs.ErrorOrNil()
}

// durationParam reads a Go duration string; an empty value yields def.
func durationParam(p job.Params, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(p.Value(key, ""))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrBadParam, "%s: invalid duration %q: %v", key, raw, err)
	}
	if d < 0 {
		return 0, errors.Wrapf(ErrBadParam, "%s: duration must be >= 0", key)
	}
	return d, nil
}
