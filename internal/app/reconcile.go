package app

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"cronsched/internal/config"
	"cronsched/internal/job"
	logx "cronsched/pkg/logx"
)

// Sections that are read once at startup.
var restartRequired = []string{"pool", "scheduler", "storage"}

// apply brings the running app in line with newCfg. Job failures are collected and the
// remaining jobs are still applied.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) error {
	changed, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) == 0 {
		a.log.Debug("config reloaded (no effective changes)")
		return nil
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.Strs("changed", changed)}, attrs...)...)

	if slices.Contains(changed, "logging") {
		if err := a.logs.Apply(newCfg.Logging.ToLogx()); err != nil {
			a.log.Warn("logging config applied partially", logx.Err(err))
		}
	}
	for _, s := range restartRequired {
		if slices.Contains(changed, s) {
			a.log.Warn("config section changed; restart required to apply", logx.String("section", s))
		}
	}
	if slices.Contains(changed, "identities") {
		a.users.Replace(newCfg.Users())
	}
	if !slices.Contains(changed, "jobs") {
		return nil
	}
	return a.reconcileJobs(ctx, oldCfg, newCfg)
}

func (a *App) reconcileJobs(ctx context.Context, oldCfg, newCfg *config.Config) error {
	var oldJobs []job.Spec
	if oldCfg != nil {
		oldJobs = oldCfg.Jobs
	}
	diff := config.DiffJobs(oldJobs, newCfg.Jobs)

	byID := make(map[string]job.Spec, len(newCfg.Jobs))
	for _, s := range newCfg.Jobs {
		byID[config.JobID(s)] = s
	}

	var errs *multierror.Error
	for _, id := range diff.Removed {
		if _, err := a.mgr.UnscheduleJob(ctx, a.admin, id); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "unschedule %q", id))
		}
	}
	// Changed jobs keep their ID, so scheduling replaces them in place.
	for _, id := range append(append([]string(nil), diff.Added...), diff.Changed...) {
		b, err := job.FromSpec(byID[id])
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "job %q", id))
			continue
		}
		if _, err := a.mgr.ScheduleJob(ctx, a.admin, b.Build()); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "schedule %q", id))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	a.log.Debug("jobs reconciled", logx.Int("added", len(diff.Added)), logx.Int("changed", len(diff.Changed)), logx.Int("removed", len(diff.Removed)))
	return nil
}
