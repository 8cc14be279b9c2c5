package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	"cronsched/internal/job"
	logx "cronsched/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe structured
// fields describing the new values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Pool != newCfg.Pool {
		changed = append(changed, "pool")
		attrs = append(attrs,
			logx.Int("pool.initial_threads", newCfg.Pool.InitialThreads),
			logx.Int("pool.max_threads", newCfg.Pool.MaxThreads),
			logx.Int("pool.priority", newCfg.Pool.Priority),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.AdminUser) != strings.TrimSpace(newCfg.Scheduler.AdminUser) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.admin_user", strings.TrimSpace(newCfg.Scheduler.AdminUser)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Identities, newCfg.Identities) {
		changed = append(changed, "identities")
		attrs = append(attrs, logx.Int("identities.count", len(newCfg.Identities)))
	}

	jd := DiffJobs(oldCfg.Jobs, newCfg.Jobs)
	if !jd.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(jd.Added)),
			logx.Int("jobs.changed", len(jd.Changed)),
			logx.Int("jobs.removed", len(jd.Removed)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// JobDiff lists job IDs by what happened to them between two configs.
type JobDiff struct {
	Added   []string
	Changed []string
	Removed []string
}

func (d JobDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffJobs compares job lists by JobID. Order changes alone are not reported.
func DiffJobs(oldJobs, newJobs []job.Spec) JobDiff {
	index := func(specs []job.Spec) map[string]job.Spec {
		m := make(map[string]job.Spec, len(specs))
		for _, s := range specs {
			m[JobID(s)] = s
		}
		return m
	}
	om, nm := index(oldJobs), index(newJobs)

	var d JobDiff
	for id, ns := range nm {
		prev, ok := om[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case hashJSON(prev) != hashJSON(ns):
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range om {
		if _, ok := nm[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Changed)
	slices.Sort(d.Removed)
	return d
}
