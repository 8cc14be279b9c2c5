package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"cronsched/internal/identity"
	"cronsched/internal/job"
	"cronsched/internal/storage"
	logx "cronsched/pkg/logx"
)

const (
	// Keep the run report bounded; frequent jobs append constantly.
	defaultKeep         = 7 * 24 * time.Hour
	defaultPruneTimeout = 30 * time.Second
)

// ReportPrune drops run records older than its keep parameter.
type ReportPrune struct {
	store storage.Store
	now   func() time.Time
	log   logx.Logger
}

func NewReportPrune(store storage.Store, now func() time.Time, log logx.Logger) *ReportPrune {
	if now == nil {
		now = time.Now
	}
	return &ReportPrune{store: store, now: now, log: log}
}

func (h *ReportPrune) Execute(ctx context.Context, _ *identity.Identity, p job.Params) (string, error) {
	keep, err := durationParam(p, "keep", defaultKeep)
	if err != nil {
		return "", err
	}
	if keep == 0 {
		return "", errors.Wrap(ErrBadParam, "keep: must be > 0")
	}
	timeout, err := durationParam(p, "timeout", defaultPruneTimeout)
	if err != nil {
		return "", err
	}
	if h.store == nil {
		return "run report is disabled; nothing to prune", nil
	}

	cutoff := h.now().Add(-keep)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	n, err := h.store.PruneRuns(ctx, cutoff)
	if err != nil {
		return "", errors.Wrap(err, "prune run report")
	}
	h.log.Debug("run report pruned", logx.Int("removed", n), logx.Time("cutoff", cutoff))
	return fmt.Sprintf("pruned %d run records older than %s", n, keep), nil
}
