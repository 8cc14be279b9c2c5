package handlers

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"cronsched/internal/identity"
	"cronsched/internal/job"
)

const defaultSleep = time.Second

// Sleep waits for its duration parameter. It stops early when ctx is cancelled.
type Sleep struct{}

func (Sleep) Execute(ctx context.Context, _ *identity.Identity, p job.Params) (string, error) {
	d, err := durationParam(p, "duration", defaultSleep)
	if err != nil {
		return "", err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return "slept " + d.String(), nil
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "sleep interrupted")
	}
}
