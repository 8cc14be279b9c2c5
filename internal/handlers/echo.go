package handlers

import (
	"context"

	"cronsched/internal/identity"
	"cronsched/internal/job"
)

// Echo returns its message parameter, optionally prefixed. With an execution identity the
// user name is prepended.
type Echo struct{}

func (Echo) Execute(_ context.Context, id *identity.Identity, p job.Params) (string, error) {
	txt := p.Value("message", "")
	if txt == "" {
		txt = "(empty)"
	}
	out := p.Value("prefix", "") + txt
	if id != nil && id.User != "" {
		out = id.User + ": " + out
	}
	return out, nil
}
