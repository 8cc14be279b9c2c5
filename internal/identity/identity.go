// Package identity models the callers and execution identities the scheduler deals with,
// and the authorization collaborator that checks them.
package identity

import (
	"context"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
)

var ErrPermission = errors.New("permission denied")

type Role string

const (
	RoleSchedulerAdmin Role = "scheduler-admin"
	// RoleRoot implies every other role.
	RoleRoot Role = "root"
)

// Identity is a resolved caller or execution identity.
type Identity struct {
	User    string
	Project string
	Locale  string
	Roles   []Role
}

func (i Identity) HasRole(r Role) bool {
	for _, have := range i.Roles {
		if have == r || have == RoleRoot {
			return true
		}
	}
	return false
}

func (i Identity) IsZero() bool {
	return i.User == "" && i.Project == "" && i.Locale == "" && len(i.Roles) == 0
}

func (i Identity) String() string {
	if i.User == "" {
		return "<anonymous>"
	}
	if i.Project == "" {
		return i.User
	}
	return i.User + "@" + i.Project
}

// Clone returns a copy that shares no slices with i.
func (i Identity) Clone() Identity {
	i.Roles = slices.Clone(i.Roles)
	return i
}

// ExecutionContext is the frozen snapshot of who a job runs as. The scheduler passes it
// through unchanged; only the Provider interprets it.
type ExecutionContext struct {
	User    string `json:"user,omitempty"`
	Project string `json:"project,omitempty"`
	Locale  string `json:"locale,omitempty"`
}

func (c ExecutionContext) IsZero() bool {
	return strings.TrimSpace(c.User) == "" && strings.TrimSpace(c.Project) == "" && strings.TrimSpace(c.Locale) == ""
}

// Provider is the identity and authorization collaborator.
type Provider interface {
	// CheckRole fails with an error matching ErrPermission when id lacks role.
	CheckRole(ctx context.Context, id Identity, role Role) error
	// CreateScopedIdentity builds the identity a single job firing runs under.
	CreateScopedIdentity(ctx context.Context, ec ExecutionContext) (Identity, error)
}
