package identity

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrUnknownUser = errors.New("unknown user")

// User is one row of the static user table.
type User struct {
	Name     string
	Roles    []Role
	Projects []string // empty means any project
	Locale   string
}

// Static is a Provider backed by an in-memory user table. The table can be replaced at
// runtime (configuration reload) without disturbing callers.
type Static struct {
	mu    sync.RWMutex
	users map[string]User
}

var _ Provider = (*Static)(nil)

func NewStatic(users ...User) *Static {
	s := &Static{}
	s.Replace(users)
	return s
}

// Replace swaps the whole user table.
func (s *Static) Replace(users []User) {
	m := make(map[string]User, len(users))
	for _, u := range users {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			continue
		}
		u.Name = name
		m[name] = u
	}
	s.mu.Lock()
	s.users = m
	s.mu.Unlock()
}

func (s *Static) lookup(name string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.TrimSpace(name)]
	return u, ok
}

// Resolve returns the identity for a configured user.
func (s *Static) Resolve(name string) (Identity, error) {
	u, ok := s.lookup(name)
	if !ok {
		return Identity{}, errors.Wrapf(ErrUnknownUser, "user %q", name)
	}
	return Identity{User: u.Name, Locale: u.Locale, Roles: slices.Clone(u.Roles)}, nil
}

// CheckRole authorizes against the current table, not the roles cached in id, so a
// revoked role takes effect on the next call.
func (s *Static) CheckRole(_ context.Context, id Identity, role Role) error {
	u, ok := s.lookup(id.User)
	if !ok {
		return errors.Wrapf(ErrPermission, "user %q is not known", id.User)
	}
	if !(Identity{Roles: u.Roles}).HasRole(role) {
		return errors.Wrapf(ErrPermission, "user %q lacks role %q", id.User, role)
	}
	return nil
}

func (s *Static) CreateScopedIdentity(_ context.Context, ec ExecutionContext) (Identity, error) {
	u, ok := s.lookup(ec.User)
	if !ok {
		return Identity{}, errors.Wrapf(ErrUnknownUser, "execution user %q", ec.User)
	}
	if ec.Project != "" && len(u.Projects) > 0 && !slices.Contains(u.Projects, ec.Project) {
		return Identity{}, errors.Wrapf(ErrPermission, "user %q may not run in project %q", u.Name, ec.Project)
	}
	locale := ec.Locale
	if locale == "" {
		locale = u.Locale
	}
	return Identity{
		User:    u.Name,
		Project: ec.Project,
		Locale:  locale,
		Roles:   slices.Clone(u.Roles),
	}, nil
}
