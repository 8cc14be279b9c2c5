package config

import (
	"strings"
	"time"

	"cronsched/internal/identity"
	"cronsched/internal/job"
	"cronsched/internal/storage"
	"cronsched/internal/workerpool"
	logx "cronsched/pkg/logx"
)

const (
	DefaultMaxThreads = workerpool.DefaultMaxThreads
	DefaultPriority   = workerpool.DefaultPriority
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is the optional run report. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Pool is read once at startup; changes need a restart.
	Pool      PoolConfig      `json:"pool"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Identities []IdentityConfig `json:"identities,omitempty" validate:"dive"`
	Jobs       []job.Spec       `json:"jobs,omitempty" validate:"dive"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig selects the run report driver.
//
// Example:
//
//	storage: { driver: sqlite, path: ./cronsched.db, busy_timeout: 5s }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"` // sqlite only
}

// PoolConfig sizes the worker pool. Zero MaxThreads and Priority take the defaults.
type PoolConfig struct {
	InitialThreads int    `json:"initial_threads" validate:"gte=0,ltefield=MaxThreads"`
	MaxThreads     int    `json:"max_threads" validate:"gte=1,lte=200"`
	Priority       int    `json:"priority" validate:"gte=1,lte=9"`
	IdlePoll       string `json:"idle_poll,omitempty" validate:"omitempty,duration"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name; empty means the host's local zone.
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	// AdminUser names the identity the scheduler acts as. It must hold scheduler-admin.
	AdminUser string `json:"admin_user" validate:"required"`
}

type IdentityConfig struct {
	Name     string   `json:"name" validate:"required"`
	Roles    []string `json:"roles,omitempty"`
	Projects []string `json:"projects,omitempty"`
	Locale   string   `json:"locale,omitempty"`
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.Pool.MaxThreads == 0 {
		c.Pool.MaxThreads = DefaultMaxThreads
	}
	if c.Pool.Priority == 0 {
		c.Pool.Priority = DefaultPriority
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

func (c LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// ToStorage converts the section; a nil section yields a disabled store config.
func (c *StorageConfig) ToStorage() (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Driver, Path: c.Path, BusyTimeout: busy}, nil
}

func (c PoolConfig) ToPool() (workerpool.Config, error) {
	idle, err := ParseDurationField("pool.idle_poll", c.IdlePoll)
	if err != nil {
		return workerpool.Config{}, err
	}
	return workerpool.Config{
		InitialThreads: c.InitialThreads,
		MaxThreads:     c.MaxThreads,
		Priority:       c.Priority,
		IdlePoll:       idle,
	}, nil
}

// Location loads the configured zone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func (c IdentityConfig) ToUser() identity.User {
	roles := make([]identity.Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, identity.Role(r))
		}
	}
	return identity.User{
		Name:     strings.TrimSpace(c.Name),
		Roles:    roles,
		Projects: append([]string(nil), c.Projects...),
		Locale:   c.Locale,
	}
}

func (c *Config) Users() []identity.User {
	out := make([]identity.User, 0, len(c.Identities))
	for _, ic := range c.Identities {
		out = append(out, ic.ToUser())
	}
	return out
}

// JobID returns the identity a configured job is scheduled under.
func JobID(s job.Spec) string {
	if id := strings.TrimSpace(s.ID); id != "" {
		return id
	}
	return strings.TrimSpace(s.Name)
}
