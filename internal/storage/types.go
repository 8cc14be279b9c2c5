package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome of a single firing.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeNotCreated Outcome = "not_created"
	OutcomeNoIdentity Outcome = "no_identity"
)

// RunRecord is one firing of one job. Keep it compact and schema-stable.
type RunRecord struct {
	JobID     string        `json:"job_id"`
	JobName   string        `json:"job_name"`
	Handler   string        `json:"handler"`
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took"`
	Outcome   Outcome       `json:"outcome"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}
