// Package engine is the timer loop: it decides when a registered schedule fires and
// hands each firing to a Submitter. It never runs job code itself.
package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	logx "cronsched/pkg/logx"
)

var (
	ErrUnknownEntry = errors.New("unknown engine entry")
	ErrStopped      = errors.New("engine is stopped")
)

type EntryID = cron.EntryID

// Submitter accepts work for execution; the worker pool implements it.
type Submitter interface {
	Submit(fn func()) bool
}

// Engine registers schedule and callback pairs and fires them.
type Engine interface {
	Register(s cron.Schedule, fire func()) (EntryID, error)
	Unregister(id EntryID) error
	// Entry reports the engine's view of an entry: next planned firing and last actual one.
	Entry(id EntryID) (next, prev time.Time, ok bool)
	Len() int

	Start() error
	// Stop stops firing. Dispatches already in progress keep going; see Drain.
	Stop() error
	// Drain waits for in-progress dispatches to hand their work off.
	Drain(ctx context.Context) error
}

// Factory builds an engine bound to a submitter.
type Factory func(pool Submitter, log logx.Logger) (Engine, error)
