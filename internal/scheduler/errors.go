package scheduler

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"cronsched/internal/identity"
	"cronsched/internal/job"
)

var (
	ErrConfiguration      = job.ErrConfiguration
	ErrPermission         = identity.ErrPermission
	ErrInitialization     = errors.New("scheduler initialization failed")
	ErrScheduling         = errors.New("job scheduling failed")
	ErrJobNotFound        = errors.New("job not found")
	ErrNotInitialized     = errors.New("scheduler is not initialized")
	ErrShutDown           = errors.New("scheduler is shut down")
	ErrAlreadyInitialized = errors.New("scheduler is already initialized")

	// Reported through logs and the run report only; never returned to callers.
	ErrHandlerInstantiation = errors.New("handler instantiation failed")
	ErrHandlerExecution     = errors.New("handler execution failed")
	ErrOverlapSkip          = errors.New("firing skipped: previous run still in progress")
)

// classify returns an error matching both kind and cause, with msg in between.
func classify(kind, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return errors.WithStack(fmt.Errorf("%w: %s", kind, msg))
	}
	return errors.WithStack(fmt.Errorf("%w: %s: %w", kind, msg, cause))
}
