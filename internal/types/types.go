// Package types provides the shared domain types used across doppel packages.
// This package exists to break import cycles between the store, scheduler, and
// orchestration layers. Types here are foundational data structures with no
// behavior beyond validation and small state-machine helpers.
//
// All timestamps are milliseconds since the Unix epoch. All enumerations are
// closed sets; Valid() reports membership.
package types

import "errors"

// Error taxonomy. Every layer wraps these sentinels so HTTP and CLI surfaces
// can map them to stable status codes with errors.Is.
var (
	// ErrNotFound indicates an id that does not resolve to an entity.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a state-machine violation: claiming an already
	// claimed task, starting a second non-parallel worker, enqueueing a
	// duplicate job.
	ErrConflict = errors.New("conflict")

	// ErrInvalid indicates malformed input, including dependency cycles.
	ErrInvalid = errors.New("invalid")

	// ErrTransient indicates a retryable condition that exhausted its
	// retries, such as store contention or an agent timeout.
	ErrTransient = errors.New("transient")
)
