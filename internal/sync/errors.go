package sync

import "errors"

// Sentinel errors completing the taxonomy spec.md §7 lays out on top of
// pkg/adapter's InvalidPath/PermissionDenied/NotFound/TransientIO categories:
// Conflict, Timeout, Cancelled and Fatal are sync-engine-level outcomes
// rather than adapter-level ones.
var (
	// ErrConflict marks a planned action that could not be auto-resolved
	// (resolver returned an unsupported value, or Ask had no handler).
	ErrConflict = errors.New("sync: unresolved conflict")

	// ErrTimeout means a run's TimeoutSeconds deadline elapsed.
	ErrTimeout = errors.New("sync: run timed out")

	// ErrCancelled means the caller's context was cancelled mid-run.
	ErrCancelled = errors.New("sync: run cancelled")

	// ErrFatal marks an error that aborts the entire run rather than being
	// recorded against a single path (e.g. the state store itself failed).
	ErrFatal = errors.New("sync: fatal error")
)
