package storage

import "errors"

var (
	// ErrNotFound indicates the requested object does not exist in the KV
	// store or on disk.
	ErrNotFound = errors.New("object not found")

	// ErrCancelled is raised when a job's cancellation flag is observed at
	// a cooperative checkpoint, or when token exhaustion stops a job.
	ErrCancelled = errors.New("job cancelled")

	// ErrInsufficientTokens indicates the user ledger or the job budget
	// cannot cover a charge. The job is cancelled before this surfaces.
	ErrInsufficientTokens = errors.New("insufficient tokens")

	// ErrUnavailable indicates the KV store is down and the operation has
	// no disk fallback.
	ErrUnavailable = errors.New("storage unavailable")
)
