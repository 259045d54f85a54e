package store

import "errors"

var (
	// ErrNotFound is returned when a referenced user or image does not exist.
	// For point lookups absence is a normal outcome; callers are expected
	// to branch on this sentinel rather than treat it as a failure.
	ErrNotFound = errors.New("sketchstore: not found")

	// ErrCommitConflict is returned when the atomic multi-key commit could
	// not be applied because of a backend-detected conflict. The operation
	// left no partial state and may be retried by the caller.
	ErrCommitConflict = errors.New("sketchstore: commit conflict")
)
