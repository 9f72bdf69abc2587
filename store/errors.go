package store

import "errors"

// Sentinel errors for caller mistakes on the write paths. Read paths never
// return them: a missing thread id there is treated as "no result".
var (
	// ErrMissingThreadID is returned by Put and PutWrites when the caller
	// omits the thread identifier.
	ErrMissingThreadID = errors.New("store: thread id is required")

	// ErrMissingCheckpointID is returned by PutWrites when no checkpoint
	// id is resolvable from the call.
	ErrMissingCheckpointID = errors.New("store: checkpoint id is required")
)
