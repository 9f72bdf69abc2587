package store

import "context"

// CheckpointIdentity is the addressing triple for a checkpoint. It is
// returned by Put and fed back as the parent id of a subsequent Put to
// establish the parent chain.
type CheckpointIdentity struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id"`
}

// Checkpoint is an immutable snapshot of graph state at one execution step.
//
// The ID must be monotonically sortable as a string: the store relies on
// lexicographic ordering of checkpoint ids to determine "latest" and to
// implement the Before range filter. Use NewCheckpointID to mint ids with
// that property; the store itself never generates or validates ids.
type Checkpoint struct {
	ID    string `json:"id"`
	State any    `json:"state"`
}

// CheckpointMetadata is opaque side-information accompanying a checkpoint
// (provenance, step number, prior writes). It is decoded into an untyped
// map at the storage boundary so metadata filters can match on top-level
// fields.
type CheckpointMetadata map[string]any

// Matches reports whether every key in filter is present in the metadata
// with an equal value. A nil or empty filter matches everything.
func (m CheckpointMetadata) Matches(filter map[string]any) bool {
	for key, want := range filter {
		got, ok := m[key]
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// ChannelWrite is one named output handed to PutWrites. Its position in
// the writes slice becomes the persisted idx.
type ChannelWrite struct {
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// PendingWrite is a speculative, task-scoped output attached to a
// checkpoint, as read back from the store. Writes are ordered by task id
// then by insertion position within the task.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// CheckpointTuple is a checkpoint reassembled with its metadata, its
// parent's identity and its pending writes.
type CheckpointTuple struct {
	Identity       CheckpointIdentity
	Checkpoint     *Checkpoint
	Metadata       CheckpointMetadata
	ParentIdentity *CheckpointIdentity // nil for a root checkpoint
	PendingWrites  []PendingWrite      // nil when no writes exist
}

// ListOptions narrows a List call.
type ListOptions struct {
	// Before restricts results to checkpoint ids strictly less than the
	// given id (lexicographic compare). Empty means no lower bound.
	Before string

	// Limit caps the number of rows fetched from the backend. The cap is
	// applied after ordering and before the metadata Filter, so a filtered
	// listing can return fewer than Limit tuples even when more matching
	// rows exist beyond the cutoff. Zero means no limit.
	Limit int

	// Filter maps metadata field names to required exact values. It is
	// applied per tuple after deserialization; non-matching tuples are
	// skipped and do not count toward Limit.
	Filter map[string]any
}

// Stats are aggregate counts over the stored data.
type Stats struct {
	TotalCheckpoints int `json:"total_checkpoints"`
	TotalWrites      int `json:"total_writes"`
	TotalThreads     int `json:"total_threads"`
}

// TupleIterator is a lazy, pull-based sequence of checkpoint tuples
// produced by List. Each advance performs its own pending-writes lookup,
// so a consumer that stops early leaves later rows unfetched. Iterators
// are not safe for concurrent use.
//
//	it, err := saver.List(ctx, "thread-1", "", store.ListOptions{})
//	if err != nil { ... }
//	defer it.Close()
//	for it.Next() {
//		tuple := it.Tuple()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type TupleIterator interface {
	// Next advances to the next tuple, returning false when the sequence
	// is exhausted or an error occurred.
	Next() bool

	// Tuple returns the tuple produced by the last successful Next.
	Tuple() *CheckpointTuple

	// Err returns the first error encountered during iteration.
	Err() error

	// Close releases resources held by the iterator. Safe to call more
	// than once.
	Close() error
}

// Saver persists and retrieves checkpoints keyed by a logical thread of
// execution. All implementations share upsert semantics on the identity
// triple and cascade-delete pending writes with their checkpoint.
type Saver interface {
	// Put upserts a checkpoint and its metadata. parentCheckpointID is
	// empty for a root checkpoint. Returns ErrMissingThreadID when
	// threadID is empty.
	Put(ctx context.Context, threadID, namespace, parentCheckpointID string, checkpoint *Checkpoint, metadata CheckpointMetadata) (CheckpointIdentity, error)

	// Get returns the checkpoint payload alone: the exact checkpoint when
	// checkpointID is given, else the latest one for (threadID, namespace).
	// A missing thread or checkpoint yields (nil, nil).
	Get(ctx context.Context, threadID, namespace, checkpointID string) (*Checkpoint, error)

	// GetTuple resolves a checkpoint like Get and reassembles it with its
	// metadata, parent identity and pending writes. (nil, nil) when absent.
	GetTuple(ctx context.Context, threadID, namespace, checkpointID string) (*CheckpointTuple, error)

	// List returns a lazy iterator over tuples for (threadID, namespace),
	// ordered by checkpoint id descending. An unknown thread produces an
	// empty sequence, not an error.
	List(ctx context.Context, threadID, namespace string, opts ListOptions) (TupleIterator, error)

	// PutWrites upserts one pending write per element of writes, in input
	// order, keyed by (threadID, namespace, checkpointID, taskID, position).
	// The writes are separate statements: a failure partway leaves earlier
	// writes committed, and retrying the full call is safe.
	PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []ChannelWrite, taskID string) error

	// DeleteCheckpoint removes one checkpoint and its pending writes,
	// reporting whether the checkpoint row existed.
	DeleteCheckpoint(ctx context.Context, threadID, checkpointID, namespace string) (bool, error)

	// DeleteThread removes every checkpoint and pending write for the
	// thread across all namespaces. No error if the thread does not exist.
	DeleteThread(ctx context.Context, threadID string) error

	// Stats returns aggregate counts over the stored data.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the underlying connection when the saver owns it.
	// Idempotent; a no-op on savers wrapping a caller-supplied connection.
	Close() error
}

// CollectTuples drains an iterator into a slice and closes it. Intended
// for tests and small listings; production consumers should iterate
// lazily.
func CollectTuples(it TupleIterator) ([]*CheckpointTuple, error) {
	defer it.Close()

	var tuples []*CheckpointTuple
	for it.Next() {
		tuples = append(tuples, it.Tuple())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return tuples, nil
}
