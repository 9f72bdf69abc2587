// Package store defines the shared contracts for checkpoint persistence:
// the Saver interface every backend implements, the checkpoint, metadata
// and pending-write types, the lazy TupleIterator produced by List, and
// the Serializer capability that turns payloads into typed byte blobs.
//
// Checkpoints capture the state of a graph execution at specific points so
// a workflow can be paused, inspected, replayed or resumed across process
// restarts. All data is partitioned by a thread id, sub-scoped by a
// namespace (default ""), and addressed by the CheckpointIdentity triple.
//
// # Backends
//
// Four interchangeable implementations ship with this module:
//
//   - store/sqlite: embedded file or in-memory database (the reference
//     backend)
//   - store/postgres: PostgreSQL via pgx
//   - store/redis: Redis
//   - store/memory: process-local maps, for tests and examples
//
// # Basic Usage
//
//	saver, err := sqlite.NewSqliteSaver(sqlite.SqliteOptions{Path: "./checkpoints.db"})
//	if err != nil {
//		return err
//	}
//	defer saver.Close()
//
//	cp := &store.Checkpoint{ID: store.NewCheckpointID(), State: state}
//	identity, err := saver.Put(ctx, "thread-1", "", "", cp, store.CheckpointMetadata{
//		"source": "loop",
//		"step":   3,
//	})
//
//	// Attach speculative per-task outputs before the next step commits.
//	err = saver.PutWrites(ctx, identity.ThreadID, identity.Namespace,
//		identity.CheckpointID, []store.ChannelWrite{
//			{Channel: "messages", Value: reply},
//		}, "task-1")
//
//	// Resume later from the latest checkpoint.
//	tuple, err := saver.GetTuple(ctx, "thread-1", "", "")
//
// # Ordering
//
// The store never generates checkpoint ids. Callers mint them, and
// "latest" is defined purely as the lexicographically greatest id within
// (thread, namespace). NewCheckpointID returns UUIDv7 ids that sort in
// creation order.
//
// # Serialization
//
// Payloads are opaque to the savers: each value is stored as a type tag
// plus a byte blob via the Serializer configured on the backend. The
// default JSONSerializer round-trips values through encoding/json, so
// decoded states carry JSON typing (map[string]any, float64). Use
// TypedSerializer to get concrete struct types back.
package store
