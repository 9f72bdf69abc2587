// Package sqlite provides the embedded SQLite backend for checkpoint
// persistence. It is the reference implementation of store.Saver: a
// serverless, file-based store with ACID writes and zero external
// services, suited to single-process applications, development and
// desktop use.
//
// # Basic Usage
//
//	import (
//		"github.com/smallnest/checkpointgo/store"
//		"github.com/smallnest/checkpointgo/store/sqlite"
//	)
//
//	saver, err := sqlite.NewSqliteSaver(sqlite.SqliteOptions{
//		Path: "./checkpoints.db",
//	})
//	if err != nil {
//		return err
//	}
//	defer saver.Close()
//
//	cp := &store.Checkpoint{ID: store.NewCheckpointID(), State: state}
//	identity, err := saver.Put(ctx, "thread-1", "", "", cp, metadata)
//
// Use Path ":memory:" for a volatile store in tests. File databases run
// in WAL mode so readers are never blocked by a writer.
//
// # Connection Ownership
//
// NewSqliteSaver opens and owns its *sql.DB; Close releases it. To share
// a connection the application already manages, wrap it instead:
//
//	db, _ := sql.Open("sqlite3", "./app.db")
//	saver, err := sqlite.NewSqliteSaverWithDB(db, nil)
//	...
//	saver.Close() // leaves db open for the caller
//
// Both constructors prepare the schema immediately and are safe to run
// against a database that already has it.
//
// # Schema
//
// Two tables hold all data. checkpoints is keyed by (thread_id,
// checkpoint_ns, checkpoint_id) and stores the serialized payload, its
// type tag, the serialized metadata and an optional parent checkpoint id.
// checkpoint_writes is keyed by (thread_id, checkpoint_ns, checkpoint_id,
// task_id, idx) and stores one speculative write per row. Deleting a
// checkpoint or a thread cascades to the matching writes.
//
// # Consistency
//
// Put is a single upsert and therefore atomic per checkpoint. PutWrites
// issues one statement per write: a failure partway leaves the earlier
// writes committed, and because the rows are keyed upserts, retrying the
// whole call converges to the intended result. There is no transaction
// spanning a Put and its PutWrites; a checkpoint without writes is a
// legitimate state consumers must accept.
package sqlite
