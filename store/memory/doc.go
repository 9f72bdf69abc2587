// Package memory provides a process-local, map-backed implementation of
// store.Saver for tests, examples and prototyping.
//
// Nothing is persisted across restarts, but the semantics match the
// durable backends: payloads round-trip through the configured serializer,
// "latest" is the lexicographically greatest checkpoint id, deletes
// cascade to pending writes, and List yields tuples lazily in descending
// id order.
//
//	saver := memory.NewMemorySaver()
//	defer saver.Close()
package memory
