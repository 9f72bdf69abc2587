// Package redis provides a Redis-backed checkpoint saver.
//
// Each checkpoint is a hash keyed by (thread, namespace, id), holding the
// parent id, the serializer tag and the checkpoint and metadata blobs.
// A sorted set per (thread, namespace) keeps checkpoint ids in
// lexicographic order, which is what resolves "latest" and drives the
// Before/Limit windows of List. Pending writes live in a hash per
// checkpoint, one field per (task, index) pair. Key components are
// escaped before joining, so thread ids and namespaces may contain ":".
//
// Use NewRedisSaver to connect with options, or NewRedisSaverWithClient
// to wrap an existing client the caller keeps ownership of.
package redis
