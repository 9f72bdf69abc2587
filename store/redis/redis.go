package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/store"
)

// RedisSaver implements store.Saver on Redis. Checkpoints live in hashes,
// with a lexicographic sorted set per (thread, namespace) providing the
// id ordering the latest/Before/Limit queries rely on.
type RedisSaver struct {
	client     *redis.Client
	serializer store.Serializer
	prefix     string

	mu         sync.Mutex
	ownsClient bool
	closed     bool
}

var _ store.Saver = (*RedisSaver)(nil)

// RedisOptions configuration for the Redis saver.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key, default "checkpointgo:".
	Prefix string

	// Serializer encodes checkpoint, metadata and write payloads.
	// Defaults to store.JSONSerializer.
	Serializer store.Serializer
}

// NewRedisSaver connects to Redis with the given options. The returned
// saver owns the client and closes it on Close.
func NewRedisSaver(opts RedisOptions) *RedisSaver {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	saver := NewRedisSaverWithClient(client, opts.Serializer, opts.Prefix)
	saver.ownsClient = true
	return saver
}

// NewRedisSaverWithClient wraps an already-connected client without
// taking ownership: Close on the returned saver leaves the client open.
func NewRedisSaverWithClient(client *redis.Client, serializer store.Serializer, prefix string) *RedisSaver {
	if serializer == nil {
		serializer = store.JSONSerializer{}
	}
	if prefix == "" {
		prefix = "checkpointgo:"
	}
	return &RedisSaver{
		client:     client,
		serializer: serializer,
		prefix:     prefix,
	}
}

// keyEscaper makes ":" safe inside key components, so distinct
// (thread, namespace, id) triples never collide on the same key.
var keyEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

func escapeKeyPart(part string) string {
	return keyEscaper.Replace(part)
}

func (s *RedisSaver) checkpointKey(threadID, namespace, checkpointID string) string {
	return fmt.Sprintf("%scp:%s:%s:%s", s.prefix,
		escapeKeyPart(threadID), escapeKeyPart(namespace), escapeKeyPart(checkpointID))
}

func (s *RedisSaver) writesKey(threadID, namespace, checkpointID string) string {
	return fmt.Sprintf("%swrites:%s:%s:%s", s.prefix,
		escapeKeyPart(threadID), escapeKeyPart(namespace), escapeKeyPart(checkpointID))
}

func (s *RedisSaver) indexKey(threadID, namespace string) string {
	return fmt.Sprintf("%sindex:%s:%s", s.prefix,
		escapeKeyPart(threadID), escapeKeyPart(namespace))
}

// writesIndexKey is a set of checkpoint ids that have pending writes,
// including ids whose checkpoint has not been put yet.
func (s *RedisSaver) writesIndexKey(threadID, namespace string) string {
	return fmt.Sprintf("%swriteids:%s:%s", s.prefix,
		escapeKeyPart(threadID), escapeKeyPart(namespace))
}

func (s *RedisSaver) namespacesKey(threadID string) string {
	return fmt.Sprintf("%sns:%s", s.prefix, escapeKeyPart(threadID))
}

func (s *RedisSaver) threadsKey() string {
	return s.prefix + "threads"
}

// writeEnvelope is the JSON stored per pending write in the writes hash.
type writeEnvelope struct {
	TaskID  string `json:"task_id"`
	Idx     int    `json:"idx"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Value   []byte `json:"value"`
}

// Put implements store.Saver.
func (s *RedisSaver) Put(ctx context.Context, threadID, namespace, parentCheckpointID string, checkpoint *store.Checkpoint, metadata store.CheckpointMetadata) (store.CheckpointIdentity, error) {
	if threadID == "" {
		return store.CheckpointIdentity{}, store.ErrMissingThreadID
	}

	cpType, cpBlob, err := s.serializer.Serialize(checkpoint.State)
	if err != nil {
		return store.CheckpointIdentity{}, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	_, mdBlob, err := s.serializer.Serialize(metadata)
	if err != nil {
		return store.CheckpointIdentity{}, fmt.Errorf("failed to serialize metadata: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.checkpointKey(threadID, namespace, checkpoint.ID), map[string]any{
		"parent":     parentCheckpointID,
		"type":       cpType,
		"checkpoint": cpBlob,
		"metadata":   mdBlob,
	})
	pipe.ZAdd(ctx, s.indexKey(threadID, namespace), redis.Z{Score: 0, Member: checkpoint.ID})
	pipe.SAdd(ctx, s.namespacesKey(threadID), namespace)
	pipe.SAdd(ctx, s.threadsKey(), threadID)

	if _, err := pipe.Exec(ctx); err != nil {
		return store.CheckpointIdentity{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return store.CheckpointIdentity{
		ThreadID:     threadID,
		Namespace:    namespace,
		CheckpointID: checkpoint.ID,
	}, nil
}

// Get implements store.Saver.
func (s *RedisSaver) Get(ctx context.Context, threadID, namespace, checkpointID string) (*store.Checkpoint, error) {
	id, fields, err := s.resolve(ctx, threadID, namespace, checkpointID)
	if err != nil || fields == nil {
		return nil, err
	}

	state, err := s.serializer.Deserialize(fields["type"], []byte(fields["checkpoint"]))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &store.Checkpoint{ID: id, State: state}, nil
}

// GetTuple implements store.Saver.
func (s *RedisSaver) GetTuple(ctx context.Context, threadID, namespace, checkpointID string) (*store.CheckpointTuple, error) {
	id, fields, err := s.resolve(ctx, threadID, namespace, checkpointID)
	if err != nil || fields == nil {
		return nil, err
	}

	tuple, err := s.assembleTuple(threadID, namespace, id, fields)
	if err != nil {
		return nil, err
	}

	writes, err := s.pendingWrites(ctx, threadID, namespace, id)
	if err != nil {
		return nil, err
	}
	tuple.PendingWrites = writes
	return tuple, nil
}

// List implements store.Saver. The id range is resolved up front from the
// sorted set; hashes and writes are fetched lazily per advance.
func (s *RedisSaver) List(ctx context.Context, threadID, namespace string, opts store.ListOptions) (store.TupleIterator, error) {
	max := "+"
	if opts.Before != "" {
		max = "(" + opts.Before
	}

	ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(threadID, namespace), &redis.ZRangeBy{
		Min:   "-",
		Max:   max,
		Count: int64(opts.Limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	return &redisIterator{
		ctx:       ctx,
		saver:     s,
		threadID:  threadID,
		namespace: namespace,
		ids:       ids,
		filter:    opts.Filter,
	}, nil
}

// PutWrites implements store.Saver. Each write is its own HSET, matching
// the non-transactional contract of the other backends.
func (s *RedisSaver) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []store.ChannelWrite, taskID string) error {
	if threadID == "" {
		return store.ErrMissingThreadID
	}
	if checkpointID == "" {
		return store.ErrMissingCheckpointID
	}

	// Writes may land before their checkpoint is put, so they register
	// their own bookkeeping; DeleteThread and Stats must see them even
	// when the checkpoint id never appears in the main index.
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.writesIndexKey(threadID, namespace), checkpointID)
	pipe.SAdd(ctx, s.namespacesKey(threadID), namespace)
	pipe.SAdd(ctx, s.threadsKey(), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register writes: %w", err)
	}

	key := s.writesKey(threadID, namespace, checkpointID)
	for idx, write := range writes {
		valueType, valueBlob, err := s.serializer.Serialize(write.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write %d: %w", idx, err)
		}

		envelope, err := json.Marshal(writeEnvelope{
			TaskID:  taskID,
			Idx:     idx,
			Channel: write.Channel,
			Type:    valueType,
			Value:   valueBlob,
		})
		if err != nil {
			return fmt.Errorf("failed to encode write %d: %w", idx, err)
		}

		field := fmt.Sprintf("%s\x1f%06d", taskID, idx)
		if err := s.client.HSet(ctx, key, field, envelope).Err(); err != nil {
			return fmt.Errorf("failed to save write %d: %w", idx, err)
		}
	}
	return nil
}

// DeleteCheckpoint implements store.Saver.
func (s *RedisSaver) DeleteCheckpoint(ctx context.Context, threadID, checkpointID, namespace string) (bool, error) {
	if err := s.client.Del(ctx, s.writesKey(threadID, namespace, checkpointID)).Err(); err != nil {
		return false, fmt.Errorf("failed to delete checkpoint writes: %w", err)
	}

	deleted, err := s.client.Del(ctx, s.checkpointKey(threadID, namespace, checkpointID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if err := s.client.ZRem(ctx, s.indexKey(threadID, namespace), checkpointID).Err(); err != nil {
		return false, fmt.Errorf("failed to update checkpoint index: %w", err)
	}
	if err := s.client.SRem(ctx, s.writesIndexKey(threadID, namespace), checkpointID).Err(); err != nil {
		return false, fmt.Errorf("failed to update writes index: %w", err)
	}

	if err := s.cleanupIndex(ctx, threadID, namespace); err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// DeleteThread implements store.Saver.
func (s *RedisSaver) DeleteThread(ctx context.Context, threadID string) error {
	namespaces, err := s.client.SMembers(ctx, s.namespacesKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list thread namespaces: %w", err)
	}

	for _, namespace := range namespaces {
		ids, err := s.namespaceIDs(ctx, threadID, namespace)
		if err != nil {
			return err
		}

		pipe := s.client.Pipeline()
		for _, id := range ids {
			pipe.Del(ctx, s.checkpointKey(threadID, namespace, id))
			pipe.Del(ctx, s.writesKey(threadID, namespace, id))
		}
		pipe.Del(ctx, s.indexKey(threadID, namespace))
		pipe.Del(ctx, s.writesIndexKey(threadID, namespace))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete thread checkpoints: %w", err)
		}
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.namespacesKey(threadID))
	pipe.SRem(ctx, s.threadsKey(), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete thread bookkeeping: %w", err)
	}
	log.Debug("deleted thread %s", threadID)
	return nil
}

// Stats implements store.Saver.
func (s *RedisSaver) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats

	threads, err := s.client.SMembers(ctx, s.threadsKey()).Result()
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to list threads: %w", err)
	}

	for _, threadID := range threads {
		namespaces, err := s.client.SMembers(ctx, s.namespacesKey(threadID)).Result()
		if err != nil {
			return store.Stats{}, fmt.Errorf("failed to list thread namespaces: %w", err)
		}

		counted := false
		for _, namespace := range namespaces {
			indexed, err := s.client.ZRange(ctx, s.indexKey(threadID, namespace), 0, -1).Result()
			if err != nil {
				return store.Stats{}, fmt.Errorf("failed to list thread checkpoints: %w", err)
			}
			stats.TotalCheckpoints += len(indexed)
			if len(indexed) > 0 {
				counted = true
			}

			// Writes are counted over every id that has them, including
			// ids whose checkpoint was never put.
			ids, err := s.namespaceIDs(ctx, threadID, namespace)
			if err != nil {
				return store.Stats{}, err
			}
			for _, id := range ids {
				n, err := s.client.HLen(ctx, s.writesKey(threadID, namespace, id)).Result()
				if err != nil {
					return store.Stats{}, fmt.Errorf("failed to count writes: %w", err)
				}
				stats.TotalWrites += int(n)
			}
		}
		if counted {
			stats.TotalThreads++
		}
	}
	return stats, nil
}

// Close releases the client when this saver owns it. Idempotent.
func (s *RedisSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// resolve finds the requested checkpoint hash, or the latest id from the
// sorted set when checkpointID is empty. A nil map means not found.
func (s *RedisSaver) resolve(ctx context.Context, threadID, namespace, checkpointID string) (string, map[string]string, error) {
	id := checkpointID
	if id == "" {
		ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(threadID, namespace), &redis.ZRangeBy{
			Min:   "-",
			Max:   "+",
			Count: 1,
		}).Result()
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve latest checkpoint: %w", err)
		}
		if len(ids) == 0 {
			return "", nil, nil
		}
		id = ids[0]
	}

	fields, err := s.client.HGetAll(ctx, s.checkpointKey(threadID, namespace, id)).Result()
	if err != nil {
		return "", nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(fields) == 0 {
		return "", nil, nil
	}
	return id, fields, nil
}

func (s *RedisSaver) assembleTuple(threadID, namespace, id string, fields map[string]string) (*store.CheckpointTuple, error) {
	state, err := s.serializer.Deserialize(fields["type"], []byte(fields["checkpoint"]))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	mdValue, err := s.serializer.Deserialize(s.serializer.DefaultTag(), []byte(fields["metadata"]))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
	}

	tuple := &store.CheckpointTuple{
		Identity: store.CheckpointIdentity{
			ThreadID:     threadID,
			Namespace:    namespace,
			CheckpointID: id,
		},
		Checkpoint: &store.Checkpoint{ID: id, State: state},
	}
	if md, ok := mdValue.(map[string]any); ok {
		tuple.Metadata = store.CheckpointMetadata(md)
	}
	if parent := fields["parent"]; parent != "" {
		tuple.ParentIdentity = &store.CheckpointIdentity{
			ThreadID:     threadID,
			Namespace:    namespace,
			CheckpointID: parent,
		}
	}
	return tuple, nil
}

func (s *RedisSaver) pendingWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]store.PendingWrite, error) {
	raw, err := s.client.HGetAll(ctx, s.writesKey(threadID, namespace, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	envelopes := make([]writeEnvelope, 0, len(raw))
	for _, data := range raw {
		var env writeEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return nil, fmt.Errorf("failed to decode write: %w", err)
		}
		envelopes = append(envelopes, env)
	}

	sort.Slice(envelopes, func(i, j int) bool {
		if envelopes[i].TaskID != envelopes[j].TaskID {
			return envelopes[i].TaskID < envelopes[j].TaskID
		}
		return envelopes[i].Idx < envelopes[j].Idx
	})

	writes := make([]store.PendingWrite, 0, len(envelopes))
	for _, env := range envelopes {
		value, err := s.serializer.Deserialize(env.Type, env.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize write value: %w", err)
		}
		writes = append(writes, store.PendingWrite{
			TaskID:  env.TaskID,
			Channel: env.Channel,
			Value:   value,
		})
	}
	return writes, nil
}

// namespaceIDs returns the union of checkpoint ids known for a namespace:
// ids in the main index plus ids that only have pending writes.
func (s *RedisSaver) namespaceIDs(ctx context.Context, threadID, namespace string) ([]string, error) {
	indexed, err := s.client.ZRange(ctx, s.indexKey(threadID, namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list thread checkpoints: %w", err)
	}
	withWrites, err := s.client.SMembers(ctx, s.writesIndexKey(threadID, namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint write ids: %w", err)
	}

	seen := make(map[string]bool, len(indexed)+len(withWrites))
	ids := make([]string, 0, len(indexed)+len(withWrites))
	for _, id := range indexed {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range withWrites {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// cleanupIndex drops the bookkeeping entries for an emptied namespace and
// thread so Stats does not count ghosts.
func (s *RedisSaver) cleanupIndex(ctx context.Context, threadID, namespace string) error {
	n, err := s.client.ZCard(ctx, s.indexKey(threadID, namespace)).Result()
	if err != nil {
		return fmt.Errorf("failed to inspect checkpoint index: %w", err)
	}
	writeIDs, err := s.client.SCard(ctx, s.writesIndexKey(threadID, namespace)).Result()
	if err != nil {
		return fmt.Errorf("failed to inspect writes index: %w", err)
	}
	if n > 0 || writeIDs > 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.indexKey(threadID, namespace))
	pipe.Del(ctx, s.writesIndexKey(threadID, namespace))
	pipe.SRem(ctx, s.namespacesKey(threadID), namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clean checkpoint index: %w", err)
	}

	remaining, err := s.client.SCard(ctx, s.namespacesKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("failed to inspect thread namespaces: %w", err)
	}
	if remaining == 0 {
		if err := s.client.SRem(ctx, s.threadsKey(), threadID).Err(); err != nil {
			return fmt.Errorf("failed to clean thread registry: %w", err)
		}
	}
	return nil
}

// redisIterator walks the resolved id range, fetching each checkpoint
// hash and its writes on demand.
type redisIterator struct {
	ctx       context.Context
	saver     *RedisSaver
	threadID  string
	namespace string
	ids       []string
	filter    map[string]any

	pos     int
	current *store.CheckpointTuple
	err     error
}

var _ store.TupleIterator = (*redisIterator)(nil)

// Next implements store.TupleIterator.
func (it *redisIterator) Next() bool {
	if it.err != nil {
		return false
	}

	for it.pos < len(it.ids) {
		id := it.ids[it.pos]
		it.pos++

		fields, err := it.saver.client.HGetAll(it.ctx,
			it.saver.checkpointKey(it.threadID, it.namespace, id)).Result()
		if err != nil {
			it.err = fmt.Errorf("failed to load checkpoint: %w", err)
			return false
		}
		if len(fields) == 0 {
			// Index entry without a hash: deleted concurrently.
			continue
		}

		tuple, err := it.saver.assembleTuple(it.threadID, it.namespace, id, fields)
		if err != nil {
			it.err = err
			return false
		}
		if len(it.filter) > 0 && !tuple.Metadata.Matches(it.filter) {
			continue
		}

		writes, err := it.saver.pendingWrites(it.ctx, it.threadID, it.namespace, id)
		if err != nil {
			it.err = err
			return false
		}
		tuple.PendingWrites = writes

		it.current = tuple
		return true
	}
	return false
}

// Tuple implements store.TupleIterator.
func (it *redisIterator) Tuple() *store.CheckpointTuple {
	return it.current
}

// Err implements store.TupleIterator.
func (it *redisIterator) Err() error {
	return it.err
}

// Close implements store.TupleIterator.
func (it *redisIterator) Close() error {
	it.pos = len(it.ids)
	return nil
}
