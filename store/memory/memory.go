package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/smallnest/checkpointgo/store"
)

// MemorySaver implements store.Saver on process-local maps. Data does not
// survive a restart; use it for tests, examples and prototyping. Payloads
// still round-trip through the serializer so behavior matches the durable
// backends, including JSON typing of retrieved values.
type MemorySaver struct {
	mu         sync.RWMutex
	serializer store.Serializer

	// checkpoints[threadID][namespace][checkpointID]
	checkpoints map[string]map[string]map[string]*record
}

var _ store.Saver = (*MemorySaver)(nil)

type record struct {
	parentID string
	cpType   string
	cpBlob   []byte
	mdBlob   []byte

	// writes[taskID][idx]
	writes map[string]map[int]writeRecord
}

type writeRecord struct {
	channel   string
	valueType string
	valueBlob []byte
}

// NewMemorySaver creates an empty in-memory saver with the default JSON
// serializer.
func NewMemorySaver() *MemorySaver {
	return NewMemorySaverWithSerializer(nil)
}

// NewMemorySaverWithSerializer creates an in-memory saver with a custom
// serializer. A nil serializer falls back to store.JSONSerializer.
func NewMemorySaverWithSerializer(serializer store.Serializer) *MemorySaver {
	if serializer == nil {
		serializer = store.JSONSerializer{}
	}
	return &MemorySaver{
		serializer:  serializer,
		checkpoints: make(map[string]map[string]map[string]*record),
	}
}

// Put implements store.Saver.
func (s *MemorySaver) Put(ctx context.Context, threadID, namespace, parentCheckpointID string, checkpoint *store.Checkpoint, metadata store.CheckpointMetadata) (store.CheckpointIdentity, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	namespaces, ok := s.checkpoints[threadID]
	if !ok {
		namespaces = make(map[string]map[string]*record)
		s.checkpoints[threadID] = namespaces
	}
	records, ok := namespaces[namespace]
	if !ok {
		records = make(map[string]*record)
		namespaces[namespace] = records
	}

	existing := records[checkpoint.ID]
	rec := &record{
		parentID: parentCheckpointID,
		cpType:   cpType,
		cpBlob:   cpBlob,
		mdBlob:   mdBlob,
	}
	if existing != nil {
		// Re-put overwrites the payload but keeps attached writes.
		rec.writes = existing.writes
	}
	records[checkpoint.ID] = rec

	return store.CheckpointIdentity{
		ThreadID:     threadID,
		Namespace:    namespace,
		CheckpointID: checkpoint.ID,
	}, nil
}

// Get implements store.Saver.
func (s *MemorySaver) Get(ctx context.Context, threadID, namespace, checkpointID string) (*store.Checkpoint, error) {
	s.mu.RLock()
	id, rec := s.resolve(threadID, namespace, checkpointID)
	s.mu.RUnlock()
	if rec == nil {
		return nil, nil
	}

	state, err := s.serializer.Deserialize(rec.cpType, rec.cpBlob)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &store.Checkpoint{ID: id, State: state}, nil
}

// GetTuple implements store.Saver.
func (s *MemorySaver) GetTuple(ctx context.Context, threadID, namespace, checkpointID string) (*store.CheckpointTuple, error) {
	s.mu.RLock()
	id, rec := s.resolve(threadID, namespace, checkpointID)
	s.mu.RUnlock()
	if rec == nil {
		return nil, nil
	}
	return s.assembleTuple(threadID, namespace, id, rec)
}

// List implements store.Saver. Ids are snapshotted up front; payload
// deserialization and write lookups happen lazily per advance.
func (s *MemorySaver) List(ctx context.Context, threadID, namespace string, opts store.ListOptions) (store.TupleIterator, error) {
	s.mu.RLock()
	var ids []string
	for id, rec := range s.checkpoints[threadID][namespace] {
		// Placeholders holding only early writes are not checkpoints and
		// must not consume a Limit slot.
		if rec.cpBlob == nil {
			continue
		}
		if opts.Before != "" && id >= opts.Before {
			continue
		}
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}

	return &memoryIterator{
		saver:     s,
		threadID:  threadID,
		namespace: namespace,
		ids:       ids,
		filter:    opts.Filter,
	}, nil
}

// PutWrites implements store.Saver.
func (s *MemorySaver) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []store.ChannelWrite, taskID string) error {
	if threadID == "" {
		return store.ErrMissingThreadID
	}
	if checkpointID == "" {
		return store.ErrMissingCheckpointID
	}

	for idx, write := range writes {
		valueType, valueBlob, err := s.serializer.Serialize(write.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write %d: %w", idx, err)
		}

		s.mu.Lock()
		rec := s.checkpoints[threadID][namespace][checkpointID]
		if rec == nil {
			// Writes may land before their checkpoint; keep them under a
			// placeholder record so the eventual Put picks them up.
			rec = &record{}
			namespaces, ok := s.checkpoints[threadID]
			if !ok {
				namespaces = make(map[string]map[string]*record)
				s.checkpoints[threadID] = namespaces
			}
			records, ok := namespaces[namespace]
			if !ok {
				records = make(map[string]*record)
				namespaces[namespace] = records
			}
			records[checkpointID] = rec
		}
		if rec.writes == nil {
			rec.writes = make(map[string]map[int]writeRecord)
		}
		task, ok := rec.writes[taskID]
		if !ok {
			task = make(map[int]writeRecord)
			rec.writes[taskID] = task
		}
		task[idx] = writeRecord{channel: write.Channel, valueType: valueType, valueBlob: valueBlob}
		s.mu.Unlock()
	}
	return nil
}

// DeleteCheckpoint implements store.Saver.
func (s *MemorySaver) DeleteCheckpoint(ctx context.Context, threadID, checkpointID, namespace string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.checkpoints[threadID][namespace]
	rec := records[checkpointID]
	delete(records, checkpointID)
	// A placeholder holding only early writes is not a checkpoint row.
	return rec != nil && rec.cpBlob != nil, nil
}

// DeleteThread implements store.Saver.
func (s *MemorySaver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, threadID)
	return nil
}

// Stats implements store.Saver.
func (s *MemorySaver) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats store.Stats
	for _, namespaces := range s.checkpoints {
		counted := false
		for _, records := range namespaces {
			for _, rec := range records {
				// A placeholder holding only early writes is not a
				// checkpoint row, but its writes are stored writes.
				if rec.cpBlob != nil {
					stats.TotalCheckpoints++
					counted = true
				}
				for _, task := range rec.writes {
					stats.TotalWrites += len(task)
				}
			}
		}
		if counted {
			stats.TotalThreads++
		}
	}
	return stats, nil
}

// Close implements store.Saver. There is no connection to release.
func (s *MemorySaver) Close() error {
	return nil
}

// resolve finds the requested record, or the latest when checkpointID is
// empty. Callers must hold the read lock.
func (s *MemorySaver) resolve(threadID, namespace, checkpointID string) (string, *record) {
	records := s.checkpoints[threadID][namespace]
	if checkpointID != "" {
		rec := records[checkpointID]
		if rec == nil || rec.cpBlob == nil {
			return "", nil
		}
		return checkpointID, rec
	}

	var latest string
	for id, rec := range records {
		if rec.cpBlob == nil {
			continue
		}
		if id > latest {
			latest = id
		}
	}
	if latest == "" {
		return "", nil
	}
	return latest, records[latest]
}

func (s *MemorySaver) assembleTuple(threadID, namespace, id string, rec *record) (*store.CheckpointTuple, error) {
	state, err := s.serializer.Deserialize(rec.cpType, rec.cpBlob)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	mdValue, err := s.serializer.Deserialize(s.serializer.DefaultTag(), rec.mdBlob)
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
	if rec.parentID != "" {
		tuple.ParentIdentity = &store.CheckpointIdentity{
			ThreadID:     threadID,
			Namespace:    namespace,
			CheckpointID: rec.parentID,
		}
	}

	writes, err := s.collectWrites(rec)
	if err != nil {
		return nil, err
	}
	tuple.PendingWrites = writes
	return tuple, nil
}

func (s *MemorySaver) collectWrites(rec *record) ([]store.PendingWrite, error) {
	s.mu.RLock()
	type flatWrite struct {
		taskID string
		idx    int
		write  writeRecord
	}
	var flat []flatWrite
	for taskID, task := range rec.writes {
		for idx, write := range task {
			flat = append(flat, flatWrite{taskID: taskID, idx: idx, write: write})
		}
	}
	s.mu.RUnlock()

	if len(flat) == 0 {
		return nil, nil
	}

	sort.Slice(flat, func(i, j int) bool {
		if flat[i].taskID != flat[j].taskID {
			return flat[i].taskID < flat[j].taskID
		}
		return flat[i].idx < flat[j].idx
	})

	writes := make([]store.PendingWrite, 0, len(flat))
	for _, fw := range flat {
		value, err := s.serializer.Deserialize(fw.write.valueType, fw.write.valueBlob)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize write value: %w", err)
		}
		writes = append(writes, store.PendingWrite{
			TaskID:  fw.taskID,
			Channel: fw.write.channel,
			Value:   value,
		})
	}
	return writes, nil
}

// memoryIterator walks a snapshot of matching ids, assembling each tuple
// on demand.
type memoryIterator struct {
	saver     *MemorySaver
	threadID  string
	namespace string
	ids       []string
	filter    map[string]any

	pos     int
	current *store.CheckpointTuple
	err     error
}

var _ store.TupleIterator = (*memoryIterator)(nil)

// Next implements store.TupleIterator.
func (it *memoryIterator) Next() bool {
	if it.err != nil {
		return false
	}

	for it.pos < len(it.ids) {
		id := it.ids[it.pos]
		it.pos++

		it.saver.mu.RLock()
		rec := it.saver.checkpoints[it.threadID][it.namespace][id]
		it.saver.mu.RUnlock()
		if rec == nil || rec.cpBlob == nil {
			continue
		}

		tuple, err := it.saver.assembleTuple(it.threadID, it.namespace, id, rec)
		if err != nil {
			it.err = err
			return false
		}
		if len(it.filter) > 0 && !tuple.Metadata.Matches(it.filter) {
			continue
		}

		it.current = tuple
		return true
	}
	return false
}

// Tuple implements store.TupleIterator.
func (it *memoryIterator) Tuple() *store.CheckpointTuple {
	return it.current
}

// Err implements store.TupleIterator.
func (it *memoryIterator) Err() error {
	return it.err
}

// Close implements store.TupleIterator.
func (it *memoryIterator) Close() error {
	it.pos = len(it.ids)
	return nil
}
