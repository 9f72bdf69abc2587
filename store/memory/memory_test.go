package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointgo/store"
)

func put(t *testing.T, saver *MemorySaver, threadID, ns, parentID, checkpointID string, state any, md store.CheckpointMetadata) store.CheckpointIdentity {
	t.Helper()

	identity, err := saver.Put(context.Background(), threadID, ns, parentID,
		&store.Checkpoint{ID: checkpointID, State: state}, md)
	require.NoError(t, err)
	return identity
}

func TestMemorySaver_RoundTrip(t *testing.T) {
	saver := NewMemorySaver()
	ctx := context.Background()

	state := map[string]any{"counter": float64(1)}
	metadata := store.CheckpointMetadata{"source": "input", "step": float64(0)}
	put(t, saver, "thread-1", "", "", "c1", state, metadata)

	tuple, err := saver.GetTuple(ctx, "thread-1", "", "c1")
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, state, tuple.Checkpoint.State)
	assert.Equal(t, metadata, tuple.Metadata)
	assert.Nil(t, tuple.ParentIdentity)
	assert.Nil(t, tuple.PendingWrites)
}

func TestMemorySaver_LatestAndParent(t *testing.T) {
	saver := NewMemorySaver()
	ctx := context.Background()

	put(t, saver, "thread-1", "", "", "c1", map[string]any{"n": float64(1)}, nil)
	put(t, saver, "thread-1", "", "c1", "c2", map[string]any{"n": float64(2)}, nil)

	cp, err := saver.Get(ctx, "thread-1", "", "")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "c2", cp.ID)

	tuple, err := saver.GetTuple(ctx, "thread-1", "", "")
	require.NoError(t, err)
	require.NotNil(t, tuple.ParentIdentity)
	assert.Equal(t, "c1", tuple.ParentIdentity.CheckpointID)
}

func TestMemorySaver_WritesOrderingAndCascade(t *testing.T) {
	saver := NewMemorySaver()
	ctx := context.Background()

	put(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c1",
		[]store.ChannelWrite{
			{Channel: "a", Value: float64(1)},
			{Channel: "b", Value: float64(2)},
		}, "task-2"))
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c1",
		[]store.ChannelWrite{{Channel: "c", Value: float64(3)}}, "task-1"))

	tuple, err := saver.GetTuple(ctx, "thread-1", "", "c1")
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 3)
	assert.Equal(t, "task-1", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, "c", tuple.PendingWrites[0].Channel)
	assert.Equal(t, "a", tuple.PendingWrites[1].Channel)
	assert.Equal(t, "b", tuple.PendingWrites[2].Channel)

	existed, err := saver.DeleteCheckpoint(ctx, "thread-1", "c1", "")
	require.NoError(t, err)
	assert.True(t, existed)

	stats, err := saver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{}, stats)
}

func TestMemorySaver_ListSemantics(t *testing.T) {
	saver := NewMemorySaver()
	ctx := context.Background()

	for i, id := range []string{"checkpoint-1", "checkpoint-2", "checkpoint-3", "checkpoint-4", "checkpoint-5"} {
		source := "loop"
		if i == 0 {
			source = "input"
		}
		put(t, saver, "thread-1", "", "", id, map[string]any{}, store.CheckpointMetadata{"source": source})
	}

	it, err := saver.List(ctx, "thread-1", "", store.ListOptions{Limit: 2})
	require.NoError(t, err)
	tuples, err := store.CollectTuples(it)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, "checkpoint-5", tuples[0].Checkpoint.ID)
	assert.Equal(t, "checkpoint-4", tuples[1].Checkpoint.ID)

	it, err = saver.List(ctx, "thread-1", "", store.ListOptions{Before: "checkpoint-3"})
	require.NoError(t, err)
	tuples, err = store.CollectTuples(it)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, "checkpoint-2", tuples[0].Checkpoint.ID)

	it, err = saver.List(ctx, "thread-1", "", store.ListOptions{Filter: map[string]any{"source": "input"}})
	require.NoError(t, err)
	tuples, err = store.CollectTuples(it)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, "checkpoint-1", tuples[0].Checkpoint.ID)

	it, err = saver.List(ctx, "unknown", "", store.ListOptions{})
	require.NoError(t, err)
	tuples, err = store.CollectTuples(it)
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

func TestMemorySaver_NamespaceIsolation(t *testing.T) {
	saver := NewMemorySaver()
	ctx := context.Background()

	put(t, saver, "thread-1", "ns1", "", "c1", map[string]any{}, nil)

	cp, err := saver.Get(ctx, "thread-1", "ns2", "c1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestMemorySaver_MissingIDErrors(t *testing.T) {
	saver := NewMemorySaver()
	ctx := context.Background()

	_, err := saver.Put(ctx, "", "", "", &store.Checkpoint{ID: "c1"}, nil)
	assert.ErrorIs(t, err, store.ErrMissingThreadID)

	err = saver.PutWrites(ctx, "thread-1", "", "", nil, "task")
	assert.ErrorIs(t, err, store.ErrMissingCheckpointID)
}

func TestMemorySaver_DeleteThread(t *testing.T) {
	saver := NewMemorySaver()
	ctx := context.Background()

	put(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)
	put(t, saver, "thread-1", "ns1", "", "c2", map[string]any{}, nil)
	put(t, saver, "thread-2", "", "", "c1", map[string]any{}, nil)

	require.NoError(t, saver.DeleteThread(ctx, "thread-1"))

	stats, err := saver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalCheckpoints)
	assert.Equal(t, 1, stats.TotalThreads)
}

func TestMemorySaver_WritesBeforeCheckpoint(t *testing.T) {
	saver := NewMemorySaver()
	ctx := context.Background()

	// Writes can land before the checkpoint they belong to.
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c2",
		[]store.ChannelWrite{{Channel: "a", Value: "early"}}, "task-1"))

	// The placeholder is not a visible checkpoint.
	cp, err := saver.Get(ctx, "thread-1", "", "")
	require.NoError(t, err)
	assert.Nil(t, cp)

	// It does not count as a checkpoint or a thread either, though its
	// writes are stored writes.
	stats, err := saver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{TotalWrites: 1}, stats)

	put(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)

	// The placeholder sorts above c1 but must not consume the Limit slot.
	it, err := saver.List(ctx, "thread-1", "", store.ListOptions{Limit: 1})
	require.NoError(t, err)
	tuples, err := store.CollectTuples(it)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, "c1", tuples[0].Checkpoint.ID)

	stats, err = saver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{TotalCheckpoints: 1, TotalWrites: 1, TotalThreads: 1}, stats)

	put(t, saver, "thread-1", "", "c1", "c2", map[string]any{}, nil)

	tuple, err := saver.GetTuple(ctx, "thread-1", "", "c2")
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "early", tuple.PendingWrites[0].Value)
}
