package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointgo/store"
)

func newTestSaver(t *testing.T) *SqliteSaver {
	t.Helper()

	saver, err := NewSqliteSaver(SqliteOptions{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { saver.Close() })
	return saver
}

func putCheckpoint(t *testing.T, saver *SqliteSaver, threadID, ns, parentID, checkpointID string, state any, md store.CheckpointMetadata) store.CheckpointIdentity {
	t.Helper()

	identity, err := saver.Put(context.Background(), threadID, ns, parentID,
		&store.Checkpoint{ID: checkpointID, State: state}, md)
	require.NoError(t, err)
	return identity
}

func TestSqliteSaver_RoundTrip(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	state := map[string]any{"counter": float64(3), "messages": []any{"hi", "there"}}
	metadata := store.CheckpointMetadata{"source": "loop", "step": float64(3)}

	identity := putCheckpoint(t, saver, "thread-1", "", "", "c1", state, metadata)
	assert.Equal(t, "thread-1", identity.ThreadID)
	assert.Equal(t, "", identity.Namespace)
	assert.Equal(t, "c1", identity.CheckpointID)

	tuple, err := saver.GetTuple(ctx, "thread-1", "", "c1")
	require.NoError(t, err)
	require.NotNil(t, tuple)

	assert.Equal(t, identity, tuple.Identity)
	assert.Equal(t, "c1", tuple.Checkpoint.ID)
	assert.Equal(t, state, tuple.Checkpoint.State)
	assert.Equal(t, metadata, tuple.Metadata)
	assert.Nil(t, tuple.ParentIdentity)
	assert.Nil(t, tuple.PendingWrites)
}

func TestSqliteSaver_GetLatestByID(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	// Inserted out of order; "latest" is the max id lexicographically.
	putCheckpoint(t, saver, "thread-1", "", "", "c2", map[string]any{"step": float64(2)}, nil)
	putCheckpoint(t, saver, "thread-1", "", "", "c3", map[string]any{"step": float64(3)}, nil)
	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{"step": float64(1)}, nil)

	cp, err := saver.Get(ctx, "thread-1", "", "")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "c3", cp.ID)

	// Exact lookup still works.
	cp, err = saver.Get(ctx, "thread-1", "", "c1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, map[string]any{"step": float64(1)}, cp.State)
}

func TestSqliteSaver_GetMissing(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	// Unknown thread is "not found", not an error.
	cp, err := saver.Get(ctx, "nope", "", "")
	require.NoError(t, err)
	assert.Nil(t, cp)

	// So is an empty thread id on the read path.
	cp, err = saver.Get(ctx, "", "", "")
	require.NoError(t, err)
	assert.Nil(t, cp)

	tuple, err := saver.GetTuple(ctx, "nope", "", "c1")
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestSqliteSaver_ParentLinkage(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	first := putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{"n": float64(1)}, nil)
	putCheckpoint(t, saver, "thread-1", "", first.CheckpointID, "c2", map[string]any{"n": float64(2)}, nil)

	tuple, err := saver.GetTuple(ctx, "thread-1", "", "c2")
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.NotNil(t, tuple.ParentIdentity)
	assert.Equal(t, "c1", tuple.ParentIdentity.CheckpointID)
	assert.Equal(t, "thread-1", tuple.ParentIdentity.ThreadID)
}

func TestSqliteSaver_UpsertOverwrites(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{"v": "old"}, nil)
	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{"v": "new"}, nil)

	stats, err := saver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalCheckpoints)

	cp, err := saver.Get(ctx, "thread-1", "", "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "new"}, cp.State)
}

func TestSqliteSaver_PendingWriteOrdering(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	identity := putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)

	err := saver.PutWrites(ctx, identity.ThreadID, identity.Namespace, identity.CheckpointID,
		[]store.ChannelWrite{
			{Channel: "a", Value: float64(1)},
			{Channel: "b", Value: float64(2)},
			{Channel: "c", Value: float64(3)},
		}, "task-1")
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, "thread-1", "", "c1")
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 3)

	assert.Equal(t, "a", tuple.PendingWrites[0].Channel)
	assert.Equal(t, "b", tuple.PendingWrites[1].Channel)
	assert.Equal(t, "c", tuple.PendingWrites[2].Channel)
	assert.Equal(t, float64(1), tuple.PendingWrites[0].Value)
	for _, w := range tuple.PendingWrites {
		assert.Equal(t, "task-1", w.TaskID)
	}
}

func TestSqliteSaver_PendingWritesAcrossTasks(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	identity := putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)

	// Ties across tasks break by task id, lexicographically.
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c1",
		[]store.ChannelWrite{{Channel: "z", Value: "late"}}, "task-b"))
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c1",
		[]store.ChannelWrite{{Channel: "y", Value: "early"}}, "task-a"))

	tuple, err := saver.GetTuple(ctx, identity.ThreadID, "", identity.CheckpointID)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "task-a", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, "task-b", tuple.PendingWrites[1].TaskID)
}

func TestSqliteSaver_PutWritesIdempotent(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)

	writes := []store.ChannelWrite{{Channel: "out", Value: "first"}}
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c1", writes, "task-1"))

	// Re-putting the same (task, idx) overwrites, it does not duplicate.
	writes[0].Value = "second"
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c1", writes, "task-1"))

	tuple, err := saver.GetTuple(ctx, "thread-1", "", "c1")
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "second", tuple.PendingWrites[0].Value)
}

func TestSqliteSaver_MissingIDErrors(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	_, err := saver.Put(ctx, "", "", "", &store.Checkpoint{ID: "c1"}, nil)
	assert.ErrorIs(t, err, store.ErrMissingThreadID)

	err = saver.PutWrites(ctx, "", "", "c1", []store.ChannelWrite{{Channel: "a"}}, "t")
	assert.ErrorIs(t, err, store.ErrMissingThreadID)

	err = saver.PutWrites(ctx, "thread-1", "", "", []store.ChannelWrite{{Channel: "a"}}, "t")
	assert.ErrorIs(t, err, store.ErrMissingCheckpointID)
}

func TestSqliteSaver_CascadeDelete(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c1",
		[]store.ChannelWrite{{Channel: "a", Value: float64(1)}}, "task-1"))

	existed, err := saver.DeleteCheckpoint(ctx, "thread-1", "c1", "")
	require.NoError(t, err)
	assert.True(t, existed)

	tuple, err := saver.GetTuple(ctx, "thread-1", "", "c1")
	require.NoError(t, err)
	assert.Nil(t, tuple)

	stats, err := saver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalCheckpoints)
	assert.Equal(t, 0, stats.TotalWrites)

	// Deleting again reports the row no longer existed.
	existed, err = saver.DeleteCheckpoint(ctx, "thread-1", "c1", "")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSqliteSaver_DeleteThread(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)
	putCheckpoint(t, saver, "thread-1", "ns1", "", "c2", map[string]any{}, nil)
	putCheckpoint(t, saver, "thread-2", "", "", "c1", map[string]any{}, nil)
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "ns1", "c2",
		[]store.ChannelWrite{{Channel: "a", Value: float64(1)}}, "task-1"))

	require.NoError(t, saver.DeleteThread(ctx, "thread-1"))

	stats, err := saver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalCheckpoints)
	assert.Equal(t, 0, stats.TotalWrites)
	assert.Equal(t, 1, stats.TotalThreads)

	// Unknown threads delete without error.
	require.NoError(t, saver.DeleteThread(ctx, "no-such-thread"))
}

func TestSqliteSaver_ListPagination(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	for _, id := range []string{"checkpoint-1", "checkpoint-2", "checkpoint-3", "checkpoint-4", "checkpoint-5"} {
		putCheckpoint(t, saver, "thread-1", "", "", id, map[string]any{}, nil)
	}

	it, err := saver.List(ctx, "thread-1", "", store.ListOptions{Limit: 2})
	require.NoError(t, err)
	tuples, err := store.CollectTuples(it)
	require.NoError(t, err)

	require.Len(t, tuples, 2)
	assert.Equal(t, "checkpoint-5", tuples[0].Checkpoint.ID)
	assert.Equal(t, "checkpoint-4", tuples[1].Checkpoint.ID)
}

func TestSqliteSaver_ListBefore(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	for _, id := range []string{"checkpoint-1", "checkpoint-2", "checkpoint-3", "checkpoint-4"} {
		putCheckpoint(t, saver, "thread-1", "", "", id, map[string]any{}, nil)
	}

	it, err := saver.List(ctx, "thread-1", "", store.ListOptions{Before: "checkpoint-3"})
	require.NoError(t, err)
	tuples, err := store.CollectTuples(it)
	require.NoError(t, err)

	require.Len(t, tuples, 2)
	assert.Equal(t, "checkpoint-2", tuples[0].Checkpoint.ID)
	assert.Equal(t, "checkpoint-1", tuples[1].Checkpoint.ID)
}

func TestSqliteSaver_ListMetadataFilter(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, store.CheckpointMetadata{"source": "input", "step": float64(0)})
	putCheckpoint(t, saver, "thread-1", "", "", "c2", map[string]any{}, store.CheckpointMetadata{"source": "loop", "step": float64(1)})
	putCheckpoint(t, saver, "thread-1", "", "", "c3", map[string]any{}, store.CheckpointMetadata{"source": "loop", "step": float64(2)})

	it, err := saver.List(ctx, "thread-1", "", store.ListOptions{
		Filter: map[string]any{"source": "loop"},
	})
	require.NoError(t, err)
	tuples, err := store.CollectTuples(it)
	require.NoError(t, err)

	require.Len(t, tuples, 2)
	assert.Equal(t, "c3", tuples[0].Checkpoint.ID)
	assert.Equal(t, "c2", tuples[1].Checkpoint.ID)

	// Integer filter values match JSON-decoded numbers.
	it, err = saver.List(ctx, "thread-1", "", store.ListOptions{
		Filter: map[string]any{"source": "loop", "step": 2},
	})
	require.NoError(t, err)
	tuples, err = store.CollectTuples(it)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, "c3", tuples[0].Checkpoint.ID)
}

func TestSqliteSaver_ListLimitAppliesBeforeFilter(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	// Newest two rows do not match the filter, so a limit of 2 yields
	// nothing even though older matching rows exist.
	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, store.CheckpointMetadata{"source": "loop"})
	putCheckpoint(t, saver, "thread-1", "", "", "c2", map[string]any{}, store.CheckpointMetadata{"source": "input"})
	putCheckpoint(t, saver, "thread-1", "", "", "c3", map[string]any{}, store.CheckpointMetadata{"source": "input"})

	it, err := saver.List(ctx, "thread-1", "", store.ListOptions{
		Limit:  2,
		Filter: map[string]any{"source": "loop"},
	})
	require.NoError(t, err)
	tuples, err := store.CollectTuples(it)
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

func TestSqliteSaver_ListUnknownThread(t *testing.T) {
	saver := newTestSaver(t)

	it, err := saver.List(context.Background(), "no-such-thread", "", store.ListOptions{})
	require.NoError(t, err)
	tuples, err := store.CollectTuples(it)
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

func TestSqliteSaver_ListEarlyClose(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		putCheckpoint(t, saver, "thread-1", "", "", id, map[string]any{}, nil)
	}

	it, err := saver.List(ctx, "thread-1", "", store.ListOptions{})
	require.NoError(t, err)

	require.True(t, it.Next())
	assert.Equal(t, "c3", it.Tuple().Checkpoint.ID)

	// Stopping early releases the result set; later rows stay unfetched.
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestSqliteSaver_ListIncludesWrites(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)
	putCheckpoint(t, saver, "thread-1", "", "", "c2", map[string]any{}, nil)
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c2",
		[]store.ChannelWrite{{Channel: "out", Value: "x"}}, "task-1"))

	it, err := saver.List(ctx, "thread-1", "", store.ListOptions{})
	require.NoError(t, err)
	tuples, err := store.CollectTuples(it)
	require.NoError(t, err)

	require.Len(t, tuples, 2)
	require.Len(t, tuples[0].PendingWrites, 1)
	assert.Equal(t, "out", tuples[0].PendingWrites[0].Channel)
	assert.Nil(t, tuples[1].PendingWrites)
}

func TestSqliteSaver_NamespaceIsolation(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	putCheckpoint(t, saver, "thread-1", "ns1", "", "c1", map[string]any{"ns": "ns1"}, nil)

	cp, err := saver.Get(ctx, "thread-1", "ns2", "c1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	it, err := saver.List(ctx, "thread-1", "ns2", store.ListOptions{})
	require.NoError(t, err)
	tuples, err := store.CollectTuples(it)
	require.NoError(t, err)
	assert.Empty(t, tuples)

	cp, err = saver.Get(ctx, "thread-1", "ns1", "c1")
	require.NoError(t, err)
	require.NotNil(t, cp)
}

func TestSqliteSaver_Stats(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	stats, err := saver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{}, stats)

	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)
	putCheckpoint(t, saver, "thread-1", "", "", "c2", map[string]any{}, nil)
	putCheckpoint(t, saver, "thread-2", "", "", "c1", map[string]any{}, nil)
	require.NoError(t, saver.PutWrites(ctx, "thread-1", "", "c1",
		[]store.ChannelWrite{{Channel: "a", Value: float64(1)}, {Channel: "b", Value: float64(2)}}, "task-1"))

	stats, err = saver.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalCheckpoints)
	assert.Equal(t, 2, stats.TotalWrites)
	assert.Equal(t, 2, stats.TotalThreads)
}

func TestSqliteSaver_OwnershipWrapped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrapped.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	saver, err := NewSqliteSaverWithDB(db, nil)
	require.NoError(t, err)

	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)

	// Close on a wrapping saver must leave the connection usable.
	require.NoError(t, saver.Close())
	require.NoError(t, saver.Close())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM checkpoints").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSqliteSaver_OwnershipOwned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owned.db")
	saver, err := NewSqliteSaver(SqliteOptions{Path: path})
	require.NoError(t, err)

	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{}, nil)

	require.NoError(t, saver.Close())
	require.NoError(t, saver.Close())

	_, err = saver.Get(context.Background(), "thread-1", "", "")
	assert.Error(t, err)
}

func TestSqliteSaver_FilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	saver, err := NewSqliteSaver(SqliteOptions{Path: path})
	require.NoError(t, err)
	putCheckpoint(t, saver, "thread-1", "", "", "c1", map[string]any{"v": "kept"}, nil)
	require.NoError(t, saver.Close())

	// Reopening the same file sees the data; schema setup is idempotent.
	reopened, err := NewSqliteSaver(SqliteOptions{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	cp, err := reopened.Get(context.Background(), "thread-1", "", "")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, map[string]any{"v": "kept"}, cp.State)
}

type agentState struct {
	Counter  int      `json:"counter"`
	Messages []string `json:"messages"`
}

func TestSqliteSaver_TypedSerializer(t *testing.T) {
	ser := store.NewTypedSerializer()
	require.NoError(t, ser.Register("agentState", agentState{}))

	saver, err := NewSqliteSaver(SqliteOptions{Path: ":memory:", Serializer: ser})
	require.NoError(t, err)
	defer saver.Close()

	ctx := context.Background()
	state := agentState{Counter: 7, Messages: []string{"hello"}}
	_, err = saver.Put(ctx, "thread-1", "", "", &store.Checkpoint{ID: "c1", State: state}, nil)
	require.NoError(t, err)

	cp, err := saver.Get(ctx, "thread-1", "", "c1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, state, cp.State)
}
