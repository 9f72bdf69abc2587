package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/store"
)

// SqliteSaver implements store.Saver on an embedded SQLite database. A
// saver built from a path owns its connection and releases it on Close; a
// saver wrapping a caller-supplied *sql.DB never closes it.
type SqliteSaver struct {
	db         *sql.DB
	serializer store.Serializer

	mu       sync.Mutex
	ownsConn bool
	closed   bool
}

var _ store.Saver = (*SqliteSaver)(nil)

// SqliteOptions configuration for the SQLite saver.
type SqliteOptions struct {
	// Path is a database file path or ":memory:" for a volatile store.
	Path string

	// Serializer encodes checkpoint, metadata and write payloads.
	// Defaults to store.JSONSerializer.
	Serializer store.Serializer
}

// NewSqliteSaver opens or creates a database at opts.Path and prepares the
// schema. The returned saver owns the connection.
func NewSqliteSaver(opts SqliteOptions) (*SqliteSaver, error) {
	dsn := opts.Path
	if dsn == ":memory:" {
		// A plain :memory: DSN gives every pooled connection its own
		// database; a named shared-cache DSN keeps them on one store.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	if opts.Path != ":memory:" {
		// WAL keeps readers unblocked while a write is in flight.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	saver := &SqliteSaver{
		db:         db,
		serializer: opts.Serializer,
		ownsConn:   true,
	}
	if saver.serializer == nil {
		saver.serializer = store.JSONSerializer{}
	}

	if err := saver.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return saver, nil
}

// NewSqliteSaverWithDB wraps an already-open connection without taking
// ownership: Close on the returned saver leaves db open for the caller.
// The schema is prepared immediately.
func NewSqliteSaverWithDB(db *sql.DB, serializer store.Serializer) (*SqliteSaver, error) {
	if serializer == nil {
		serializer = store.JSONSerializer{}
	}

	saver := &SqliteSaver{
		db:         db,
		serializer: serializer,
	}
	if err := saver.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return saver, nil
}

// ensureSchema creates the tables and indexes if absent. Safe to run on
// every construction.
func (s *SqliteSaver) ensureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			type TEXT,
			checkpoint BLOB,
			metadata BLOB,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		);
		CREATE TABLE IF NOT EXISTS checkpoint_writes (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			type TEXT,
			value BLOB,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_id
			ON checkpoints (thread_id);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_parent
			ON checkpoints (thread_id, checkpoint_ns, parent_checkpoint_id);
		CREATE INDEX IF NOT EXISTS idx_checkpoint_writes_checkpoint
			ON checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Debug("sqlite saver schema ready")
	return nil
}

// Put stores a checkpoint and its metadata, overwriting any row with the
// same identity.
func (s *SqliteSaver) Put(ctx context.Context, threadID, namespace, parentCheckpointID string, checkpoint *store.Checkpoint, metadata store.CheckpointMetadata) (store.CheckpointIdentity, error) {
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

	var parent any
	if parentCheckpointID != "" {
		parent = parentCheckpointID
	}

	const query = `
		INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			type = excluded.type,
			checkpoint = excluded.checkpoint,
			metadata = excluded.metadata
	`

	_, err = s.db.ExecContext(ctx, query,
		threadID, namespace, checkpoint.ID, parent, cpType, cpBlob, mdBlob)
	if err != nil {
		return store.CheckpointIdentity{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return store.CheckpointIdentity{
		ThreadID:     threadID,
		Namespace:    namespace,
		CheckpointID: checkpoint.ID,
	}, nil
}

// Get retrieves the checkpoint payload alone: exact when checkpointID is
// given, else the latest for (threadID, namespace). Missing data yields
// (nil, nil).
func (s *SqliteSaver) Get(ctx context.Context, threadID, namespace, checkpointID string) (*store.Checkpoint, error) {
	row, err := s.selectRow(ctx, threadID, namespace, checkpointID)
	if err != nil || row == nil {
		return nil, err
	}

	state, err := s.serializer.Deserialize(row.cpType, row.checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &store.Checkpoint{ID: row.checkpointID, State: state}, nil
}

// GetTuple retrieves a checkpoint reassembled with its metadata, parent
// identity and pending writes. Missing data yields (nil, nil).
func (s *SqliteSaver) GetTuple(ctx context.Context, threadID, namespace, checkpointID string) (*store.CheckpointTuple, error) {
	row, err := s.selectRow(ctx, threadID, namespace, checkpointID)
	if err != nil || row == nil {
		return nil, err
	}

	tuple, err := s.assembleTuple(row)
	if err != nil {
		return nil, err
	}

	writes, err := s.pendingWrites(ctx, threadID, namespace, row.checkpointID)
	if err != nil {
		return nil, err
	}
	tuple.PendingWrites = writes
	return tuple, nil
}

// List returns a lazy iterator over checkpoints for (threadID, namespace),
// newest id first. Each advance runs its own pending-writes sub-query.
func (s *SqliteSaver) List(ctx context.Context, threadID, namespace string, opts store.ListOptions) (store.TupleIterator, error) {
	query := `
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?
	`
	args := []any{threadID, namespace}

	if opts.Before != "" {
		query += " AND checkpoint_id < ?"
		args = append(args, opts.Before)
	}
	query += " ORDER BY checkpoint_id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	return &sqliteIterator{
		ctx:    ctx,
		saver:  s,
		rows:   rows,
		filter: opts.Filter,
	}, nil
}

// PutWrites stores pending writes for a checkpoint, one upsert per element
// in input order. A failure partway leaves earlier writes committed;
// retrying the full call is safe.
func (s *SqliteSaver) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []store.ChannelWrite, taskID string) error {
	if threadID == "" {
		return store.ErrMissingThreadID
	}
	if checkpointID == "" {
		return store.ErrMissingCheckpointID
	}

	const query = `
		INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = excluded.channel,
			type = excluded.type,
			value = excluded.value
	`

	for idx, write := range writes {
		valueType, valueBlob, err := s.serializer.Serialize(write.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write %d: %w", idx, err)
		}
		_, err = s.db.ExecContext(ctx, query,
			threadID, namespace, checkpointID, taskID, idx, write.Channel, valueType, valueBlob)
		if err != nil {
			return fmt.Errorf("failed to save write %d: %w", idx, err)
		}
	}
	return nil
}

// DeleteCheckpoint removes one checkpoint and its pending writes. It
// reports whether the checkpoint row existed, regardless of writes.
func (s *SqliteSaver) DeleteCheckpoint(ctx context.Context, threadID, checkpointID, namespace string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoint_writes WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?",
		threadID, namespace, checkpointID)
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint writes: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?",
		threadID, namespace, checkpointID)
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	log.Debug("deleted checkpoint %s/%s/%s (existed=%v)", threadID, namespace, checkpointID, affected > 0)
	return affected > 0, nil
}

// DeleteThread removes every checkpoint and pending write for the thread
// across all namespaces.
func (s *SqliteSaver) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoint_writes WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete thread writes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete thread checkpoints: %w", err)
	}
	log.Debug("deleted thread %s", threadID)
	return nil
}

// Stats returns aggregate counts over the stored data.
func (s *SqliteSaver) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM checkpoints").Scan(&stats.TotalCheckpoints); err != nil {
		return store.Stats{}, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM checkpoint_writes").Scan(&stats.TotalWrites); err != nil {
		return store.Stats{}, fmt.Errorf("failed to count writes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT thread_id) FROM checkpoints").Scan(&stats.TotalThreads); err != nil {
		return store.Stats{}, fmt.Errorf("failed to count threads: %w", err)
	}
	return stats, nil
}

// Close releases the connection when this saver owns it. Idempotent; a
// no-op on savers built with NewSqliteSaverWithDB.
func (s *SqliteSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if !s.ownsConn {
		return nil
	}
	return s.db.Close()
}

// checkpointRow is one scanned row of the checkpoints table.
type checkpointRow struct {
	threadID     string
	namespace    string
	checkpointID string
	parentID     sql.NullString
	cpType       string
	checkpoint   []byte
	metadata     []byte
}

func (s *SqliteSaver) selectRow(ctx context.Context, threadID, namespace, checkpointID string) (*checkpointRow, error) {
	query := `
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?
	`
	args := []any{threadID, namespace}
	if checkpointID != "" {
		query += " AND checkpoint_id = ?"
		args = append(args, checkpointID)
	}
	query += " ORDER BY checkpoint_id DESC LIMIT 1"

	var row checkpointRow
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&row.threadID, &row.namespace, &row.checkpointID,
		&row.parentID, &row.cpType, &row.checkpoint, &row.metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &row, nil
}

// assembleTuple turns a scanned row into a tuple, without pending writes.
func (s *SqliteSaver) assembleTuple(row *checkpointRow) (*store.CheckpointTuple, error) {
	state, err := s.serializer.Deserialize(row.cpType, row.checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}

	mdValue, err := s.serializer.Deserialize(s.serializer.DefaultTag(), row.metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
	}
	metadata := toMetadata(mdValue)

	tuple := &store.CheckpointTuple{
		Identity: store.CheckpointIdentity{
			ThreadID:     row.threadID,
			Namespace:    row.namespace,
			CheckpointID: row.checkpointID,
		},
		Checkpoint: &store.Checkpoint{ID: row.checkpointID, State: state},
		Metadata:   metadata,
	}
	if row.parentID.Valid {
		tuple.ParentIdentity = &store.CheckpointIdentity{
			ThreadID:     row.threadID,
			Namespace:    row.namespace,
			CheckpointID: row.parentID.String,
		}
	}
	return tuple, nil
}

func (s *SqliteSaver) pendingWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]store.PendingWrite, error) {
	const query = `
		SELECT task_id, channel, type, value
		FROM checkpoint_writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, idx
	`

	rows, err := s.db.QueryContext(ctx, query, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}
	defer rows.Close()

	var writes []store.PendingWrite
	for rows.Next() {
		var (
			write     store.PendingWrite
			valueType string
			valueBlob []byte
		)
		if err := rows.Scan(&write.TaskID, &write.Channel, &valueType, &valueBlob); err != nil {
			return nil, fmt.Errorf("failed to scan write row: %w", err)
		}
		write.Value, err = s.serializer.Deserialize(valueType, valueBlob)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize write value: %w", err)
		}
		writes = append(writes, write)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating write rows: %w", err)
	}
	return writes, nil
}

func toMetadata(value any) store.CheckpointMetadata {
	switch md := value.(type) {
	case store.CheckpointMetadata:
		return md
	case map[string]any:
		return store.CheckpointMetadata(md)
	default:
		return nil
	}
}

// sqliteIterator lazily yields tuples from an open result set. The
// metadata filter is applied here, after deserialization, so filtered-out
// rows are skipped without counting toward the SQL-level limit already
// applied to the query.
type sqliteIterator struct {
	ctx    context.Context
	saver  *SqliteSaver
	rows   *sql.Rows
	filter map[string]any

	current *store.CheckpointTuple
	err     error
	closed  bool
}

var _ store.TupleIterator = (*sqliteIterator)(nil)

// Next implements store.TupleIterator.
func (it *sqliteIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}

	for it.rows.Next() {
		var row checkpointRow
		if err := it.rows.Scan(
			&row.threadID, &row.namespace, &row.checkpointID,
			&row.parentID, &row.cpType, &row.checkpoint, &row.metadata); err != nil {
			it.fail(fmt.Errorf("failed to scan checkpoint row: %w", err))
			return false
		}

		tuple, err := it.saver.assembleTuple(&row)
		if err != nil {
			it.fail(err)
			return false
		}
		if len(it.filter) > 0 && !tuple.Metadata.Matches(it.filter) {
			continue
		}

		writes, err := it.saver.pendingWrites(it.ctx, row.threadID, row.namespace, row.checkpointID)
		if err != nil {
			it.fail(err)
			return false
		}
		tuple.PendingWrites = writes

		it.current = tuple
		return true
	}

	if err := it.rows.Err(); err != nil {
		it.fail(fmt.Errorf("error iterating checkpoint rows: %w", err))
		return false
	}
	it.Close()
	return false
}

// Tuple implements store.TupleIterator.
func (it *sqliteIterator) Tuple() *store.CheckpointTuple {
	return it.current
}

// Err implements store.TupleIterator.
func (it *sqliteIterator) Err() error {
	return it.err
}

// Close implements store.TupleIterator.
func (it *sqliteIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.rows.Close()
}

func (it *sqliteIterator) fail(err error) {
	it.err = err
	it.Close()
}
