package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/store"
)

// DBPool is the subset of pgxpool.Pool the saver needs. It exists so
// tests can substitute a pgxmock pool.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresSaver implements store.Saver on PostgreSQL. A saver built from a
// connection string owns its pool and closes it; a saver wrapping a
// caller-supplied pool never does.
type PostgresSaver struct {
	pool       DBPool
	serializer store.Serializer

	mu       sync.Mutex
	ownsPool bool
	closed   bool
}

var _ store.Saver = (*PostgresSaver)(nil)

// PostgresOptions configuration for the Postgres saver.
type PostgresOptions struct {
	// ConnString is a pgx connection string or URL.
	ConnString string

	// Serializer encodes checkpoint, metadata and write payloads.
	// Defaults to store.JSONSerializer.
	Serializer store.Serializer
}

// NewPostgresSaver creates a pool from opts.ConnString and prepares the
// schema. The returned saver owns the pool.
func NewPostgresSaver(ctx context.Context, opts PostgresOptions) (*PostgresSaver, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	saver, err := NewPostgresSaverWithPool(ctx, pool, opts.Serializer)
	if err != nil {
		pool.Close()
		return nil, err
	}
	saver.ownsPool = true
	return saver, nil
}

// NewPostgresSaverWithPool wraps an existing pool without taking
// ownership: Close on the returned saver leaves the pool open. The
// schema is prepared immediately.
func NewPostgresSaverWithPool(ctx context.Context, pool DBPool, serializer store.Serializer) (*PostgresSaver, error) {
	if serializer == nil {
		serializer = store.JSONSerializer{}
	}

	saver := &PostgresSaver{
		pool:       pool,
		serializer: serializer,
	}
	if err := saver.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return saver, nil
}

// EnsureSchema creates the tables and indexes if absent. Safe to call
// repeatedly.
func (s *PostgresSaver) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			type TEXT,
			checkpoint BYTEA,
			metadata BYTEA,
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
			value BYTEA,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_id
			ON checkpoints (thread_id);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_parent
			ON checkpoints (thread_id, checkpoint_ns, parent_checkpoint_id);
		CREATE INDEX IF NOT EXISTS idx_checkpoint_writes_checkpoint
			ON checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Debug("postgres saver schema ready")
	return nil
}

// Put implements store.Saver.
func (s *PostgresSaver) Put(ctx context.Context, threadID, namespace, parentCheckpointID string, checkpoint *store.Checkpoint, metadata store.CheckpointMetadata) (store.CheckpointIdentity, error) {
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

	var parent *string
	if parentCheckpointID != "" {
		parent = &parentCheckpointID
	}

	const query = `
		INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			type = EXCLUDED.type,
			checkpoint = EXCLUDED.checkpoint,
			metadata = EXCLUDED.metadata
	`

	_, err = s.pool.Exec(ctx, query,
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

// Get implements store.Saver.
func (s *PostgresSaver) Get(ctx context.Context, threadID, namespace, checkpointID string) (*store.Checkpoint, error) {
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

// GetTuple implements store.Saver.
func (s *PostgresSaver) GetTuple(ctx context.Context, threadID, namespace, checkpointID string) (*store.CheckpointTuple, error) {
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

// List implements store.Saver.
func (s *PostgresSaver) List(ctx context.Context, threadID, namespace string, opts store.ListOptions) (store.TupleIterator, error) {
	query := `
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata
		FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2
	`
	args := []any{threadID, namespace}

	if opts.Before != "" {
		args = append(args, opts.Before)
		query += fmt.Sprintf(" AND checkpoint_id < $%d", len(args))
	}
	query += " ORDER BY checkpoint_id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	return &postgresIterator{
		ctx:    ctx,
		saver:  s,
		rows:   rows,
		filter: opts.Filter,
	}, nil
}

// PutWrites implements store.Saver.
func (s *PostgresSaver) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []store.ChannelWrite, taskID string) error {
	if threadID == "" {
		return store.ErrMissingThreadID
	}
	if checkpointID == "" {
		return store.ErrMissingCheckpointID
	}

	const query = `
		INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = EXCLUDED.channel,
			type = EXCLUDED.type,
			value = EXCLUDED.value
	`

	for idx, write := range writes {
		valueType, valueBlob, err := s.serializer.Serialize(write.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write %d: %w", idx, err)
		}
		_, err = s.pool.Exec(ctx, query,
			threadID, namespace, checkpointID, taskID, idx, write.Channel, valueType, valueBlob)
		if err != nil {
			return fmt.Errorf("failed to save write %d: %w", idx, err)
		}
	}
	return nil
}

// DeleteCheckpoint implements store.Saver.
func (s *PostgresSaver) DeleteCheckpoint(ctx context.Context, threadID, checkpointID, namespace string) (bool, error) {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM checkpoint_writes WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3",
		threadID, namespace, checkpointID)
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint writes: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		"DELETE FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3",
		threadID, namespace, checkpointID)
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteThread implements store.Saver.
func (s *PostgresSaver) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM checkpoint_writes WHERE thread_id = $1", threadID); err != nil {
		return fmt.Errorf("failed to delete thread writes: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM checkpoints WHERE thread_id = $1", threadID); err != nil {
		return fmt.Errorf("failed to delete thread checkpoints: %w", err)
	}
	log.Debug("deleted thread %s", threadID)
	return nil
}

// Stats implements store.Saver.
func (s *PostgresSaver) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats

	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM checkpoints").Scan(&stats.TotalCheckpoints); err != nil {
		return store.Stats{}, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM checkpoint_writes").Scan(&stats.TotalWrites); err != nil {
		return store.Stats{}, fmt.Errorf("failed to count writes: %w", err)
	}
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(DISTINCT thread_id) FROM checkpoints").Scan(&stats.TotalThreads); err != nil {
		return store.Stats{}, fmt.Errorf("failed to count threads: %w", err)
	}
	return stats, nil
}

// Close releases the pool when this saver owns it. Idempotent.
func (s *PostgresSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

type checkpointRow struct {
	threadID     string
	namespace    string
	checkpointID string
	parentID     *string
	cpType       string
	checkpoint   []byte
	metadata     []byte
}

func (s *PostgresSaver) selectRow(ctx context.Context, threadID, namespace, checkpointID string) (*checkpointRow, error) {
	query := `
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata
		FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2
	`
	args := []any{threadID, namespace}
	if checkpointID != "" {
		args = append(args, checkpointID)
		query += fmt.Sprintf(" AND checkpoint_id = $%d", len(args))
	}
	query += " ORDER BY checkpoint_id DESC LIMIT 1"

	var row checkpointRow
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&row.threadID, &row.namespace, &row.checkpointID,
		&row.parentID, &row.cpType, &row.checkpoint, &row.metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &row, nil
}

func (s *PostgresSaver) assembleTuple(row *checkpointRow) (*store.CheckpointTuple, error) {
	state, err := s.serializer.Deserialize(row.cpType, row.checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	mdValue, err := s.serializer.Deserialize(s.serializer.DefaultTag(), row.metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
	}

	tuple := &store.CheckpointTuple{
		Identity: store.CheckpointIdentity{
			ThreadID:     row.threadID,
			Namespace:    row.namespace,
			CheckpointID: row.checkpointID,
		},
		Checkpoint: &store.Checkpoint{ID: row.checkpointID, State: state},
	}
	if md, ok := mdValue.(map[string]any); ok {
		tuple.Metadata = store.CheckpointMetadata(md)
	}
	if row.parentID != nil {
		tuple.ParentIdentity = &store.CheckpointIdentity{
			ThreadID:     row.threadID,
			Namespace:    row.namespace,
			CheckpointID: *row.parentID,
		}
	}
	return tuple, nil
}

func (s *PostgresSaver) pendingWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]store.PendingWrite, error) {
	const query = `
		SELECT task_id, channel, type, value
		FROM checkpoint_writes
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
		ORDER BY task_id, idx
	`

	rows, err := s.pool.Query(ctx, query, threadID, namespace, checkpointID)
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

// postgresIterator lazily yields tuples from an open pgx result set,
// applying the metadata filter after deserialization.
type postgresIterator struct {
	ctx    context.Context
	saver  *PostgresSaver
	rows   pgx.Rows
	filter map[string]any

	current *store.CheckpointTuple
	err     error
	closed  bool
}

var _ store.TupleIterator = (*postgresIterator)(nil)

// Next implements store.TupleIterator.
func (it *postgresIterator) Next() bool {
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
func (it *postgresIterator) Tuple() *store.CheckpointTuple {
	return it.current
}

// Err implements store.TupleIterator.
func (it *postgresIterator) Err() error {
	return it.err
}

// Close implements store.TupleIterator.
func (it *postgresIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.rows.Close()
	return nil
}

func (it *postgresIterator) fail(err error) {
	it.err = err
	it.Close()
}
