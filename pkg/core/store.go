package core

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Querier is satisfied by both *sql.DB and *sql.Tx so helpers can run inside
// or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options configures a Store
type Options struct {
	Logger       Logger        // Defaults to NopLogger
	BusyTimeout  time.Duration // How long a writer waits for the file lock, default 5s
	MaxOpenConns int           // Connection pool size, default 8
}

// Store is the storage accessor for one namespace
type Store struct {
	db          *sql.DB
	path        string
	namespace   string
	logger      Logger
	mu          sync.RWMutex
	closed      bool
	initialized bool
}

// Open opens (creating if needed) the SQLite file at path for the given namespace.
// Tables are created by Init.
func Open(path, namespace string, opts Options) (*Store, error) {
	if path == "" {
		return nil, WrapError("open", fmt.Errorf("database path cannot be empty"))
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}

	// journal_mode(WAL): readers never block the single writer
	// _txlock=immediate: writers take the lock at BEGIN instead of failing on upgrade
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + params.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, WrapError("open", fmt.Errorf("failed to open database: %w", err))
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(2 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, WrapError("open", fmt.Errorf("failed to connect: %w", err))
	}

	return &Store{
		db:        db,
		path:      path,
		namespace: namespace,
		logger:    opts.Logger.With("namespace", namespace),
	}, nil
}

// Init creates the namespace tables and indices. It is idempotent.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return WrapError("init", ErrStoreClosed)
	}
	if s.initialized {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return WrapError("init", fmt.Errorf("failed to create tables: %w", err))
	}
	s.initialized = true
	s.logger.Debug("namespace tables ready", "path", s.path)
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS _data (
	rid INTEGER PRIMARY KEY,
	type TEXT NOT NULL,
	id TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (type, id)
);
CREATE INDEX IF NOT EXISTS idx_data_id ON _data(id);
CREATE INDEX IF NOT EXISTS idx_data_type_updated ON _data(type, updated_at);

-- Trigram index over the string leaves of each entity, kept in sync by triggers
CREATE VIRTUAL TABLE IF NOT EXISTS _data_fts USING fts5(content, tokenize = 'trigram');

CREATE TRIGGER IF NOT EXISTS _data_fts_insert AFTER INSERT ON _data BEGIN
	INSERT INTO _data_fts(rowid, content)
	VALUES (new.rid, (SELECT group_concat(t.value, char(10)) FROM json_tree(new.data) AS t WHERE t.type = 'text'));
END;
CREATE TRIGGER IF NOT EXISTS _data_fts_delete AFTER DELETE ON _data BEGIN
	DELETE FROM _data_fts WHERE rowid = old.rid;
END;
CREATE TRIGGER IF NOT EXISTS _data_fts_update AFTER UPDATE OF data ON _data BEGIN
	DELETE FROM _data_fts WHERE rowid = old.rid;
	INSERT INTO _data_fts(rowid, content)
	VALUES (new.rid, (SELECT group_concat(t.value, char(10)) FROM json_tree(new.data) AS t WHERE t.type = 'text'));
END;

CREATE TABLE IF NOT EXISTS _rels (
	from_id TEXT NOT NULL,
	relation TEXT NOT NULL CHECK (relation <> ''),
	to_id TEXT NOT NULL,
	metadata TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (from_id, relation, to_id)
);
CREATE INDEX IF NOT EXISTS idx_rels_from ON _rels(from_id);
CREATE INDEX IF NOT EXISTS idx_rels_to ON _rels(to_id);
CREATE INDEX IF NOT EXISTS idx_rels_relation ON _rels(relation);

CREATE TABLE IF NOT EXISTS _schema (
	type TEXT PRIMARY KEY,
	fields TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _schema_history (
	version INTEGER PRIMARY KEY,
	schema TEXT NOT NULL,
	changes TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _migrations (
	version INTEGER PRIMARY KEY,
	up TEXT NOT NULL,
	down TEXT,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _embeddings (
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	vector BLOB NOT NULL,
	model TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_embeddings_entity ON _embeddings(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_hash ON _embeddings(content_hash, model);

CREATE TABLE IF NOT EXISTS _events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	event TEXT NOT NULL,
	actor TEXT NOT NULL,
	object TEXT NOT NULL DEFAULT '',
	data TEXT,
	previous_data TEXT,
	result TEXT,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_event ON _events(event);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON _events(timestamp, seq);
CREATE INDEX IF NOT EXISTS idx_events_object ON _events(object);
`

// Namespace returns the namespace this store is bound to
func (s *Store) Namespace() string {
	return s.namespace
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Logger returns the namespace scoped logger
func (s *Store) Logger() Logger {
	return s.logger
}

// DB returns the underlying connection pool
func (s *Store) DB() *sql.DB {
	return s.db
}

// Querier returns the pool as a Querier, or ErrStoreClosed
func (s *Store) Querier() (Querier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.db, nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn returns nil
// and rolls back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the store. Further calls return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return WrapError("close", err)
	}
	return nil
}
