package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/K-jun98/bucket4j/remote"
)

// DefaultTable is the table SQLStore uses when none is configured.
const DefaultTable = "bucket"

// SQLStore keeps one row per bucket in a MySQL table:
//
//	CREATE TABLE bucket (
//	    id      VARCHAR(255) NOT NULL PRIMARY KEY,
//	    state   BLOB,
//	    version BIGINT NOT NULL
//	)
//
// A row with a NULL state is a placeholder created for row locking and counts
// as absent. The table has no notion of expiry, so TTL hints are ignored.
type SQLStore struct {
	db *sql.DB

	selectQuery      string
	lockQuery        string
	insertQuery      string
	placeholderQuery string
	updateQuery      string
	deleteQuery      string
	createQuery      string
}

var (
	_ Backend        = (*SQLStore)(nil)
	_ AtomicExecutor = (*SQLStore)(nil)
	_ Remover        = (*SQLStore)(nil)
)

// MySQLConfig for opening a MySQL-backed store
type MySQLConfig struct {
	DSN   string // e.g. "user:pass@tcp(localhost:3306)/limits"
	Table string // default: DefaultTable
}

// OpenMySQL opens a connection pool through the MySQL connector.
func OpenMySQL(config MySQLConfig) (*SQLStore, error) {
	cfg, err := parseMySQLDSN(config.DSN)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	return NewSQLStore(sql.OpenDB(connector), config.Table), nil
}

// parseMySQLDSN forces clientFoundRows off: CompareAndSwap counts changed
// rows, not matched ones.
func parseMySQLDSN(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = false
	return cfg, nil
}

// NewSQLStore uses an existing pool. table is trusted and not escaped.
// The pool must not be opened with clientFoundRows=true: a lost create would
// then look like a successful swap.
func NewSQLStore(db *sql.DB, table string) *SQLStore {
	if table == "" {
		table = DefaultTable
	}
	return &SQLStore{
		db:          db,
		selectQuery: fmt.Sprintf("SELECT state, version FROM %s WHERE id = ?", table),
		lockQuery:   fmt.Sprintf("SELECT state, version FROM %s WHERE id = ? FOR UPDATE", table),
		// claims a missing key, or a placeholder row left by ExecuteAtomically
		insertQuery: fmt.Sprintf("INSERT INTO %s (id, state, version) VALUES (?, ?, 1) "+
			"ON DUPLICATE KEY UPDATE state = IF(version = 0, VALUES(state), state), version = IF(version = 0, 1, version)", table),
		placeholderQuery: fmt.Sprintf("INSERT IGNORE INTO %s (id, state, version) VALUES (?, NULL, 0)", table),
		updateQuery:      fmt.Sprintf("UPDATE %s SET state = ?, version = ? WHERE id = ? AND version = ?", table),
		deleteQuery:      fmt.Sprintf("DELETE FROM %s WHERE id = ?", table),
		createQuery: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
			"id VARCHAR(255) NOT NULL PRIMARY KEY, state BLOB, version BIGINT NOT NULL)", table),
	}
}

// CreateTable creates the bucket table when it does not exist.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.createQuery)
	return err
}

// Fetch implements Backend.
func (s *SQLStore) Fetch(ctx context.Context, key string) (*Record, error) {
	var (
		state   []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, s.selectQuery, key).Scan(&state, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sql fetch %q: %w", key, err)
	}
	if state == nil {
		return nil, nil
	}
	return &Record{Data: state, Version: Version(version)}, nil
}

// CompareAndSwap implements Backend. The ttl hint is ignored.
func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, expected Version, data []byte, _ time.Duration) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected == NoVersion {
		res, err = s.db.ExecContext(ctx, s.insertQuery, key, data)
	} else {
		res, err = s.db.ExecContext(ctx, s.updateQuery, data, int64(expected)+1, key, int64(expected))
	}
	if err != nil {
		return false, fmt.Errorf("sql cas %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sql cas %q: %w", key, err)
	}
	// an upsert reports 1 for an insert, 2 for an update and 0 when nothing matched
	return n > 0, nil
}

// ExecuteAtomically locks the bucket row with SELECT ... FOR UPDATE, executes
// the request and writes the result in the same transaction.
func (s *SQLStore) ExecuteAtomically(ctx context.Context, key string, request []byte) ([]byte, error) {
	// FOR UPDATE needs a row to lock
	if _, err := s.db.ExecContext(ctx, s.placeholderQuery, key); err != nil {
		return nil, fmt.Errorf("sql execute %q: %w", key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sql execute %q: %w", key, err)
	}
	defer tx.Rollback()

	var (
		state   []byte
		version int64
	)
	if err := tx.QueryRowContext(ctx, s.lockQuery, key).Scan(&state, &version); err != nil {
		return nil, fmt.Errorf("sql execute %q: %w", key, err)
	}

	out, err := remote.Execute(request, state)
	if err != nil {
		return nil, err
	}
	if out.Changed() {
		if _, err := tx.ExecContext(ctx, s.updateQuery, out.State, version+1, key, version); err != nil {
			return nil, fmt.Errorf("sql execute %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sql execute %q: %w", key, err)
	}
	return out.Response, nil
}

// Remove implements Remover.
func (s *SQLStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.deleteQuery, key)
	return err
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
