// Package sqlite persists the retry bin's accepted generation in a SQLite
// database, one JSON document per bucket row.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/retrybin"
)

// DefaultBucket is the state row holding the retry bin.
const DefaultBucket = "retrybin"

var _ retrybin.Store = (*Store)(nil)

// Store snapshots the full accepted generation into the state table on
// every save.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	bucket string
}

// NewStore opens (creating when needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "gvradapter.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &Store{db: db, path: path, bucket: DefaultBucket}, nil
}

// Load returns the stored records; a missing row is an empty bin.
func (s *Store) Load(ctx context.Context) ([]retrybin.Record, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM state WHERE bucket = ?`, s.bucket).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return retrybin.DecodeRecords(payload)
}

// Save replaces the stored records in one transaction.
func (s *Store) Save(ctx context.Context, records []retrybin.Record) error {
	data, err := retrybin.EncodeRecords(records)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return retryOp(ctx, defaultRetryConfig, func() error { return s.persist(ctx, data) })
}

func (s *Store) persist(ctx context.Context, data []byte) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, s.bucket, data); err != nil {
		retErr = fmt.Errorf("upsert %s: %w", s.bucket, err)
		return retErr
	}
	if err = tx.Commit(); err != nil {
		retErr = fmt.Errorf("commit: %w", err)
		return retErr
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
