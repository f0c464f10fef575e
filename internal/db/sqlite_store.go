package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/soaringjerry/Renova/internal/services"
)

type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. Write transactions take the database lock at BEGIN.
func OpenSQLite(ctx context.Context, path, migrationsDir string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(path))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := RunMigrations(ctx, "sqlite", migrationsDir, func(ctx context.Context, script string) error {
		_, err := sqlDB.ExecContext(ctx, script)
		return err
	}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Get(kind services.Kind, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM kv WHERE kind = ? AND key = ?`, string(kind), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *sqliteTx) Put(kind services.Kind, key string, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `
INSERT INTO kv(kind, key, value, updated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(kind, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, string(kind), key, value, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (t *sqliteTx) Delete(kind services.Kind, key string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE kind = ? AND key = ?`, string(kind), key)
	return err
}

func (s *SQLiteStore) View(ctx context.Context, fn func(tx services.Tx) error) error {
	return s.run(ctx, fn)
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx services.Tx) error) error {
	return s.run(ctx, fn)
}

func (s *SQLiteStore) run(ctx context.Context, fn func(tx services.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var _ services.KV = (*SQLiteStore)(nil)
