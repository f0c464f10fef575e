package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soaringjerry/Renova/internal/services"
)

const (
	pgSerializationFailure = "40001"
	pgMaxAttempts          = 8
)

type PostgresStore struct {
	DB *pgxpool.Pool
}

// Connect opens a pool for dsn and waits for the server to answer.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// OpenPostgres connects and applies migrations.
func OpenPostgres(ctx context.Context, dsn, migrationsDir string) (*PostgresStore, error) {
	pool, err := Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, "postgres", migrationsDir, func(ctx context.Context, script string) error {
		_, err := pool.Exec(ctx, script)
		return err
	}); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgresStore(pool), nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{DB: pool}
}

func (s *PostgresStore) Close() error {
	s.DB.Close()
	return nil
}

type pgTx struct {
	ctx       context.Context
	tx        pgx.Tx
	forUpdate bool
}

func (t *pgTx) Get(kind services.Kind, key string) ([]byte, error) {
	q := `SELECT value FROM kv WHERE kind=$1 AND key=$2`
	if t.forUpdate {
		q += ` FOR UPDATE`
	}
	var value []byte
	err := t.tx.QueryRow(t.ctx, q, string(kind), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, services.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *pgTx) Put(kind services.Kind, key string, value []byte) error {
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO kv(kind, key, value, updated_at)
VALUES($1, $2, $3, now())
ON CONFLICT (kind, key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()
`, string(kind), key, value)
	return err
}

func (t *pgTx) Delete(kind services.Kind, key string) error {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM kv WHERE kind=$1 AND key=$2`, string(kind), key)
	return err
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx services.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, false, fn)
}

// Update runs fn in a SERIALIZABLE transaction, re-running it when the
// server reports a serialization failure.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx services.Tx) error) error {
	var err error
	for attempt := 0; attempt < pgMaxAttempts; attempt++ {
		err = s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, true, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, forUpdate bool, fn func(tx services.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx, forUpdate: forUpdate}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure
}

var _ services.KV = (*PostgresStore)(nil)
