package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	tx     *sql.Tx
	sealer *sealer
}

var _ Store = (*PostgresStore)(nil)

// Option configures a PostgresStore
type Option func(*PostgresStore) error

// WithEncryptionKey seals network security data with AES-GCM under key
// (16, 24 or 32 bytes).
func WithEncryptionKey(key []byte) Option {
	return func(s *PostgresStore) error {
		sl, err := newSealer(key)
		if err != nil {
			return err
		}
		s.sealer = sl
		return nil
	}
}

// WithPool sizes the connection pool. Zero values keep the driver defaults.
func WithPool(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(s *PostgresStore) error {
		if maxOpen > 0 {
			s.db.SetMaxOpenConns(maxOpen)
		}
		if maxIdle > 0 {
			s.db.SetMaxIdleConns(maxIdle)
		}
		if maxLifetime > 0 {
			s.db.SetConnMaxLifetime(maxLifetime)
		}
		return nil
	}
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string, opts ...Option) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates missing tables and indexes
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (Store, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx, sealer: s.sealer}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// withTx runs fn in a transaction, reusing the current one if any.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *PostgresStore) error) error {
	if s.tx != nil {
		return fn(s)
	}

	txStore, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := txStore.(*PostgresStore)

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// mapError translates driver errors into storage errors
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", pqErr.Constraint, ErrDuplicateKey)
		case "23503":
			return fmt.Errorf("%s: %w", pqErr.Constraint, ErrReferenced)
		case "22P02", "23502", "23514":
			return fmt.Errorf("%s: %w", pqErr.Message, ErrInvalidData)
		}
	}
	return err
}

// affected returns ErrNotFound when an update or delete matched no rows
func affected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}
