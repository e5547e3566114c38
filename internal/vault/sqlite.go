package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed wallet repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL UNIQUE,
		address TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		nonce BLOB NOT NULL,
		salt BLOB NOT NULL,
		key_check BLOB NOT NULL,
		kdf_iterations INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put stores a new wallet entry.
func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) error {
	query := `
	INSERT INTO wallets (id, label, address, ciphertext, nonce, salt, key_check, kdf_iterations, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Label, entry.Address,
		entry.Ciphertext, entry.Nonce, entry.Salt, entry.KeyCheck,
		entry.KDFIterations, entry.CreatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateLabel, entry.Label)
		}
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// Get retrieves a wallet entry by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entry, error) {
	return s.getWhere(ctx, "id = ?", id)
}

// GetByLabel retrieves a wallet entry by label.
func (s *SQLiteStore) GetByLabel(ctx context.Context, label string) (*Entry, error) {
	return s.getWhere(ctx, "label = ?", label)
}

func (s *SQLiteStore) getWhere(ctx context.Context, where string, arg any) (*Entry, error) {
	query := `
		SELECT id, label, address, ciphertext, nonce, salt, key_check, kdf_iterations, created_at
		FROM wallets WHERE ` + where

	row := s.db.QueryRowContext(ctx, query, arg)

	var entry Entry
	var createdAt int64
	err := row.Scan(
		&entry.ID, &entry.Label, &entry.Address,
		&entry.Ciphertext, &entry.Nonce, &entry.Salt, &entry.KeyCheck,
		&entry.KDFIterations, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet row: %w", err)
	}
	entry.CreatedAt = time.Unix(createdAt, 0)
	return &entry, nil
}

// Delete removes a wallet entry. Idempotent.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM wallets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}
	return nil
}

// List returns summaries of all wallet entries.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, label, address FROM wallets ORDER BY created_at, label`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Label, &s.Address); err != nil {
			return nil, fmt.Errorf("scan wallet summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallet rows: %w", err)
	}
	return out, nil
}
