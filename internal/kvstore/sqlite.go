// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DefaultTable is the table used when none is configured
const DefaultTable = "kv_entries"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore persists values in a SQL table keyed by item_key
type SQLStore struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database file and prepares the table
func NewSQLiteStore(dbPath, table string, logger *zap.Logger) (*SQLStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite storage requires a db path")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per connection
	db.SetMaxOpenConns(1)

	store, err := NewSQLStore(db, table, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database handle and creates the table if needed
func NewSQLStore(db *sql.DB, table string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}

	store := &SQLStore{db: db, table: table, logger: logger}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLStore) initSchema() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			item_key TEXT PRIMARY KEY,
			item_value BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`, s.table)

	_, err := s.db.Exec(query)
	return err
}

// Get returns the value for key or ErrNotFound
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	query, args, err := sq.Select("item_value").From(s.table).Where(sq.Eq{"item_key": key}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var value []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, nil
}

// Set upserts value under key
func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	query, args, err := sq.Insert(s.table).
		Options("OR REPLACE").
		Columns("item_key", "item_value", "updated_at").
		Values(key, value, time.Now().UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}

	s.logger.Debug("Stored value", zap.String("key", key), zap.Int("bytes", len(value)))
	return nil
}

// Delete removes key
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query, args, err := sq.Delete(s.table).Where(sq.Eq{"item_key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
