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

// Package kvstore provides the durable key/value persistence used for the
// session record and the request cache. Keys are strings, values are JSON
// documents, writes are last-write-wins and no transactions are offered.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	// MemoryStorageType keeps values in process memory
	MemoryStorageType StorageType = "memory"
	// SQLiteStorageType persists values in a SQLite database file
	SQLiteStorageType StorageType = "sqlite"
)

// ErrNotFound is returned by Get when a key has no value
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a string-keyed byte store
type Store interface {
	// Get returns the value for key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
	// Close releases the backend
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Type   StorageType `json:"type"`
	DBPath string      `json:"db_path,omitempty"`
	Table  string      `json:"table,omitempty"`
}

// Open creates the backend described by cfg
func Open(cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case MemoryStorageType, "":
		return NewMemoryStore(), nil
	case SQLiteStorageType:
		store, err := NewSQLiteStore(cfg.DBPath, cfg.Table, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// GetJSON loads key and decodes it into out
func GetJSON(ctx context.Context, s Store, key string, out interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode value for %q: %w", key, err)
	}
	return nil
}

// SetJSON encodes value and stores it under key
func SetJSON(ctx context.Context, s Store, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %q: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
