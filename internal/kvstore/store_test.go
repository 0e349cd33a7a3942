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
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// exerciseStore runs the shared contract against any backend
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "a", []byte(`{"name":"first","count":1}`)))
	require.NoError(t, SetJSON(ctx, store, "a", record{Name: "second", Count: 2}))

	var got record
	require.NoError(t, GetJSON(ctx, store, "a", &got))
	assert.Equal(t, record{Name: "second", Count: 2}, got)

	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "a"))

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	exerciseStore(t, store)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value))
	value[0] = 'z'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'z'
	again, _ := store.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Set(ctx, "k", []byte("v")), context.Canceled)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "client.db")

	store, err := NewSQLiteStore(dbPath, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	exerciseStore(t, store)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "client.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath, "sessions", nil)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "wihy_session", []byte(`{"session_id":"temp_1_abc"}`)))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath, "sessions", nil)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	got, err := second.Get(ctx, "wihy_session")
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"temp_1_abc"}`, string(got))
}

func TestSQLStoreRejectsBadTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = NewSQLStore(db, "kv; DROP TABLE x", nil)
	assert.Error(t, err)
}

func TestSQLStoreReadError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT item_value FROM kv_entries WHERE item_key = ?")).
		WithArgs("k").
		WillReturnError(errors.New("disk I/O error"))

	store, err := NewSQLStore(db, "", nil)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreWriteError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR REPLACE INTO kv_entries (item_key,item_value,updated_at) VALUES (?,?,?)")).
		WithArgs("k", []byte("v"), sqlmock.AnyArg()).
		WillReturnError(errors.New("database is locked"))

	store, err := NewSQLStore(db, "", nil)
	require.NoError(t, err)

	err = store.Set(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv_entries").WillReturnError(errors.New("read-only"))

	_, err = NewSQLStore(db, "", nil)
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectError bool
	}{
		{name: "memory", cfg: Config{Type: MemoryStorageType}},
		{name: "default is memory", cfg: Config{}},
		{name: "sqlite", cfg: Config{Type: SQLiteStorageType, DBPath: filepath.Join(t.TempDir(), "x.db")}},
		{name: "sqlite without path", cfg: Config{Type: SQLiteStorageType}, expectError: true},
		{name: "unknown", cfg: Config{Type: "redis"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(tt.cfg, nil)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, store.Close())
		})
	}
}
