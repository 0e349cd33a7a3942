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

// Package cache maps normalized queries to previously resolved messages.
// Entries are never evicted here; staleness is the owner's concern.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/kvstore"
	"github.com/your-org/wihy-client/internal/message"
)

// DefaultKeyPrefix namespaces cache entries inside a shared store
const DefaultKeyPrefix = "wihy_cache:"

var (
	// ErrMiss is returned by Get when no entry exists for the query
	ErrMiss = errors.New("cache: miss")
	// ErrEmptyKey is returned when a query normalizes to nothing
	ErrEmptyKey = errors.New("cache: empty key")
)

// Entry is one cached result
type Entry struct {
	Key       string             `json:"key"`
	Payload   *message.Canonical `json:"payload"`
	Timestamp time.Time          `json:"timestamp"`
}

// NormalizeKey case-folds, trims and collapses internal whitespace
func NormalizeKey(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Cache stores entries in a kvstore.Store
type Cache struct {
	store  kvstore.Store
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// New creates a cache on top of store
func New(store kvstore.Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  store,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
		logger: logger,
	}
}

func (c *Cache) storageKey(key string) string {
	return c.prefix + key
}

// Get returns the entry for query or ErrMiss
func (c *Cache) Get(ctx context.Context, query string) (*Entry, error) {
	key := NormalizeKey(query)
	if key == "" {
		return nil, ErrMiss
	}

	var entry Entry
	err := kvstore.GetJSON(ctx, c.store, c.storageKey(key), &entry)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return nil, ErrMiss
	case err != nil:
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if entry.Payload == nil {
		c.logger.Warn("Discarding cache entry without payload", zap.String("key", key))
		return nil, ErrMiss
	}
	return &entry, nil
}

// Put stores msg under the normalized query
func (c *Cache) Put(ctx context.Context, query string, msg *message.Canonical) error {
	key := NormalizeKey(query)
	if key == "" {
		return ErrEmptyKey
	}
	if msg == nil {
		return fmt.Errorf("cache: nil payload for %q", key)
	}

	entry := Entry{
		Key:       key,
		Payload:   msg.Clone(),
		Timestamp: c.now().UTC(),
	}
	if err := kvstore.SetJSON(ctx, c.store, c.storageKey(key), entry); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	c.logger.Debug("Cached result",
		zap.String("key", key),
		zap.String("origin_tier", string(msg.OriginTier)))
	return nil
}

// Delete removes the entry for query
func (c *Cache) Delete(ctx context.Context, query string) error {
	key := NormalizeKey(query)
	if key == "" {
		return nil
	}
	return c.store.Delete(ctx, c.storageKey(key))
}
