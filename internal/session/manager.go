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

// Package session owns the process-wide session lifecycle: authenticated,
// anonymous backend-issued and anonymous local sessions, periodic validation
// against the session authority, and throttle detection.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/kvstore"
	"github.com/your-org/wihy-client/internal/resilience"
)

const (
	// DefaultStorageKey is where the temporary record is persisted
	DefaultStorageKey = "wihy_session"
	// DefaultValidationInterval is the period of backend session validation
	DefaultValidationInterval = 5 * time.Minute
	// DefaultMaxAge bounds locally generated sessions
	DefaultMaxAge = 24 * time.Hour

	revokeTimeout = 10 * time.Second
)

// Config holds configuration for session management
type Config struct {
	StorageKey         string        `json:"storage_key"`
	ValidationInterval time.Duration `json:"validation_interval"`
	MaxAge             time.Duration `json:"max_age"`
	// FailClosed treats an unreachable authority as an invalid session
	FailClosed bool `json:"fail_closed"`
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		StorageKey:         DefaultStorageKey,
		ValidationInterval: DefaultValidationInterval,
		MaxAge:             DefaultMaxAge,
	}
}

// AuthState is the remembered authentication state
type AuthState interface {
	// CurrentUser returns the signed-in user or nil
	CurrentUser(ctx context.Context) (*User, error)
}

// SessionAware is implemented by services that carry the session id
type SessionAware interface {
	SetSessionID(id string)
}

// UserAware is optionally implemented by dependents that also need the user id
type UserAware interface {
	SetUserID(id string)
}

// Manager holds the single current Record. It is constructed once by the
// composition root and shared by reference.
type Manager struct {
	config     Config
	authority  Authority
	auth       AuthState
	store      kvstore.Store
	dependents []SessionAware
	logger     *zap.Logger
	now        func() time.Time

	// transition serializes Initialize, HandleAuthChange, Clear and Close
	transition sync.Mutex

	mu         sync.Mutex
	current    *Record
	generation uint64
	listeners  map[uint64]func(Record)
	nextID     uint64
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
	closed     bool
	baseCtx    context.Context
	baseCancel context.CancelFunc
	background sync.WaitGroup
}

// NewManager creates a session manager. auth and store may be nil.
func NewManager(config Config, authority Authority, auth AuthState, store kvstore.Store, logger *zap.Logger, dependents ...SessionAware) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.StorageKey == "" {
		config.StorageKey = DefaultStorageKey
	}
	if config.ValidationInterval <= 0 {
		config.ValidationInterval = DefaultValidationInterval
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxAge
	}
	if store == nil {
		store = kvstore.NewMemoryStore()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		config:     config,
		authority:  authority,
		auth:       auth,
		store:      store,
		dependents: dependents,
		logger:     logger,
		now:        time.Now,
		listeners:  make(map[uint64]func(Record)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Initialize establishes the current session. Authority and storage failures
// are recovered locally; the only error is cancellation of ctx.
func (m *Manager) Initialize(ctx context.Context) (Record, error) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.stopValidation()

	if user := m.rememberedUser(ctx); user != nil {
		m.revokeStored(ctx)
		record := authenticatedRecord(*user, m.now())
		m.install(ctx, record)
		m.logger.Info("Authenticated session established", zap.String("session_id", record.SessionID))
		return record.clone(), nil
	}

	if record, ok := m.restore(ctx); ok {
		m.install(ctx, record)
		m.logger.Info("Restored temporary session",
			zap.String("session_id", record.SessionID),
			zap.Bool("backend_issued", record.IsBackendIssued))
		return record.clone(), nil
	}

	if err := ctx.Err(); err != nil {
		return Record{}, resilience.NewCancelledError(err)
	}

	record := m.mint(ctx)
	m.install(ctx, record)
	return record.clone(), nil
}

// HandleAuthChange swaps the session after sign-in (user != nil) or sign-out.
// A backend-issued temporary session is revoked in the background.
func (m *Manager) HandleAuthChange(ctx context.Context, user *User) (Record, error) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.stopValidation()
	m.revokeCurrent()

	if user != nil && user.ID != "" {
		record := authenticatedRecord(*user, m.now())
		m.install(ctx, record)
		m.logger.Info("Signed in", zap.String("session_id", record.SessionID))
		return record.clone(), nil
	}

	record := m.mint(ctx)
	m.install(ctx, record)
	m.logger.Info("Signed out", zap.String("session_id", record.SessionID))
	return record.clone(), nil
}

// Clear drops the current session and the stored record
func (m *Manager) Clear(ctx context.Context) error {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.stopValidation()
	m.revokeCurrent()

	m.mu.Lock()
	m.current = nil
	m.generation++
	m.mu.Unlock()

	m.propagate(Record{})
	if err := m.store.Delete(ctx, m.config.StorageKey); err != nil {
		m.logger.Warn("Failed to clear stored session", zap.Error(err))
		return err
	}
	m.logger.Info("Session cleared")
	return nil
}

// SessionID returns the current session id or "" before initialization
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.SessionID
}

// Current returns a copy of the current record
func (m *Manager) Current() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Record{}, false
	}
	return m.current.clone(), true
}

// IsThrottled reports whether the authority last reported the session as throttled
func (m *Manager) IsThrottled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Throttled()
}

// Subscribe registers fn for every session change and immediately delivers
// the current record. The returned func unsubscribes.
func (m *Manager) Subscribe(fn func(Record)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	var snapshot *Record
	if m.current != nil {
		r := m.current.clone()
		snapshot = &r
	}
	m.mu.Unlock()

	if snapshot != nil {
		fn(*snapshot)
	}
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Close stops validation and waits for background revocations
func (m *Manager) Close() error {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.stopValidation()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.baseCancel()
	m.background.Wait()
	return nil
}

func (m *Manager) rememberedUser(ctx context.Context) *User {
	if m.auth == nil {
		return nil
	}
	user, err := m.auth.CurrentUser(ctx)
	if err != nil {
		m.logger.Warn("Failed to read remembered auth state", zap.Error(err))
		return nil
	}
	if user == nil || user.ID == "" {
		return nil
	}
	return user
}

// restore loads a stored temporary record that may still be used
func (m *Manager) restore(ctx context.Context) (Record, bool) {
	var stored Record
	if err := kvstore.GetJSON(ctx, m.store, m.config.StorageKey, &stored); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			m.logger.Warn("Discarding unreadable stored session", zap.Error(err))
		}
		return Record{}, false
	}
	if stored.SessionID == "" || !stored.IsTemporary || stored.IsAuthenticated {
		return Record{}, false
	}
	if stored.Expired(m.now(), m.config.MaxAge) {
		m.logger.Info("Stored session expired", zap.String("session_id", stored.SessionID))
		return Record{}, false
	}
	if !stored.IsBackendIssued || m.authority == nil {
		return stored, true
	}

	validation, err := m.authority.Validate(ctx, stored.SessionID)
	if err != nil {
		if resilience.IsCancelled(err) || m.config.FailClosed {
			return Record{}, false
		}
		m.logger.Warn("Session authority unavailable, reusing stored session",
			zap.String("session_id", stored.SessionID),
			zap.Error(err))
		return stored, true
	}

	switch {
	case validation.Throttled:
		stored.RequestCount = ThrottledRequestCount
		return stored, true
	case !validation.Valid:
		m.logger.Info("Stored session rejected by authority", zap.String("session_id", stored.SessionID))
		return Record{}, false
	}
	applyValidation(&stored, validation)
	if stored.Expired(m.now(), m.config.MaxAge) {
		return Record{}, false
	}
	return stored, true
}

// mint asks the authority for an anonymous session, falling back to a local id
func (m *Manager) mint(ctx context.Context) Record {
	if m.authority != nil {
		anon, err := m.authority.CreateAnonymous(ctx)
		if err == nil {
			record := backendRecord(anon, m.now())
			m.logger.Info("Created anonymous session", zap.String("session_id", record.SessionID))
			return record
		}
		m.logger.Warn("Session authority unavailable, using local session", zap.Error(err))
	}
	record := localRecord(m.now())
	m.logger.Info("Created local session", zap.String("session_id", record.SessionID))
	return record
}

// install makes record current, persists it, tells dependents and
// subscribers, and starts validation for backend-issued temporary records
func (m *Manager) install(ctx context.Context, record Record) {
	m.mu.Lock()
	r := record.clone()
	m.current = &r
	m.generation++
	generation := m.generation
	m.mu.Unlock()

	m.persist(ctx, record)
	m.propagate(record)
	m.notify(record)

	if record.IsTemporary && record.IsBackendIssued && m.authority != nil {
		m.startValidation(generation)
	}
}

func (m *Manager) persist(ctx context.Context, record Record) {
	if !record.IsTemporary {
		if err := m.store.Delete(ctx, m.config.StorageKey); err != nil {
			m.logger.Warn("Failed to clear stored session", zap.Error(err))
		}
		return
	}
	if err := kvstore.SetJSON(ctx, m.store, m.config.StorageKey, record); err != nil {
		m.logger.Warn("Failed to persist session",
			zap.String("session_id", record.SessionID),
			zap.Error(err))
	}
}

func (m *Manager) propagate(record Record) {
	for _, dependent := range m.dependents {
		dependent.SetSessionID(record.SessionID)
		if userAware, ok := dependent.(UserAware); ok && record.UserID != nil {
			userAware.SetUserID(*record.UserID)
		}
	}
}

func (m *Manager) notify(record Record) {
	m.mu.Lock()
	listeners := make([]func(Record), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(record.clone())
	}
}

// revokeCurrent revokes a backend-issued temporary session without waiting
func (m *Manager) revokeCurrent() {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil || !current.IsTemporary || !current.IsBackendIssued {
		return
	}
	m.revokeAsync(current.SessionID)
}

// revokeStored revokes a persisted backend-issued temporary record that an
// authenticated session is about to replace
func (m *Manager) revokeStored(ctx context.Context) {
	var stored Record
	if err := kvstore.GetJSON(ctx, m.store, m.config.StorageKey, &stored); err != nil {
		return
	}
	if stored.SessionID == "" || !stored.IsTemporary || !stored.IsBackendIssued {
		return
	}
	m.logger.Debug("Revoking stored session replaced by sign-in", zap.String("session_id", stored.SessionID))
	m.revokeAsync(stored.SessionID)
}

func (m *Manager) revokeAsync(sessionID string) {
	if m.authority == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.background.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.background.Done()
		err := resilience.WithTimeout(m.baseCtx, revokeTimeout, m.logger, func(ctx context.Context) error {
			return m.authority.Revoke(ctx, sessionID)
		})
		if err != nil {
			m.logger.Warn("Failed to revoke session",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return
		}
		m.logger.Debug("Revoked session", zap.String("session_id", sessionID))
	}()
}

func applyValidation(record *Record, validation *Validation) {
	record.RequestCount = validation.RequestCount
	if record.RequestCount < 0 {
		record.RequestCount = 0
	}
	if validation.ExpiresAt != nil {
		at := *validation.ExpiresAt
		record.ExpiresAt = &at
	}
}
