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

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/wihy-client/internal/kvstore"
	"github.com/your-org/wihy-client/internal/resilience"
)

type fakeAuthority struct {
	mu            sync.Mutex
	createErr     error
	minted        int
	ttl           time.Duration
	validate      func(sessionID string) (*Validation, error)
	validateCalls int
	revoked       chan string
	revokeGate    chan struct{}
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{revoked: make(chan string, 16)}
}

func (f *fakeAuthority) CreateAnonymous(ctx context.Context) (*AnonymousSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.minted++
	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	expires := time.Now().Add(ttl)
	return &AnonymousSession{SessionID: fmt.Sprintf("anon-%d", f.minted), ExpiresAt: &expires}, nil
}

func (f *fakeAuthority) Validate(ctx context.Context, sessionID string) (*Validation, error) {
	f.mu.Lock()
	f.validateCalls++
	validate := f.validate
	f.mu.Unlock()
	if validate == nil {
		return &Validation{Valid: true}, nil
	}
	return validate(sessionID)
}

func (f *fakeAuthority) Revoke(ctx context.Context, sessionID string) error {
	if f.revokeGate != nil {
		select {
		case <-f.revokeGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.revoked <- sessionID
	return nil
}

func (f *fakeAuthority) setValidate(fn func(string) (*Validation, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validate = fn
}

func (f *fakeAuthority) validations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateCalls
}

func (f *fakeAuthority) mintCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minted
}

type staticAuth struct {
	user *User
	err  error
}

func (s staticAuth) CurrentUser(context.Context) (*User, error) {
	return s.user, s.err
}

type recordingDependent struct {
	mu         sync.Mutex
	sessionIDs []string
	userIDs    []string
}

func (d *recordingDependent) SetSessionID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionIDs = append(d.sessionIDs, id)
}

func (d *recordingDependent) SetUserID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userIDs = append(d.userIDs, id)
}

func (d *recordingDependent) lastSessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessionIDs) == 0 {
		return ""
	}
	return d.sessionIDs[len(d.sessionIDs)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ValidationInterval = 10 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, cfg Config, authority Authority, auth AuthState, store kvstore.Store, deps ...SessionAware) *Manager {
	t.Helper()
	m := NewManager(cfg, authority, auth, store, zaptest.NewLogger(t), deps...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestInitializeAuthenticated(t *testing.T) {
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), DefaultStorageKey, []byte(`{"session_id":"temp_1_abcdefghi","is_temporary":true}`)))
	dep := &recordingDependent{}
	authority := newFakeAuthority()

	m := newTestManager(t, testConfig(), authority, staticAuth{user: &User{ID: "user-42"}}, store, dep)
	record, err := m.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "user-42", record.SessionID)
	require.NotNil(t, record.UserID)
	assert.Equal(t, "user-42", *record.UserID)
	assert.True(t, record.IsAuthenticated)
	assert.False(t, record.IsTemporary)
	assert.Equal(t, "user-42", m.SessionID())
	assert.Equal(t, []string{"user-42"}, dep.userIDs)
	assert.Equal(t, "user-42", dep.lastSessionID())
	assert.Zero(t, authority.mintCount())

	_, err = store.Get(context.Background(), DefaultStorageKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound, "stored temporary session must be cleared")
}

func TestInitializeAuthenticatedRevokesStoredBackendSession(t *testing.T) {
	store := kvstore.NewMemoryStore()
	previous := Record{SessionID: "anon-stored", IsTemporary: true, IsBackendIssued: true, CreatedAt: time.Now()}
	require.NoError(t, kvstore.SetJSON(context.Background(), store, DefaultStorageKey, previous))
	authority := newFakeAuthority()

	m := newTestManager(t, testConfig(), authority, staticAuth{user: &User{ID: "user-42"}}, store)
	record, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-42", record.SessionID)

	select {
	case id := <-authority.revoked:
		assert.Equal(t, "anon-stored", id)
	case <-time.After(time.Second):
		t.Fatal("stored backend session was not revoked")
	}

	_, err = store.Get(context.Background(), DefaultStorageKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestInitializeMintsBackendSession(t *testing.T) {
	store := kvstore.NewMemoryStore()
	m := newTestManager(t, testConfig(), newFakeAuthority(), nil, store)

	record, err := m.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "anon-1", record.SessionID)
	assert.True(t, record.IsTemporary)
	assert.True(t, record.IsBackendIssued)
	assert.False(t, record.IsAuthenticated)
	require.NotNil(t, record.ExpiresAt)

	var stored Record
	require.NoError(t, kvstore.GetJSON(context.Background(), store, DefaultStorageKey, &stored))
	assert.Equal(t, "anon-1", stored.SessionID)
}

func TestInitializeFallsBackWhenAuthorityFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := kvstore.NewMemoryStore()
	authority := NewAuthorityClient(server.URL, time.Second, zaptest.NewLogger(t))
	m := newTestManager(t, testConfig(), authority, nil, store)

	record, err := m.Initialize(context.Background())
	require.NoError(t, err)

	assert.False(t, record.IsBackendIssued)
	assert.True(t, record.IsTemporary)
	assert.Regexp(t, LocalIDPattern, record.SessionID)

	var stored Record
	require.NoError(t, kvstore.GetJSON(context.Background(), store, DefaultStorageKey, &stored))
	assert.Equal(t, record.SessionID, stored.SessionID)
}

func TestInitializeRestoresLocalSession(t *testing.T) {
	store := kvstore.NewMemoryStore()
	previous := Record{SessionID: "temp_1_abcdefghi", IsTemporary: true, CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, kvstore.SetJSON(context.Background(), store, DefaultStorageKey, previous))

	authority := newFakeAuthority()
	m := newTestManager(t, testConfig(), authority, nil, store)

	record, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "temp_1_abcdefghi", record.SessionID)
	assert.Zero(t, authority.mintCount())
	assert.Zero(t, authority.validations(), "local sessions are not validated")
}

func TestInitializeDiscardsExpiredLocalSession(t *testing.T) {
	store := kvstore.NewMemoryStore()
	previous := Record{SessionID: "temp_1_abcdefghi", IsTemporary: true, CreatedAt: time.Now().Add(-25 * time.Hour)}
	require.NoError(t, kvstore.SetJSON(context.Background(), store, DefaultStorageKey, previous))

	m := newTestManager(t, testConfig(), newFakeAuthority(), nil, store)
	record, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "anon-1", record.SessionID)
}

func TestInitializeRevalidatesStoredBackendSession(t *testing.T) {
	future := time.Now().Add(time.Hour)
	stored := Record{SessionID: "anon-old", IsTemporary: true, IsBackendIssued: true, CreatedAt: time.Now(), ExpiresAt: &future}

	tests := []struct {
		name       string
		failClosed bool
		validate   func(string) (*Validation, error)
		wantID     string
		throttled  bool
	}{
		{
			name:     "still valid",
			validate: func(string) (*Validation, error) { return &Validation{Valid: true, RequestCount: 3}, nil },
			wantID:   "anon-old",
		},
		{
			name:     "rejected",
			validate: func(string) (*Validation, error) { return &Validation{Valid: false}, nil },
			wantID:   "anon-1",
		},
		{
			name:      "throttled keeps id",
			validate:  func(string) (*Validation, error) { return &Validation{Throttled: true, RequestCount: -1}, nil },
			wantID:    "anon-old",
			throttled: true,
		},
		{
			name: "authority down fails open",
			validate: func(string) (*Validation, error) {
				return nil, resilience.NewAuthorityUnavailableError("down", nil)
			},
			wantID: "anon-old",
		},
		{
			name:       "authority down fails closed",
			failClosed: true,
			validate: func(string) (*Validation, error) {
				return nil, resilience.NewAuthorityUnavailableError("down", nil)
			},
			wantID: "anon-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := kvstore.NewMemoryStore()
			require.NoError(t, kvstore.SetJSON(context.Background(), store, DefaultStorageKey, stored))

			authority := newFakeAuthority()
			authority.setValidate(tt.validate)
			cfg := testConfig()
			cfg.ValidationInterval = time.Hour
			cfg.FailClosed = tt.failClosed

			m := newTestManager(t, cfg, authority, nil, store)
			record, err := m.Initialize(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.wantID, record.SessionID)
			assert.Equal(t, tt.throttled, m.IsThrottled())
		})
	}
}

func TestInitializeIgnoresAuthStateErrors(t *testing.T) {
	m := newTestManager(t, testConfig(), newFakeAuthority(), staticAuth{err: errors.New("corrupt token")}, nil)

	record, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.False(t, record.IsAuthenticated)
	assert.Equal(t, "anon-1", record.SessionID)
}

func TestInitializeCancelled(t *testing.T) {
	authority := newFakeAuthority()
	m := newTestManager(t, testConfig(), authority, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Initialize(ctx)
	assert.True(t, resilience.IsCancelled(err))
	assert.Empty(t, m.SessionID())
}

func TestHandleAuthChangeSignIn(t *testing.T) {
	store := kvstore.NewMemoryStore()
	authority := newFakeAuthority()
	dep := &recordingDependent{}
	m := newTestManager(t, testConfig(), authority, nil, store, dep)

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, "anon-1", m.SessionID())

	record, err := m.HandleAuthChange(context.Background(), &User{ID: "user-7", Email: "a@b.c"})
	require.NoError(t, err)

	assert.Equal(t, "user-7", m.SessionID())
	assert.True(t, record.IsAuthenticated)
	assert.Equal(t, "user-7", dep.lastSessionID())

	select {
	case revoked := <-authority.revoked:
		assert.Equal(t, "anon-1", revoked)
	case <-time.After(time.Second):
		t.Fatal("previous anonymous session was not revoked")
	}

	_, err = store.Get(context.Background(), DefaultStorageKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestHandleAuthChangeSignOut(t *testing.T) {
	m := newTestManager(t, testConfig(), newFakeAuthority(), staticAuth{user: &User{ID: "user-7"}}, nil)

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	record, err := m.HandleAuthChange(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, record.IsAuthenticated)
	assert.True(t, record.IsTemporary)
	assert.Nil(t, record.UserID)
	assert.NotEqual(t, "user-7", m.SessionID())
}

func TestHandleAuthChangeFromLocalSession(t *testing.T) {
	authority := newFakeAuthority()
	authority.createErr = resilience.NewAuthorityUnavailableError("down", nil)
	m := newTestManager(t, testConfig(), authority, nil, nil)

	first, err := m.Initialize(context.Background())
	require.NoError(t, err)
	require.False(t, first.IsBackendIssued)

	_, err = m.HandleAuthChange(context.Background(), &User{ID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", m.SessionID())

	select {
	case id := <-authority.revoked:
		t.Fatalf("local session %s must not be revoked remotely", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRevocationDoesNotBlockAuthChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	authority := newFakeAuthority()
	authority.revokeGate = make(chan struct{})
	m := NewManager(testConfig(), authority, nil, nil, zaptest.NewLogger(t))

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.HandleAuthChange(context.Background(), &User{ID: "user-1"})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleAuthChange waited for revocation")
	}
	assert.Equal(t, "user-1", m.SessionID())

	close(authority.revokeGate)
	assert.Equal(t, "anon-1", <-authority.revoked)
	require.NoError(t, m.Close())
}

func TestValidationMarksThrottledWithoutReplacing(t *testing.T) {
	defer goleak.VerifyNone(t)

	authority := newFakeAuthority()
	m := NewManager(testConfig(), authority, nil, nil, zaptest.NewLogger(t))

	var mu sync.Mutex
	var seen []Record
	unsubscribe := m.Subscribe(func(r Record) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r)
	})
	defer unsubscribe()

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	authority.setValidate(func(string) (*Validation, error) {
		return &Validation{Throttled: true, RequestCount: ThrottledRequestCount}, nil
	})

	require.Eventually(t, m.IsThrottled, time.Second, 5*time.Millisecond)
	record, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "anon-1", record.SessionID)
	assert.Equal(t, ThrottledRequestCount, record.RequestCount)
	assert.Equal(t, 1, authority.mintCount(), "throttled session must not be replaced")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].Throttled()
	}, time.Second, 5*time.Millisecond)

	authority.setValidate(func(string) (*Validation, error) {
		return &Validation{Valid: true, RequestCount: 4}, nil
	})
	require.Eventually(t, func() bool { return !m.IsThrottled() }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
}

func TestValidationReplacesInvalidSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	authority := newFakeAuthority()
	dep := &recordingDependent{}
	m := NewManager(testConfig(), authority, nil, nil, zaptest.NewLogger(t), dep)

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	authority.setValidate(func(id string) (*Validation, error) {
		return &Validation{Valid: id != "anon-1"}, nil
	})

	require.Eventually(t, func() bool { return m.SessionID() == "anon-2" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return dep.lastSessionID() == "anon-2" }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())
}

func TestValidationFailsOpen(t *testing.T) {
	defer goleak.VerifyNone(t)

	authority := newFakeAuthority()
	m := NewManager(testConfig(), authority, nil, nil, zaptest.NewLogger(t))

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	authority.setValidate(func(string) (*Validation, error) {
		return nil, resilience.NewAuthorityUnavailableError("offline", nil)
	})

	require.Eventually(t, func() bool { return authority.validations() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "anon-1", m.SessionID())
	assert.False(t, m.IsThrottled())
	require.NoError(t, m.Close())
}

func TestValidationReplacesExpiredSessionWhileOffline(t *testing.T) {
	defer goleak.VerifyNone(t)

	authority := newFakeAuthority()
	authority.ttl = 30 * time.Millisecond
	authority.setValidate(func(string) (*Validation, error) {
		return nil, resilience.NewAuthorityUnavailableError("offline", nil)
	})
	m := NewManager(testConfig(), authority, nil, nil, zaptest.NewLogger(t))

	record, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "anon-1", record.SessionID)

	require.Eventually(t, func() bool { return m.SessionID() != "anon-1" }, time.Second, 5*time.Millisecond,
		"an expired session must not be kept while the authority is unreachable")
	assert.GreaterOrEqual(t, authority.mintCount(), 2)
	require.NoError(t, m.Close())
}

func TestValidationStopsAfterSignIn(t *testing.T) {
	defer goleak.VerifyNone(t)

	authority := newFakeAuthority()
	m := NewManager(testConfig(), authority, nil, nil, zaptest.NewLogger(t))

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return authority.validations() >= 1 }, time.Second, 5*time.Millisecond)

	_, err = m.HandleAuthChange(context.Background(), &User{ID: "user-1"})
	require.NoError(t, err)
	<-authority.revoked

	calls := authority.validations()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, authority.validations(), "authenticated sessions are not validated")
	require.NoError(t, m.Close())
}

func TestSubscribeDeliversCurrentRecord(t *testing.T) {
	m := newTestManager(t, testConfig(), newFakeAuthority(), staticAuth{user: &User{ID: "u"}}, nil)
	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	var got []string
	unsubscribe := m.Subscribe(func(r Record) { got = append(got, r.SessionID) })
	assert.Equal(t, []string{"u"}, got)

	unsubscribe()
	_, err = m.HandleAuthChange(context.Background(), &User{ID: "v"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u"}, got)
}

func TestClear(t *testing.T) {
	store := kvstore.NewMemoryStore()
	dep := &recordingDependent{}
	m := newTestManager(t, testConfig(), newFakeAuthority(), nil, store, dep)

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Clear(context.Background()))

	assert.Empty(t, m.SessionID())
	_, ok := m.Current()
	assert.False(t, ok)
	assert.Equal(t, "", dep.lastSessionID())
	_, err = store.Get(context.Background(), DefaultStorageKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, Record{IsTemporary: false, CreatedAt: now.Add(-48 * time.Hour)}.Expired(now, DefaultMaxAge))
	assert.True(t, Record{IsTemporary: true, CreatedAt: now.Add(-25 * time.Hour)}.Expired(now, DefaultMaxAge))
	assert.False(t, Record{IsTemporary: true, CreatedAt: now.Add(-time.Hour)}.Expired(now, DefaultMaxAge))
	assert.True(t, Record{IsTemporary: true, CreatedAt: now, ExpiresAt: &past}.Expired(now, DefaultMaxAge))
	assert.False(t, Record{IsTemporary: true, CreatedAt: now, ExpiresAt: &future}.Expired(now, DefaultMaxAge))
}
