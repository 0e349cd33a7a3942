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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/wihy-client/internal/auth"
	"github.com/your-org/wihy-client/internal/dispatch"
	"github.com/your-org/wihy-client/internal/health"
	"github.com/your-org/wihy-client/internal/kvstore"
	"github.com/your-org/wihy-client/internal/message"
	"github.com/your-org/wihy-client/internal/resilience"
	"github.com/your-org/wihy-client/internal/session"
)

type fakeSessions struct {
	mu        sync.Mutex
	record    *session.Record
	throttled bool
	changes   []*session.User
	cleared   bool
}

func (f *fakeSessions) Current() (session.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.record == nil {
		return session.Record{}, false
	}
	return *f.record, true
}

func (f *fakeSessions) IsThrottled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.throttled
}

func (f *fakeSessions) HandleAuthChange(ctx context.Context, user *session.User) (session.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, user)
	record := session.Record{SessionID: "temp_1_abc", IsTemporary: true, CreatedAt: time.Now()}
	if user != nil {
		id := user.ID
		record = session.Record{SessionID: user.ID, UserID: &id, IsAuthenticated: true, CreatedAt: time.Now()}
	}
	f.record = &record
	return record, nil
}

func (f *fakeSessions) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record = nil
	f.cleared = true
	return nil
}

func (f *fakeSessions) setThrottled(on bool) {
	f.mu.Lock()
	f.throttled = on
	f.mu.Unlock()
}

type resolverFunc func(ctx context.Context, query string) (*message.Canonical, error)

func (r resolverFunc) Resolve(ctx context.Context, query string) (*message.Canonical, error) {
	return r(ctx, query)
}

func echoResolver() resolverFunc {
	return func(ctx context.Context, query string) (*message.Canonical, error) {
		return message.New("answer to "+query, message.TierPrimary), nil
	}
}

type testEnv struct {
	router   *gin.Engine
	sessions *fakeSessions
	auth     *auth.TokenState
	store    *kvstore.MemoryStore
}

func newTestEnv(t *testing.T, resolver dispatch.Resolver, healthManager *health.Manager) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zaptest.NewLogger(t)
	sessions := &fakeSessions{}
	store := kvstore.NewMemoryStore()
	tokens := auth.NewTokenState(store, "", logger)
	registry := dispatch.NewRegistry(dispatch.Config{}, resolver, sessions, logger)

	srv := New(sessions, tokens, registry, healthManager, logger)
	return &testEnv{router: srv.Router(), sessions: sessions, auth: tokens, store: store}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) openThread(t *testing.T) string {
	t.Helper()
	w := e.do(http.MethodPost, "/api/v1/threads", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var view ThreadView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.NotEmpty(t, view.ThreadID)
	assert.Equal(t, "idle", view.State)
	return view.ThreadID
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) resilience.ErrorResponse {
	t.Helper()
	var response resilience.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "healthy", wantStatus: http.StatusOK},
		{name: "critical failure", err: errors.New("store down"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := health.NewManager("wihy-test", "1.0.0", zaptest.NewLogger(t))
			manager.AddChecker("store", health.CheckerFunc(func(ctx context.Context) health.CheckResult {
				if tt.err != nil {
					return health.CheckResult{Status: health.StatusUnhealthy, Error: tt.err.Error()}
				}
				return health.CheckResult{Status: health.StatusHealthy}
			}), true)

			env := newTestEnv(t, echoResolver(), manager)
			w := env.do(http.MethodGet, "/health", nil)
			assert.Equal(t, tt.wantStatus, w.Code)

			var report health.Report
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
			assert.Equal(t, "wihy-test", report.Service)
			assert.Contains(t, report.Dependencies, "store")
		})
	}
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t, echoResolver(), nil)

	w := env.do(http.MethodGet, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(resilience.ErrorCodeNotFound), decodeError(t, w).Code)

	env.sessions.record = &session.Record{SessionID: "sess-1", IsTemporary: true, IsBackendIssued: true}
	env.sessions.setThrottled(true)

	w = env.do(http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "sess-1", view.Session.SessionID)
	assert.True(t, view.Throttled)
}

func TestAuthWithToken(t *testing.T) {
	env := newTestEnv(t, echoResolver(), nil)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-42",
		"email": "sam@example.com",
	}).SignedString([]byte("any"))
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/v1/session/auth", AuthRequest{Token: token})
	require.Equal(t, http.StatusOK, w.Code)

	var view SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "user-42", view.Session.SessionID)
	assert.True(t, view.Session.IsAuthenticated)
	assert.False(t, view.Throttled)

	require.Len(t, env.sessions.changes, 1)
	assert.Equal(t, "sam@example.com", env.sessions.changes[0].Email)

	remembered, err := env.auth.CurrentUser(context.Background())
	require.NoError(t, err)
	require.NotNil(t, remembered)
	assert.Equal(t, "user-42", remembered.ID)
}

func TestAuthRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, echoResolver(), nil)

	w := env.do(http.MethodPost, "/api/v1/session/auth", AuthRequest{Token: "not-a-jwt"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(resilience.ErrorCodeBadRequest), decodeError(t, w).Code)
	assert.Empty(t, env.sessions.changes, "a rejected token does not change the session")
}

func TestAuthWithUserThenSignOut(t *testing.T) {
	env := newTestEnv(t, echoResolver(), nil)
	ctx := context.Background()

	w := env.do(http.MethodPost, "/api/v1/session/auth", AuthRequest{UserID: " user-7 ", Name: "Sam"})
	require.Equal(t, http.StatusOK, w.Code)
	user, err := env.auth.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "user-7", user.ID)

	w = env.do(http.MethodPost, "/api/v1/session/auth", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.True(t, view.Session.IsTemporary)

	require.Len(t, env.sessions.changes, 2)
	assert.Nil(t, env.sessions.changes[1])
	user, err = env.auth.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestClearSession(t *testing.T) {
	env := newTestEnv(t, echoResolver(), nil)
	require.NoError(t, env.auth.SignInAsUser(context.Background(), session.User{ID: "u"}))
	env.sessions.record = &session.Record{SessionID: "u"}

	w := env.do(http.MethodDelete, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, env.sessions.cleared)
	assert.Equal(t, 0, env.store.Len())
}

func TestThreadConversation(t *testing.T) {
	env := newTestEnv(t, echoResolver(), nil)
	id := env.openThread(t)

	w := env.do(http.MethodPost, "/api/v1/threads/"+id+"/messages", MessageRequest{Text: "is kale healthy"})
	require.Equal(t, http.StatusOK, w.Code)
	var msg message.Canonical
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "answer to is kale healthy", msg.Summary)
	assert.Equal(t, message.TierPrimary, msg.OriginTier)

	w = env.do(http.MethodGet, "/api/v1/threads/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view ThreadView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Messages, 2)
	assert.Equal(t, dispatch.RoleUser, view.Messages[0].Role)
	assert.Equal(t, dispatch.RoleAssistant, view.Messages[1].Role)

	w = env.do(http.MethodDelete, "/api/v1/threads/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodGet, "/api/v1/threads/"+id+"/messages", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t, echoResolver(), nil)

	w := env.do(http.MethodPost, "/api/v1/threads/missing/messages", MessageRequest{Text: "q"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	id := env.openThread(t)
	w = env.do(http.MethodPost, "/api/v1/threads/"+id+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/threads/"+id+"/messages", MessageRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		throttled   bool
		err         error
		wantStatus  int
		wantCode    resilience.ErrorCode
		wantMessage string
	}{
		{
			name:        "throttled session",
			throttled:   true,
			wantStatus:  http.StatusTooManyRequests,
			wantCode:    resilience.ErrorCodeThrottled,
			wantMessage: resilience.ThrottledUserMessage,
		},
		{
			name:        "all tiers failed",
			err:         resilience.NewResolutionExhaustedError("legacy service returned status 502", nil),
			wantStatus:  http.StatusServiceUnavailable,
			wantCode:    resilience.ErrorCodeResolutionExhausted,
			wantMessage: resilience.ExhaustedUserMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := resolverFunc(func(ctx context.Context, query string) (*message.Canonical, error) {
				return nil, tt.err
			})
			env := newTestEnv(t, resolver, nil)
			env.sessions.setThrottled(tt.throttled)
			id := env.openThread(t)

			w := env.do(http.MethodPost, "/api/v1/threads/"+id+"/messages", MessageRequest{Text: "q"})
			assert.Equal(t, tt.wantStatus, w.Code)
			response := decodeError(t, w)
			assert.Equal(t, string(tt.wantCode), response.Code)
			assert.Equal(t, tt.wantMessage, response.UserMessage)
			assert.NotEmpty(t, response.RequestID)
		})
	}
}

func TestCancelInFlightSend(t *testing.T) {
	started := make(chan struct{})
	resolver := resolverFunc(func(ctx context.Context, query string) (*message.Canonical, error) {
		close(started)
		<-ctx.Done()
		return nil, resilience.NewCancelledError(ctx.Err())
	})
	env := newTestEnv(t, resolver, nil)
	id := env.openThread(t)

	result := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		result <- env.do(http.MethodPost, "/api/v1/threads/"+id+"/messages", MessageRequest{Text: "slow"})
	}()
	<-started

	w := env.do(http.MethodPost, "/api/v1/threads/"+id+"/messages", MessageRequest{Text: "other"})
	assert.Equal(t, http.StatusConflict, w.Code, "one send per thread")

	w = env.do(http.MethodPost, "/api/v1/threads/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled":true}`, w.Body.String())

	sent := <-result
	assert.Equal(t, 499, sent.Code)
	assert.Equal(t, string(resilience.ErrorCodeCancelled), decodeError(t, sent).Code)
	assert.Empty(t, decodeError(t, sent).UserMessage)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, echoResolver(), nil)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-123", decodeError(t, w).RequestID)

	w = env.do(http.MethodGet, "/api/v1/session", nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := New(&fakeSessions{}, auth.NewTokenState(kvstore.NewMemoryStore(), "", nil),
		dispatch.NewRegistry(dispatch.Config{}, echoResolver(), nil, nil), nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
