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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/resilience"
)

// DefaultAuthorityTimeout bounds every call to the session authority
const DefaultAuthorityTimeout = 10 * time.Second

// Authority is the remote service that mints, validates and revokes anonymous sessions
type Authority interface {
	CreateAnonymous(ctx context.Context) (*AnonymousSession, error)
	Validate(ctx context.Context, sessionID string) (*Validation, error)
	Revoke(ctx context.Context, sessionID string) error
}

// AnonymousSession is the authority's answer to a mint request
type AnonymousSession struct {
	SessionID string     `json:"session_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Validation is the authority's verdict on an existing session
type Validation struct {
	Valid         bool
	RequestCount  int
	ExpiresAt     *time.Time
	Throttled     bool
	ThrottleUntil *time.Time
	Reason        string
}

// AuthorityClient talks to the session authority over HTTP
type AuthorityClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAuthorityClient creates a client for the authority at baseURL
func NewAuthorityClient(baseURL string, timeout time.Duration, logger *zap.Logger) *AuthorityClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultAuthorityTimeout
	}
	return &AuthorityClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type createResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt timestamp `json:"expires_at"`
}

type validateResponse struct {
	Valid        bool      `json:"valid"`
	RequestCount int       `json:"request_count"`
	ExpiresAt    timestamp `json:"expires_at"`
}

type throttleResponse struct {
	ThrottleUntil timestamp `json:"throttle_until"`
	Reason        string    `json:"reason"`
}

// CreateAnonymous mints a new anonymous session
func (c *AuthorityClient) CreateAnonymous(ctx context.Context) (*AnonymousSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session/anonymous", bytes.NewBufferString("{}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, resilience.NewAuthorityUnavailableError(
			fmt.Sprintf("session authority returned status %d", status), nil).
			WithContext("status_code", status)
	}

	var created createResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, resilience.NewAuthorityUnavailableError("failed to decode anonymous session", err)
	}
	if created.SessionID == "" {
		return nil, resilience.NewAuthorityUnavailableError("session authority returned no session id", nil)
	}

	c.logger.Debug("Minted anonymous session", zap.String("session_id", created.SessionID))
	return &AnonymousSession{SessionID: created.SessionID, ExpiresAt: created.ExpiresAt.ptr()}, nil
}

// Validate checks an anonymous session. A 429 is reported as a throttled
// Validation rather than an error; 404 and 410 mean the session is unknown.
func (c *AuthorityClient) Validate(ctx context.Context, sessionID string) (*Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusTooManyRequests:
		var throttle throttleResponse
		_ = json.Unmarshal(body, &throttle)
		return &Validation{
			Throttled:     true,
			RequestCount:  ThrottledRequestCount,
			ThrottleUntil: throttle.ThrottleUntil.ptr(),
			Reason:        throttle.Reason,
		}, nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return &Validation{Valid: false}, nil
	case status < 200 || status >= 300:
		return nil, resilience.NewAuthorityUnavailableError(
			fmt.Sprintf("session authority returned status %d", status), nil).
			WithContext("status_code", status)
	}

	var validated validateResponse
	if err := json.Unmarshal(body, &validated); err != nil {
		return nil, resilience.NewAuthorityUnavailableError("failed to decode session validation", err)
	}
	return &Validation{
		Valid:        validated.Valid,
		RequestCount: validated.RequestCount,
		ExpiresAt:    validated.ExpiresAt.ptr(),
	}, nil
}

// Revoke deletes an anonymous session. The response body is ignored.
func (c *AuthorityClient) Revoke(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.sessionURL(sessionID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	_, status, err := c.do(req)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return resilience.NewAuthorityUnavailableError(
			fmt.Sprintf("session authority returned status %d", status), nil)
	}
	return nil
}

func (c *AuthorityClient) sessionURL(sessionID string) string {
	return c.baseURL + "/session/anonymous/" + url.PathEscape(sessionID)
}

// do executes req and returns the body and status. Transport failures are
// AUTHORITY_UNAVAILABLE unless the caller cancelled.
func (c *AuthorityClient) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, 0, resilience.NewCancelledError(ctxErr)
		}
		return nil, 0, resilience.NewAuthorityUnavailableError("session authority unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, resilience.NewAuthorityUnavailableError("failed to read authority response", err)
	}
	return body, resp.StatusCode, nil
}

// timestamp accepts RFC 3339 strings and unix seconds or milliseconds
type timestamp struct {
	t *time.Time
}

func (ts *timestamp) UnmarshalJSON(b []byte) error {
	ts.t = nil
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ts.t = &t
			return nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			ts.t = unixTime(n)
		}
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil && n > 0 {
		ts.t = unixTime(n)
	}
	return nil
}

func (ts timestamp) ptr() *time.Time {
	return ts.t
}

func unixTime(n float64) *time.Time {
	var t time.Time
	if n > 1e12 {
		t = time.UnixMilli(int64(n)).UTC()
	} else {
		t = time.Unix(int64(n), 0).UTC()
	}
	return &t
}
