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

// Package upstream holds the network tiers consulted by the fallback
// orchestrator. Every client returns the raw response body; shape handling
// belongs to the normalize package.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/resilience"
)

const (
	// SessionHeader carries the current session id on every request
	SessionHeader = "X-Session-ID"
	// maxBodyBytes caps how much of an upstream body is read
	maxBodyBytes = 4 << 20
)

// Client fetches the raw answer for a query
type Client interface {
	Fetch(ctx context.Context, query string) ([]byte, error)
}

// correlation holds the session id attached to outgoing requests.
// The session manager updates it through SetSessionID.
type correlation struct {
	mu        sync.RWMutex
	sessionID string
}

// SetSessionID implements session.SessionAware
func (c *correlation) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// SessionID returns the id attached to the next request
func (c *correlation) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// postJSON sends body to url and returns the response body of a 2xx reply.
// Non-2xx replies become TIER_FAILURE (THROTTLED for 429) and a cancelled
// caller context becomes CANCELLED.
func postJSON(ctx context.Context, client *http.Client, url string, timeout time.Duration, tier, sessionID string, body interface{}, logger *zap.Logger) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, resilience.NewInternalError("failed to encode request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, resilience.NewTierFailureError(tier, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, resilience.NewCancelledError(ctx.Err())
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, resilience.NewTierFailureError(tier, fmt.Sprintf("%s request timed out", tier), err)
		}
		return nil, resilience.NewTierFailureError(tier, fmt.Sprintf("%s request failed", tier), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, resilience.NewCancelledError(ctx.Err())
		}
		return nil, resilience.NewTierFailureError(tier, "failed to read response", err)
	}

	logger.Debug("Upstream responded",
		zap.String("tier", tier),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
		zap.Int("bytes", len(data)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resilience.NewThrottledError(fmt.Sprintf("%s service throttled the session", tier), nil).
			WithContext("tier", tier)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, resilience.NewTierFailureError(tier,
			fmt.Sprintf("%s service returned status %d: %s", tier, resp.StatusCode, preview(data, 200)), nil)
	}
	return data, nil
}

// checkReported rejects a 2xx body that carries no answer: an empty body or
// one whose "success" field is false
func checkReported(data []byte, tier string) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return resilience.NewTierFailureError(tier, fmt.Sprintf("%s service returned an empty body", tier), nil)
	}
	var status struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &status) == nil && status.Success != nil && !*status.Success {
		msg := fmt.Sprintf("%s service reported failure", tier)
		if status.Error != "" {
			msg += ": " + status.Error
		}
		return resilience.NewTierFailureError(tier, msg, nil)
	}
	return nil
}

func preview(data []byte, n int) string {
	s := strings.TrimSpace(string(data))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
