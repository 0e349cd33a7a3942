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

package upstream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/message"
	"github.com/your-org/wihy-client/internal/resilience"
)

type askRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// Legacy is the older question-answering service, POST <base>/ask
type Legacy struct {
	correlation
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// NewLegacy creates the legacy tier client
func NewLegacy(baseURL string, timeout time.Duration, logger *zap.Logger) *Legacy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = resilience.DefaultRequestTimeout
	}
	return &Legacy{
		url:     strings.TrimRight(baseURL, "/") + "/ask",
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

// Fetch asks the legacy service. An empty body or "success": false is a failure.
func (l *Legacy) Fetch(ctx context.Context, query string) ([]byte, error) {
	sessionID := l.SessionID()
	data, err := postJSON(ctx, l.client, l.url, l.timeout, string(message.TierLegacy), sessionID,
		askRequest{Query: query, SessionID: sessionID}, l.logger)
	if err != nil {
		return nil, err
	}
	if err := checkReported(data, string(message.TierLegacy)); err != nil {
		return nil, err
	}
	return data, nil
}
