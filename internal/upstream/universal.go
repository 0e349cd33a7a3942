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

	"github.com/your-org/wihy-client/internal/health"
	"github.com/your-org/wihy-client/internal/message"
	"github.com/your-org/wihy-client/internal/resilience"
)

// UniversalSearchLimit is the result limit sent with every search
const UniversalSearchLimit = 10

type searchOptions struct {
	Limit                  int  `json:"limit"`
	IncludeCharts          bool `json:"include_charts"`
	IncludeRecommendations bool `json:"include_recommendations"`
}

type searchRequest struct {
	Query     string        `json:"query"`
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Options   searchOptions `json:"options"`
}

// UniversalPrimary is the AI-enhanced search service, POST <base>/search
type UniversalPrimary struct {
	correlation
	baseURL string
	timeout time.Duration
	client  *http.Client
	probe   *health.HTTPProbe
	logger  *zap.Logger
}

// NewUniversalPrimary creates the primary tier client
func NewUniversalPrimary(baseURL string, timeout, probeTimeout time.Duration, logger *zap.Logger) *UniversalPrimary {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = resilience.DefaultRequestTimeout
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &UniversalPrimary{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{},
		probe:   health.NewHTTPProbe(baseURL, probeTimeout),
		logger:  logger,
	}
}

// Probe checks the service health endpoint under the short probe timeout
func (u *UniversalPrimary) Probe(ctx context.Context) error {
	return u.probe.Probe(ctx)
}

// Fetch runs a universal search. A 2xx body with "success": false is a failure.
func (u *UniversalPrimary) Fetch(ctx context.Context, query string) ([]byte, error) {
	sessionID := u.SessionID()
	body := searchRequest{
		Query:     query,
		Type:      "auto",
		SessionID: sessionID,
		Options: searchOptions{
			Limit:                  UniversalSearchLimit,
			IncludeCharts:          true,
			IncludeRecommendations: true,
		},
	}

	data, err := postJSON(ctx, u.client, u.baseURL+"/search", u.timeout, string(message.TierPrimary), sessionID, body, u.logger)
	if err != nil {
		return nil, err
	}

	if err := checkReported(data, string(message.TierPrimary)); err != nil {
		return nil, err
	}
	return data, nil
}
