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

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/wihy-client/internal/kvstore"
	"github.com/your-org/wihy-client/internal/resilience"
)

func staticChecker(status, errMsg string) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		return CheckResult{Status: status, Error: errMsg}
	})
}

func TestManagerCheck(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		status   string
		want     string
		code     int
	}{
		{"all healthy", true, StatusHealthy, StatusHealthy, http.StatusOK},
		{"critical failure", true, StatusUnhealthy, StatusUnhealthy, http.StatusServiceUnavailable},
		{"optional failure", false, StatusUnhealthy, StatusDegraded, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager("wihy-bridge", "1.0.0", zaptest.NewLogger(t))
			manager.AddChecker("store", staticChecker(StatusHealthy, ""), true)
			manager.AddChecker("upstream", staticChecker(tt.status, "down"), tt.critical)

			report := manager.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, tt.code, report.HTTPStatus())
			assert.Equal(t, "wihy-bridge", report.Service)
			assert.Equal(t, "1.0.0", report.Version)
			require.Len(t, report.Dependencies, 2)
			assert.False(t, report.Dependencies["upstream"].Timestamp.IsZero())
		})
	}
}

func TestManagerCheckTimeout(t *testing.T) {
	manager := NewManager("wihy-bridge", "1.0.0", nil)
	manager.SetTimeout(50 * time.Millisecond)
	manager.AddChecker("slow", CheckerFunc(func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	}), true)

	start := time.Now()
	report := manager.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestHTTPProbe(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		assert.NoError(t, NewHTTPProbe(server.URL+"/", time.Second).Probe(context.Background()))
	})

	t.Run("error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		err := NewHTTPProbe(server.URL, time.Second).Probe(context.Background())
		assert.ErrorContains(t, err, "status 500")
	})

	t.Run("hung server times out", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		start := time.Now()
		err := NewHTTPProbe(server.URL, 50*time.Millisecond).Probe(context.Background())
		assert.Less(t, time.Since(start), time.Second)
		assert.True(t, resilience.IsCode(err, resilience.ErrorCodeTimeout), "got %v", err)
	})

	t.Run("caller cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := NewHTTPProbe("http://127.0.0.1:1", time.Second).Probe(ctx)
		assert.True(t, resilience.IsCancelled(err), "got %v", err)
	})
}

func TestProbeChecker(t *testing.T) {
	ok := ProbeChecker("primary", ProberFunc(func(ctx context.Context) error { return nil }))
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	failing := ProbeChecker("primary", ProberFunc(func(ctx context.Context) error { return errors.New("refused") }))
	result := failing.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "refused", result.Error)
}

type brokenStore struct{ kvstore.Store }

func (brokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("disk gone")
}

func TestStoreChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, StoreChecker(kvstore.NewMemoryStore()).Check(context.Background()).Status)

	result := StoreChecker(brokenStore{}).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "disk gone")
}
