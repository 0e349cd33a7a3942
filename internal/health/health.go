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

// Package health provides the connectivity probe used before the primary
// tier and the dependency report served by the local bridge.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/wihy-client/internal/kvstore"
	"github.com/your-org/wihy-client/internal/resilience"
)

const (
	// StatusHealthy represents healthy status
	StatusHealthy = "healthy"
	// StatusUnhealthy represents unhealthy status
	StatusUnhealthy = "unhealthy"
	// StatusDegraded represents degraded status
	StatusDegraded = "degraded"
	// DefaultTimeout is the default timeout for a full report
	DefaultTimeout = 5 * time.Second
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Status    string                 `json:"status"`
	Latency   time.Duration          `json:"latency"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Report is the complete health report
type Report struct {
	Status       string                 `json:"status"`
	Service      string                 `json:"service"`
	Version      string                 `json:"version"`
	Uptime       time.Duration          `json:"uptime"`
	Dependencies map[string]CheckResult `json:"dependencies"`
	Metadata     map[string]interface{} `json:"metadata"`
	Timestamp    time.Time              `json:"timestamp"`
}

// HTTPStatus maps the report status to a response code. Degraded stays 200.
func (r Report) HTTPStatus() int {
	if r.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckerFunc is a function adapter for the Checker interface
type CheckerFunc func(ctx context.Context) CheckResult

// Check implements the Checker interface
func (f CheckerFunc) Check(ctx context.Context) CheckResult {
	return f(ctx)
}

// Manager runs the registered checks
type Manager struct {
	serviceName string
	version     string
	startTime   time.Time
	mu          sync.RWMutex
	checkers    map[string]Checker
	critical    map[string]bool
	timeout     time.Duration
	logger      *zap.Logger
}

// NewManager creates a new health check manager
func NewManager(serviceName, version string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		serviceName: serviceName,
		version:     version,
		startTime:   time.Now(),
		checkers:    make(map[string]Checker),
		critical:    make(map[string]bool),
		timeout:     DefaultTimeout,
		logger:      logger,
	}
}

// SetTimeout sets the timeout for a full report
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

// AddChecker registers a check. A failing critical check makes the report
// unhealthy; any other failure only degrades it.
func (m *Manager) AddChecker(name string, checker Checker, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
	m.critical[name] = critical
}

// Check runs every check concurrently and aggregates the results
func (m *Manager) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make([]CheckResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		m.mu.RLock()
		checker := m.checkers[name]
		m.mu.RUnlock()

		g.Go(func() error {
			start := time.Now()
			result := checker.Check(ctx)
			result.Latency = time.Since(start)
			result.Timestamp = time.Now()
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	dependencies := make(map[string]CheckResult, len(names))
	overall := StatusHealthy
	for i, name := range names {
		result := results[i]
		dependencies[name] = result
		if result.Status == StatusHealthy {
			continue
		}
		m.logger.Debug("Dependency check failed",
			zap.String("dependency", name),
			zap.String("status", result.Status),
			zap.String("error", result.Error))

		m.mu.RLock()
		critical := m.critical[name]
		m.mu.RUnlock()
		if critical {
			overall = StatusUnhealthy
		} else if overall != StatusUnhealthy {
			overall = StatusDegraded
		}
	}

	return Report{
		Status:       overall,
		Service:      m.serviceName,
		Version:      m.version,
		Uptime:       time.Since(m.startTime),
		Dependencies: dependencies,
		Metadata: map[string]interface{}{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
		Timestamp: time.Now(),
	}
}

// Prober answers whether an upstream is reachable
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) error

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// HTTPProbe issues GET <base>/health under its own short timeout
type HTTPProbe struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPProbe creates a probe for the service at baseURL
func NewHTTPProbe(baseURL string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = resilience.DefaultProbeTimeout
	}
	return &HTTPProbe{
		url:     strings.TrimRight(baseURL, "/") + "/health",
		timeout: timeout,
		client:  &http.Client{},
	}
}

// Probe returns nil when the health endpoint answers 2xx within the timeout
func (p *HTTPProbe) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return resilience.NewCancelledError(ctx.Err())
		}
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return resilience.NewTimeoutError("connectivity probe timed out", err)
		}
		return fmt.Errorf("connectivity probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("connectivity probe returned status %d", resp.StatusCode)
	}
	return nil
}

// ProbeChecker reports a Prober as a health check
func ProbeChecker(name string, prober Prober) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if err := prober.Probe(ctx); err != nil {
			return CheckResult{
				Status:   StatusUnhealthy,
				Error:    err.Error(),
				Metadata: map[string]interface{}{"service": name},
			}
		}
		return CheckResult{
			Status:   StatusHealthy,
			Metadata: map[string]interface{}{"service": name},
		}
	})
}

// StoreChecker verifies the kvstore answers reads
func StoreChecker(store kvstore.Store) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		_, err := store.Get(ctx, "__health__")
		if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			return CheckResult{
				Status: StatusUnhealthy,
				Error:  fmt.Sprintf("store read failed: %v", err),
			}
		}
		return CheckResult{Status: StatusHealthy}
	})
}
