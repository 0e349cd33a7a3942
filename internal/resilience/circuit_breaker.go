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

// Package resilience provides the error taxonomy, timeout helper and circuit
// breaker shared by the session manager and the fallback orchestrator.
package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is closed (normal operation)
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is open (failing fast)
	CircuitOpen
	// CircuitHalfOpen means one trial request is allowed through
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	// IsFailureFunc decides whether an error counts against the breaker
	IsFailureFunc func(error) bool
}

// DefaultCircuitBreakerConfig returns default configuration for circuit breaker
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:          name,
		MaxFailures:   5,
		ResetTimeout:  30 * time.Second,
		IsFailureFunc: DefaultIsFailureFunc,
	}
}

// DefaultIsFailureFunc counts every error except caller cancellation
func DefaultIsFailureFunc(err error) bool {
	return err != nil && !IsCancelled(err)
}

// CircuitBreakerStats holds statistics about circuit breaker performance
type CircuitBreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	SuccessfulReqs  int       `json:"successful_requests"`
	FailedReqs      int       `json:"failed_requests"`
	LastFailureTime time.Time `json:"last_failure_time"`
	StateChanged    time.Time `json:"state_changed"`
}

// CircuitBreaker trips after MaxFailures consecutive failures and stays open for ResetTimeout.
// Callers use Allow before a request and Record after it.
type CircuitBreaker struct {
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int
	successfulReqs  int
	failedReqs      int
	trialInFlight   bool
	lastFailureTime time.Time
	stateChanged    time.Time
	now             func() time.Time
	mu              sync.Mutex
	logger          *zap.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.IsFailureFunc == nil {
		config.IsFailureFunc = DefaultIsFailureFunc
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}

	return &CircuitBreaker{
		config:       config,
		state:        CircuitClosed,
		stateChanged: time.Now(),
		now:          time.Now,
		logger:       logger,
	}
}

// Allow reports whether a request may proceed. A nil breaker always allows.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.stateChanged) < cb.config.ResetTimeout {
			return false
		}
		cb.setState(CircuitHalfOpen)
		cb.trialInFlight = true
		return true
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return false
	}
}

// Record feeds the outcome of an allowed request back into the breaker
func (cb *CircuitBreaker) Record(err error) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false

	if !cb.config.IsFailureFunc(err) {
		if err == nil {
			cb.successfulReqs++
		}
		cb.failures = 0
		if cb.state != CircuitClosed && err == nil {
			cb.setState(CircuitClosed)
		}
		return
	}

	cb.failures++
	cb.failedReqs++
	cb.lastFailureTime = cb.now()

	cb.logger.Debug("Circuit breaker recorded failure",
		zap.String("name", cb.config.Name),
		zap.Error(err),
		zap.Int("failures", cb.failures),
		zap.String("state", cb.state.String()))

	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.stateChanged = cb.now()

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
		zap.Int("failures", cb.failures))
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current statistics about the circuit breaker
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	if cb == nil {
		return CircuitBreakerStats{Name: "none", State: CircuitClosed.String()}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		SuccessfulReqs:  cb.successfulReqs,
		FailedReqs:      cb.failedReqs,
		LastFailureTime: cb.lastFailureTime,
		StateChanged:    cb.stateChanged,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trialInFlight = false
	cb.setState(CircuitClosed)
}
