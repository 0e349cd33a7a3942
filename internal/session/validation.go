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
	"time"

	"go.uber.org/zap"
)

// startValidation runs the validation loop for the given generation.
// Callers hold the transition lock.
func (m *Manager) startValidation(generation uint64) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	done := make(chan struct{})

	m.mu.Lock()
	m.stopLoop = cancel
	m.loopDone = done
	m.mu.Unlock()

	go m.validationLoop(ctx, generation, done)
}

// stopValidation cancels the loop and waits for it to exit.
// It must not be called with m.mu held.
func (m *Manager) stopValidation() {
	m.mu.Lock()
	cancel, done := m.stopLoop, m.loopDone
	m.stopLoop, m.loopDone = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) validationLoop(ctx context.Context, generation uint64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.config.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !m.validateOnce(ctx, generation) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// validateOnce checks the current session and reports whether the loop
// should keep running
func (m *Manager) validateOnce(ctx context.Context, generation uint64) bool {
	m.mu.Lock()
	if m.generation != generation || m.current == nil {
		m.mu.Unlock()
		return false
	}
	sessionID := m.current.SessionID
	expired := m.current.Expired(m.now(), m.config.MaxAge)
	m.mu.Unlock()

	var validation *Validation
	if expired {
		m.logger.Info("Session expired, replacing session", zap.String("session_id", sessionID))
		validation = &Validation{Valid: false}
	} else {
		var err error
		validation, err = m.authority.Validate(ctx, sessionID)
		if ctx.Err() != nil {
			return false
		}
		if err != nil {
			// Fail-open keeps the session only while it has not expired.
			if !m.config.FailClosed && !m.currentExpired(generation, sessionID) {
				m.logger.Debug("Session validation failed, keeping session",
					zap.String("session_id", sessionID),
					zap.Error(err))
				return true
			}
			m.logger.Warn("Session validation failed, replacing session",
				zap.String("session_id", sessionID),
				zap.Error(err))
			validation = &Validation{Valid: false}
		}
	}

	switch {
	case validation.Throttled:
		record, wasThrottled, ok := m.update(generation, sessionID, func(r *Record) {
			r.RequestCount = ThrottledRequestCount
		})
		if !ok {
			return false
		}
		m.persist(ctx, record)
		if !wasThrottled {
			m.logger.Warn("Session throttled",
				zap.String("session_id", sessionID),
				zap.String("reason", validation.Reason))
			m.notify(record)
		}
		return true

	case !validation.Valid:
		replacement := m.mint(ctx)
		if ctx.Err() != nil || !m.replace(generation, sessionID, replacement) {
			if replacement.IsBackendIssued {
				m.revokeAsync(replacement.SessionID)
			}
			return false
		}
		m.logger.Info("Replaced invalid session",
			zap.String("previous_session_id", sessionID),
			zap.String("session_id", replacement.SessionID))
		m.persist(ctx, replacement)
		m.propagate(replacement)
		m.notify(replacement)
		return replacement.IsBackendIssued

	default:
		record, wasThrottled, ok := m.update(generation, sessionID, func(r *Record) {
			applyValidation(r, validation)
		})
		if !ok {
			return false
		}
		m.persist(ctx, record)
		if wasThrottled {
			m.logger.Info("Session throttle cleared", zap.String("session_id", sessionID))
			m.notify(record)
		}
		return true
	}
}

// update mutates the current record if it is still the one that was validated.
// It returns the updated copy and whether the record was throttled before.
func (m *Manager) update(generation uint64, sessionID string, fn func(*Record)) (Record, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation || m.current == nil || m.current.SessionID != sessionID {
		return Record{}, false, false
	}
	wasThrottled := m.current.Throttled()
	fn(m.current)
	return m.current.clone(), wasThrottled, true
}

// currentExpired reports whether the validated record has expired by now
func (m *Manager) currentExpired(generation uint64, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation || m.current == nil || m.current.SessionID != sessionID {
		return false
	}
	return m.current.Expired(m.now(), m.config.MaxAge)
}

func (m *Manager) replace(generation uint64, sessionID string, record Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation || m.current == nil || m.current.SessionID != sessionID {
		return false
	}
	r := record.clone()
	m.current = &r
	return true
}
