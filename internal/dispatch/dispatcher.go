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

// Package dispatch is the conversational entry point used by chat and search
// surfaces. Each Dispatcher is one conversation thread with at most one
// request in flight.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/message"
	"github.com/your-org/wihy-client/internal/resilience"
)

// DefaultDebounceWindow is how long an identical resubmission is rejected
const DefaultDebounceWindow = time.Second

var (
	// ErrBusy rejects a send while another one is in flight
	ErrBusy = resilience.NewConflictError("a message is already being sent", nil)
	// ErrDuplicate rejects a repeat of the previous message inside the debounce window
	ErrDuplicate = resilience.NewConflictError("duplicate message", nil)
	// ErrThrottled rejects sends while the session is throttled
	ErrThrottled = resilience.NewThrottledError(resilience.ThrottledUserMessage, nil)
	// ErrCancelled is returned to a send whose result was discarded
	ErrCancelled = resilience.NewCancelledError(nil)
)

// State is the dispatcher state
type State int

const (
	// StateIdle accepts a new send
	StateIdle State = iota
	// StateSending has a request in flight
	StateSending
	// StateCancelled has a cancelled request whose settlement is pending
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Resolver answers a query; fallback.Orchestrator implements it
type Resolver interface {
	Resolve(ctx context.Context, query string) (*message.Canonical, error)
}

// ThrottleState reports whether sends are currently blocked; session.Manager implements it
type ThrottleState interface {
	IsThrottled() bool
}

// Role identifies the author of a log entry
type Role string

const (
	// RoleUser is a submitted message
	RoleUser Role = "user"
	// RoleAssistant is a delivered answer
	RoleAssistant Role = "assistant"
)

// Entry is one message of the thread log
type Entry struct {
	ID        string             `json:"id"`
	Role      Role               `json:"role"`
	Text      string             `json:"text"`
	Message   *message.Canonical `json:"message,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Config configures a Dispatcher
type Config struct {
	DebounceWindow time.Duration
}

// Dispatcher serializes sends of one conversation thread
type Dispatcher struct {
	id       string
	resolver Resolver
	throttle ThrottleState
	window   time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	seq      uint64
	cancel   context.CancelFunc
	lastText string
	lastAt   time.Time
	log      []Entry
}

// New creates a dispatcher. throttle may be nil.
func New(cfg Config, resolver Resolver, throttle ThrottleState, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	id := uuid.NewString()
	return &Dispatcher{
		id:       id,
		resolver: resolver,
		throttle: throttle,
		window:   cfg.DebounceWindow,
		now:      time.Now,
		logger:   logger.With(zap.String("thread_id", id)),
	}
}

// ID returns the thread id
func (d *Dispatcher) ID() string {
	return d.id
}

// State returns the current state
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Log returns a copy of the thread log
func (d *Dispatcher) Log() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, len(d.log))
	for i, e := range d.log {
		e.Message = e.Message.Clone()
		out[i] = e
	}
	return out
}

// Send resolves text. It is rejected with ErrBusy while another send is in
// flight, ErrDuplicate for a repeat inside the debounce window and
// ErrThrottled while the session is throttled. A cancelled send returns
// ErrCancelled and delivers nothing.
func (d *Dispatcher) Send(ctx context.Context, text string) (*message.Canonical, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, resilience.NewBadRequestError("message text cannot be empty", nil)
	}

	sendCtx, seq, err := d.begin(ctx, text)
	if err != nil {
		d.logger.Debug("Send rejected", zap.Error(err))
		return nil, err
	}

	msg, err := d.resolver.Resolve(sendCtx, text)
	return d.settle(seq, msg, err)
}

func (d *Dispatcher) begin(ctx context.Context, text string) (context.Context, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateSending {
		return nil, 0, ErrBusy
	}
	if d.throttle != nil && d.throttle.IsThrottled() {
		return nil, 0, ErrThrottled
	}
	now := d.now()
	if text == d.lastText && now.Sub(d.lastAt) < d.window {
		return nil, 0, ErrDuplicate
	}

	d.lastText, d.lastAt = text, now
	sendCtx, cancel := context.WithCancel(ctx)
	d.seq++
	d.cancel = cancel
	d.state = StateSending
	d.log = append(d.log, Entry{ID: uuid.NewString(), Role: RoleUser, Text: text, CreatedAt: now})
	return sendCtx, d.seq, nil
}

func (d *Dispatcher) settle(seq uint64, msg *message.Canonical, err error) (*message.Canonical, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A newer send owns the state once this one was cancelled.
	if seq != d.seq {
		return nil, ErrCancelled
	}

	cancelled := d.state == StateCancelled
	d.cancel()
	d.cancel = nil
	d.state = StateIdle

	if cancelled || resilience.IsCancelled(err) {
		d.logger.Debug("Discarded cancelled send")
		return nil, ErrCancelled
	}
	if err != nil {
		return nil, err
	}

	d.log = append(d.log, Entry{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Text:      msg.Summary,
		Message:   msg.Clone(),
		CreatedAt: d.now(),
	})
	return msg, nil
}

// Cancel abandons the in-flight send. It reports whether there was one.
func (d *Dispatcher) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateSending {
		return false
	}
	d.state = StateCancelled
	d.cancel()
	d.logger.Debug("Send cancelled")
	return true
}
