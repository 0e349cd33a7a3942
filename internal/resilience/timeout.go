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

package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout bounds a full upstream tier request
	DefaultRequestTimeout = 30 * time.Second
	// DefaultProbeTimeout bounds a connectivity probe; it must stay well below DefaultRequestTimeout
	DefaultProbeTimeout = 2 * time.Second
)

// TimeoutFunc is a function that can be executed with a timeout
type TimeoutFunc func(ctx context.Context) error

// WithTimeout executes fn under a derived deadline.
// A deadline hit by the derived context becomes a TIMEOUT ServiceError, while
// cancellation of the parent context is reported as CANCELLED.
func WithTimeout(ctx context.Context, timeout time.Duration, logger *zap.Logger, fn TimeoutFunc) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return NewCancelledError(ctx.Err())
		}
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return NewTimeoutError("operation timed out", err)
		}
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return NewCancelledError(ctx.Err())
		}
		logger.Warn("Operation timed out", zap.Duration("timeout", timeout))
		return NewTimeoutError("operation timed out", timeoutCtx.Err())
	}
}
