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

package fallback

import (
	"fmt"

	"github.com/your-org/wihy-client/internal/message"
	"github.com/your-org/wihy-client/internal/resilience"
)

// TierFailure records why one tier did not answer
type TierFailure struct {
	Tier message.OriginTier
	Err  error
}

// ResolutionError is returned when every tier failed
type ResolutionError struct {
	// Message is the last tier's error text
	Message  string
	Failures []TierFailure
	cause    *resilience.ServiceError
}

func newResolutionError(failures []TierFailure) *ResolutionError {
	msg := "no tier configured"
	var last error
	if n := len(failures); n > 0 {
		last = failures[n-1].Err
		msg = last.Error()
	}
	return &ResolutionError{
		Message:  msg,
		Failures: failures,
		cause:    resilience.NewResolutionExhaustedError(msg, last),
	}
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("all tiers failed: %s", e.Message)
}

// Unwrap exposes the RESOLUTION_EXHAUSTED service error
func (e *ResolutionError) Unwrap() error {
	return e.cause
}

// Throttled reports whether any tier refused the request as throttled
func (e *ResolutionError) Throttled() bool {
	for _, f := range e.Failures {
		if resilience.IsCode(f.Err, resilience.ErrorCodeThrottled) {
			return true
		}
	}
	return false
}
