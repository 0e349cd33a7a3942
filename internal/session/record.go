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

import "time"

// ThrottledRequestCount is the RequestCount sentinel for a throttled session
const ThrottledRequestCount = -1

// User is an authenticated identity
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Record is the current session of the process
type Record struct {
	SessionID       string     `json:"session_id"`
	UserID          *string    `json:"user_id"`
	IsAuthenticated bool       `json:"is_authenticated"`
	IsTemporary     bool       `json:"is_temporary"`
	IsBackendIssued bool       `json:"is_backend_issued"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at"`
	RequestCount    int        `json:"request_count"`
}

// Throttled reports whether the authority has throttled the session
func (r Record) Throttled() bool {
	return r.RequestCount == ThrottledRequestCount
}

// Expired reports whether a temporary record is past its lifetime.
// Backend-issued records use ExpiresAt; others expire maxAge after CreatedAt.
// Authenticated records never expire.
func (r Record) Expired(now time.Time, maxAge time.Duration) bool {
	if !r.IsTemporary {
		return false
	}
	if r.ExpiresAt != nil {
		return !now.Before(*r.ExpiresAt)
	}
	if maxAge <= 0 {
		return false
	}
	return now.Sub(r.CreatedAt) > maxAge
}

// clone deep-copies the pointer fields
func (r Record) clone() Record {
	if r.UserID != nil {
		id := *r.UserID
		r.UserID = &id
	}
	if r.ExpiresAt != nil {
		at := *r.ExpiresAt
		r.ExpiresAt = &at
	}
	return r
}

func authenticatedRecord(user User, now time.Time) Record {
	id := user.ID
	return Record{
		SessionID:       user.ID,
		UserID:          &id,
		IsAuthenticated: true,
		CreatedAt:       now,
	}
}

func localRecord(now time.Time) Record {
	return Record{
		SessionID:   GenerateLocalID(now),
		IsTemporary: true,
		CreatedAt:   now,
	}
}

func backendRecord(anon *AnonymousSession, now time.Time) Record {
	record := Record{
		SessionID:       anon.SessionID,
		IsTemporary:     true,
		IsBackendIssued: true,
		CreatedAt:       now,
	}
	if anon.ExpiresAt != nil {
		at := *anon.ExpiresAt
		record.ExpiresAt = &at
	}
	return record
}
