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

// Package auth remembers the signed-in identity between runs. The identity
// is either a bearer token issued by the auth service or a bare user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/kvstore"
	"github.com/your-org/wihy-client/internal/session"
)

// DefaultStorageKey is where the auth state is persisted
const DefaultStorageKey = "wihy_auth"

var (
	// ErrNoSubject is returned for tokens without a "sub" claim
	ErrNoSubject = errors.New("auth: token has no subject")
	// ErrExpired is returned for tokens past their "exp" claim
	ErrExpired = errors.New("auth: token expired")
)

// state is the persisted form
type state struct {
	Token string        `json:"token,omitempty"`
	User  *session.User `json:"user,omitempty"`
}

// TokenState stores the auth state in a kvstore.Store and implements session.AuthState
type TokenState struct {
	store  kvstore.Store
	key    string
	secret []byte
	now    func() time.Time
	logger *zap.Logger
}

// NewTokenState creates a token state. With a non-empty secret, tokens must
// carry a valid HMAC signature; without one the claims are read unverified
// and the auth service remains the source of truth.
func NewTokenState(store kvstore.Store, secret string, logger *zap.Logger) *TokenState {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenState{
		store:  store,
		key:    DefaultStorageKey,
		secret: []byte(secret),
		now:    time.Now,
		logger: logger,
	}
}

// SignInWithToken validates token, remembers it and returns its user
func (s *TokenState) SignInWithToken(ctx context.Context, token string) (*session.User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	user, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if err := kvstore.SetJSON(ctx, s.store, s.key, state{Token: token}); err != nil {
		return nil, fmt.Errorf("failed to store auth token: %w", err)
	}
	s.logger.Info("Remembered auth token", zap.String("user_id", user.ID))
	return user, nil
}

// SignInAsUser remembers a bare user identity
func (s *TokenState) SignInAsUser(ctx context.Context, user session.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return ErrNoSubject
	}
	if err := kvstore.SetJSON(ctx, s.store, s.key, state{User: &user}); err != nil {
		return fmt.Errorf("failed to store auth user: %w", err)
	}
	s.logger.Info("Remembered auth user", zap.String("user_id", user.ID))
	return nil
}

// SignOut forgets the auth state
func (s *TokenState) SignOut(ctx context.Context) error {
	return s.store.Delete(ctx, s.key)
}

// Token returns the remembered bearer token, if any
func (s *TokenState) Token(ctx context.Context) (string, error) {
	var st state
	if err := kvstore.GetJSON(ctx, s.store, s.key, &st); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return st.Token, nil
}

// CurrentUser returns the remembered user. An expired token is forgotten.
func (s *TokenState) CurrentUser(ctx context.Context) (*session.User, error) {
	var st state
	if err := kvstore.GetJSON(ctx, s.store, s.key, &st); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if st.Token == "" {
		if st.User == nil || st.User.ID == "" {
			return nil, nil
		}
		user := *st.User
		return &user, nil
	}

	user, err := s.parse(st.Token)
	if errors.Is(err, ErrExpired) {
		s.logger.Info("Remembered auth token expired")
		if delErr := s.store.Delete(ctx, s.key); delErr != nil {
			s.logger.Warn("Failed to forget expired token", zap.Error(delErr))
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *TokenState) parse(tokenString string) (*session.User, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}

	claims := jwt.MapClaims{}
	if len(s.secret) > 0 {
		parser := jwt.NewParser(jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		})
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		if err != nil {
			return nil, fmt.Errorf("parsing token: %w", err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
			return nil, fmt.Errorf("parsing token: %w", err)
		}
		exp, err := claims.GetExpirationTime()
		if err != nil {
			return nil, fmt.Errorf("parsing token: %w", err)
		}
		if exp != nil && !s.now().Before(exp.Time) {
			return nil, ErrExpired
		}
	}

	subject, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if subject == "" {
		return nil, ErrNoSubject
	}

	user := &session.User{ID: subject}
	user.Email, _ = claims["email"].(string)
	user.Name, _ = claims["name"].(string)
	return user, nil
}
