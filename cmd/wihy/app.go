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

package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/auth"
	"github.com/your-org/wihy-client/internal/cache"
	"github.com/your-org/wihy-client/internal/config"
	"github.com/your-org/wihy-client/internal/dispatch"
	"github.com/your-org/wihy-client/internal/fallback"
	"github.com/your-org/wihy-client/internal/health"
	"github.com/your-org/wihy-client/internal/kvstore"
	"github.com/your-org/wihy-client/internal/resilience"
	"github.com/your-org/wihy-client/internal/session"
	"github.com/your-org/wihy-client/internal/upstream"
)

const (
	serviceName    = "wihy-client"
	serviceVersion = "1.0.0"
)

// primaryTier is what both primary providers offer
type primaryTier interface {
	upstream.Client
	health.Prober
	session.SessionAware
}

// app is the wired component graph shared by every command
type app struct {
	config   *config.Config
	logger   *zap.Logger
	store    kvstore.Store
	auth     *auth.TokenState
	sessions *session.Manager
	resolver *fallback.Orchestrator
	threads  *dispatch.Registry
	health   *health.Manager
}

// newApp wires the components described by cfg. Nothing touches the
// network until the session manager is initialized.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := kvstore.Open(kvstore.Config{
		Type:   kvstore.StorageType(cfg.Storage.Type),
		DBPath: cfg.Storage.DBPath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	primary, err := newPrimary(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	legacy := upstream.NewLegacy(cfg.Legacy.URL, cfg.Legacy.Timeout, logger)

	tokens := auth.NewTokenState(store, cfg.Auth.TokenSecret, logger)
	authority := session.NewAuthorityClient(cfg.Authority.URL, cfg.Authority.Timeout, logger)
	sessions := session.NewManager(session.Config{
		StorageKey:         cfg.Session.StorageKey,
		ValidationInterval: cfg.Session.ValidationInterval,
		MaxAge:             cfg.Session.MaxAge,
		FailClosed:         cfg.Session.FailClosed,
	}, authority, tokens, store, logger, primary, legacy)

	breakerConfig := resilience.DefaultCircuitBreakerConfig("primary")
	breakerConfig.MaxFailures = cfg.Primary.Breaker.MaxFailures
	breakerConfig.ResetTimeout = cfg.Primary.Breaker.ResetTimeout

	resolver := fallback.New(fallback.Config{
		Cache:   cache.New(store, logger),
		Primary: primary,
		Probe:   primary,
		Breaker: resilience.NewCircuitBreaker(breakerConfig, logger),
		Legacy:  legacy,
	}, logger)

	threads := dispatch.NewRegistry(dispatch.Config{DebounceWindow: cfg.Dispatch.DebounceWindow}, resolver, sessions, logger)

	healthManager := health.NewManager(serviceName, serviceVersion, logger)
	healthManager.AddChecker("storage", health.StoreChecker(store), true)
	healthManager.AddChecker("authority", health.ProbeChecker("authority", health.NewHTTPProbe(cfg.Authority.URL, cfg.Primary.ProbeTimeout)), false)
	healthManager.AddChecker("primary", health.ProbeChecker("primary", primary), false)
	healthManager.AddChecker("legacy", health.ProbeChecker("legacy", health.NewHTTPProbe(cfg.Legacy.URL, cfg.Primary.ProbeTimeout)), false)

	return &app{
		config:   cfg,
		logger:   logger,
		store:    store,
		auth:     tokens,
		sessions: sessions,
		resolver: resolver,
		threads:  threads,
		health:   healthManager,
	}, nil
}

func newPrimary(cfg *config.Config, logger *zap.Logger) (primaryTier, error) {
	switch cfg.Primary.Provider {
	case config.ProviderOpenAI:
		primary, err := upstream.NewOpenAIPrimary(upstream.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			Endpoint:     cfg.OpenAI.Endpoint,
			Model:        cfg.OpenAI.Model,
			Timeout:      cfg.Primary.Timeout,
			ProbeTimeout: cfg.Primary.ProbeTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai primary: %w", err)
		}
		return primary, nil
	case config.ProviderUniversal, "":
		return upstream.NewUniversalPrimary(cfg.Primary.URL, cfg.Primary.Timeout, cfg.Primary.ProbeTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unsupported primary provider: %s", cfg.Primary.Provider)
	}
}

// Close stops the session manager and releases storage
func (a *app) Close() error {
	return errors.Join(a.sessions.Close(), a.store.Close())
}
