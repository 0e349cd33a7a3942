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

// Package fallback resolves a query through the cache, the primary service
// and the legacy service, stopping at the first tier that answers.
package fallback

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/cache"
	"github.com/your-org/wihy-client/internal/health"
	"github.com/your-org/wihy-client/internal/message"
	"github.com/your-org/wihy-client/internal/normalize"
	"github.com/your-org/wihy-client/internal/resilience"
	"github.com/your-org/wihy-client/internal/upstream"
)

// Cache is the request cache consulted first and written after a network answer
type Cache interface {
	Get(ctx context.Context, query string) (*cache.Entry, error)
	Put(ctx context.Context, query string, msg *message.Canonical) error
}

// Config wires the tiers. Any tier may be nil and is then skipped.
type Config struct {
	Cache   Cache
	Primary upstream.Client
	// Probe runs before every primary request; a failure skips the primary tier
	Probe   health.Prober
	Breaker *resilience.CircuitBreaker
	Legacy  upstream.Client
}

// Orchestrator walks the tiers in order
type Orchestrator struct {
	cache   Cache
	primary upstream.Client
	probe   health.Prober
	breaker *resilience.CircuitBreaker
	legacy  upstream.Client
	logger  *zap.Logger
}

// New creates an orchestrator
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cache:   cfg.Cache,
		primary: cfg.Primary,
		probe:   cfg.Probe,
		breaker: cfg.Breaker,
		legacy:  cfg.Legacy,
		logger:  logger,
	}
}

// Resolve returns the first answer for query. It returns a CANCELLED error
// as soon as ctx is cancelled and a *ResolutionError when every tier failed.
func (o *Orchestrator) Resolve(ctx context.Context, query string) (*message.Canonical, error) {
	if strings.TrimSpace(query) == "" {
		return nil, resilience.NewBadRequestError("query cannot be empty", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, resilience.NewCancelledError(err)
	}

	start := time.Now()
	var failures []TierFailure

	if msg, ok := o.fromCache(ctx, query); ok {
		o.logResolved(query, msg, start)
		return msg, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, resilience.NewCancelledError(err)
	}

	if o.primary != nil {
		msg, err := o.fromPrimary(ctx, query)
		if err == nil {
			o.store(ctx, query, msg)
			o.logResolved(query, msg, start)
			return msg, nil
		}
		if isCancellation(ctx, err) {
			return nil, cancelled(ctx, err)
		}
		failures = append(failures, TierFailure{Tier: message.TierPrimary, Err: err})
		o.logger.Info("Primary tier failed, falling back",
			zap.String("query", query),
			zap.Error(err))
	}

	if o.legacy != nil {
		msg, err := o.fetch(ctx, o.legacy, query, message.TierLegacy)
		if err == nil {
			o.store(ctx, query, msg)
			o.logResolved(query, msg, start)
			return msg, nil
		}
		if isCancellation(ctx, err) {
			return nil, cancelled(ctx, err)
		}
		failures = append(failures, TierFailure{Tier: message.TierLegacy, Err: err})
	}

	resolutionErr := newResolutionError(failures)
	o.logger.Warn("All tiers failed",
		zap.String("query", query),
		zap.Int("tiers_tried", len(failures)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(resolutionErr))
	return nil, resolutionErr
}

func (o *Orchestrator) fromCache(ctx context.Context, query string) (*message.Canonical, bool) {
	if o.cache == nil {
		return nil, false
	}
	entry, err := o.cache.Get(ctx, query)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			o.logger.Warn("Cache lookup failed", zap.Error(err))
		}
		return nil, false
	}
	return entry.Payload.WithTier(message.TierCache), true
}

// fromPrimary applies the breaker and the connectivity probe before the request
func (o *Orchestrator) fromPrimary(ctx context.Context, query string) (*message.Canonical, error) {
	tier := string(message.TierPrimary)
	if !o.breaker.Allow() {
		return nil, resilience.NewTierFailureError(tier, "primary circuit open", nil)
	}

	if o.probe != nil {
		if err := o.probe.Probe(ctx); err != nil {
			o.breaker.Record(err)
			if isCancellation(ctx, err) {
				return nil, err
			}
			return nil, resilience.NewTierFailureError(tier, "primary unreachable", err)
		}
	}

	msg, err := o.fetch(ctx, o.primary, query, message.TierPrimary)
	o.breaker.Record(err)
	return msg, err
}

func (o *Orchestrator) fetch(ctx context.Context, client upstream.Client, query string, tier message.OriginTier) (*message.Canonical, error) {
	raw, err := client.Fetch(ctx, query)
	if err != nil {
		return nil, err
	}
	// A late answer to a cancelled request is discarded.
	if err := ctx.Err(); err != nil {
		return nil, resilience.NewCancelledError(err)
	}
	return normalize.Normalize(raw, tier), nil
}

// store caches msg unless it carries nothing to show
func (o *Orchestrator) store(ctx context.Context, query string, msg *message.Canonical) {
	if o.cache == nil {
		return
	}
	if isEmpty(msg) {
		o.logger.Debug("Skipping cache for empty answer",
			zap.String("origin_tier", string(msg.OriginTier)))
		return
	}
	if err := o.cache.Put(ctx, query, msg); err != nil {
		o.logger.Warn("Failed to cache result",
			zap.String("origin_tier", string(msg.OriginTier)),
			zap.Error(err))
	}
}

func (o *Orchestrator) logResolved(query string, msg *message.Canonical, start time.Time) {
	o.logger.Info("Query resolved",
		zap.String("query", query),
		zap.String("origin_tier", string(msg.OriginTier)),
		zap.Duration("duration", time.Since(start)))
}

func isEmpty(msg *message.Canonical) bool {
	return strings.TrimSpace(msg.Summary) == "" && len(msg.Recommendations) == 0 && len(msg.Sources) == 0
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || resilience.IsCancelled(err)
}

func cancelled(ctx context.Context, err error) error {
	if resilience.IsCancelled(err) {
		return err
	}
	return resilience.NewCancelledError(ctx.Err())
}
