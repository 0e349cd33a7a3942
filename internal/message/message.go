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

// Package message defines the canonical message every upstream response is
// normalized into. UI collaborators only ever see this shape.
package message

import "encoding/json"

// OriginTier names the fallback tier that produced a message
type OriginTier string

const (
	// TierCache means the message came from the request cache
	TierCache OriginTier = "cache"
	// TierPrimary means the AI-enhanced service answered
	TierPrimary OriginTier = "primary"
	// TierLegacy means the legacy service answered
	TierLegacy OriginTier = "legacy"
)

// Valid reports whether t is one of the known tiers
func (t OriginTier) Valid() bool {
	switch t {
	case TierCache, TierPrimary, TierLegacy:
		return true
	default:
		return false
	}
}

// ChartPayload carries chart-relevant product data
type ChartPayload struct {
	ProductName    string             `json:"product_name,omitempty"`
	HealthScore    *float64           `json:"health_score,omitempty"`
	NutritionScore *float64           `json:"nutrition_score,omitempty"`
	Grade          string             `json:"grade,omitempty"`
	NovaGroup      *int               `json:"nova_group,omitempty"`
	NutritionFacts map[string]float64 `json:"nutrition_facts,omitempty"`
	// Charts holds upstream-rendered chart specs, passed through untouched
	Charts json.RawMessage `json:"charts,omitempty"`
}

// Canonical is the single internal message representation
type Canonical struct {
	Summary         string        `json:"summary"`
	Recommendations []string      `json:"recommendations"`
	Sources         []string      `json:"sources"`
	ChartPayload    *ChartPayload `json:"chart_payload"`
	OriginTier      OriginTier    `json:"origin_tier"`
	Confidence      *float64      `json:"confidence"`
}

// New returns a text-only message with empty, non-nil lists
func New(summary string, tier OriginTier) *Canonical {
	return &Canonical{
		Summary:         summary,
		Recommendations: []string{},
		Sources:         []string{},
		OriginTier:      tier,
	}
}

// Clone returns a deep copy of m
func (m *Canonical) Clone() *Canonical {
	if m == nil {
		return nil
	}
	out := *m
	out.Recommendations = append([]string{}, m.Recommendations...)
	out.Sources = append([]string{}, m.Sources...)
	if m.Confidence != nil {
		c := *m.Confidence
		out.Confidence = &c
	}
	if m.ChartPayload != nil {
		chart := *m.ChartPayload
		if m.ChartPayload.NutritionFacts != nil {
			chart.NutritionFacts = make(map[string]float64, len(m.ChartPayload.NutritionFacts))
			for k, v := range m.ChartPayload.NutritionFacts {
				chart.NutritionFacts[k] = v
			}
		}
		if m.ChartPayload.Charts != nil {
			chart.Charts = append(json.RawMessage(nil), m.ChartPayload.Charts...)
		}
		out.ChartPayload = &chart
	}
	return &out
}

// WithTier returns a copy of m tagged with tier
func (m *Canonical) WithTier(tier OriginTier) *Canonical {
	out := m.Clone()
	out.OriginTier = tier
	return out
}
