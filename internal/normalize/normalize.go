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

// Package normalize maps every known upstream response schema onto
// message.Canonical.
//
// Classify decodes a raw body once and returns one variant of the closed
// Shape set. Detection order is fixed: product payload, tagged payload,
// universal search, legacy WiHy envelope, chat answer, AI guidance, plain
// text, and finally Unknown, which renders the body as compact JSON.
// Normalize never fails.
package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/your-org/wihy-client/internal/message"
)

// Kind identifies a Shape variant
type Kind int

const (
	// KindProduct is a successful search carrying product metadata
	KindProduct Kind = iota
	// KindTagged is a body whose "type" tag selects the extractor
	KindTagged
	// KindUniversal is a successful universal search result
	KindUniversal
	// KindLegacy is a legacy service answer
	KindLegacy
	// KindChat is a plain chat response
	KindChat
	// KindGuidance is a summary with details or a medical disclaimer
	KindGuidance
	// KindText is non-JSON or a bare JSON string
	KindText
	// KindUnknown is anything no other predicate matched
	KindUnknown
)

// String returns the variant name used in logs
func (k Kind) String() string {
	switch k {
	case KindProduct:
		return "product"
	case KindTagged:
		return "tagged"
	case KindUniversal:
		return "universal"
	case KindLegacy:
		return "legacy"
	case KindChat:
		return "chat"
	case KindGuidance:
		return "guidance"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Shape is one recognized upstream schema. The set of implementations is
// closed to this package.
type Shape interface {
	Kind() Kind
	canonical() *message.Canonical
}

// ProductShape is a successful search carrying product metadata
type ProductShape struct{ env *envelope }

// TaggedShape carries a known "type" tag
type TaggedShape struct {
	Tag string
	env *envelope
}

// UniversalShape is a successful universal search without product metadata
type UniversalShape struct{ env *envelope }

// LegacyShape is any of the WiHy legacy envelopes
type LegacyShape struct{ env *envelope }

// ChatShape is a chat service answer with a "response" string
type ChatShape struct{ env *envelope }

// GuidanceShape is the structured AI guidance answer
type GuidanceShape struct{ env *envelope }

// TextShape is a plain string body, JSON-encoded or not
type TextShape struct{ Text string }

// UnknownShape is everything else
type UnknownShape struct{ Raw []byte }

func (ProductShape) Kind() Kind   { return KindProduct }
func (TaggedShape) Kind() Kind    { return KindTagged }
func (UniversalShape) Kind() Kind { return KindUniversal }
func (LegacyShape) Kind() Kind    { return KindLegacy }
func (ChatShape) Kind() Kind      { return KindChat }
func (GuidanceShape) Kind() Kind  { return KindGuidance }
func (TextShape) Kind() Kind      { return KindText }
func (UnknownShape) Kind() Kind   { return KindUnknown }

// Known values of the "type" tag
const (
	TagCachedSearch    = "cached_search"
	TagLegacySearch    = "legacy_search"
	TagUniversalSearch = "universal_search"
	TagImageAnalysis   = "image_analysis"
	TagVisionAnalysis  = "vision_analysis"
	TagBarcodeAnalysis = "barcode_analysis"
	TagBarcodeScan     = "barcode_scan"
	TagProductSearch   = "product_search"
)

type extractor func(*envelope) *message.Canonical

var taggedExtractors = map[string]extractor{
	TagCachedSearch:    extractSearch,
	TagLegacySearch:    extractSearch,
	TagUniversalSearch: extractSearch,
	TagImageAnalysis:   extractAnalysis,
	TagVisionAnalysis:  extractAnalysis,
	TagBarcodeAnalysis: extractProductScan,
	TagBarcodeScan:     extractProductScan,
	TagProductSearch:   extractProductScan,
}

// IsKnownTag reports whether tag selects a tagged extractor
func IsKnownTag(tag string) bool {
	_, ok := taggedExtractors[tag]
	return ok
}

// Classify picks the first Shape whose predicate matches raw
func Classify(raw []byte) Shape {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return UnknownShape{}
	}

	if !json.Valid(trimmed) {
		return TextShape{Text: sanitize(string(trimmed))}
	}

	switch trimmed[0] {
	case '"':
		var s string
		_ = json.Unmarshal(trimmed, &s)
		return TextShape{Text: strings.TrimSpace(s)}
	case '{':
	default:
		return UnknownShape{Raw: trimmed}
	}

	env := &envelope{}
	if err := json.Unmarshal(trimmed, env); err != nil {
		return UnknownShape{Raw: trimmed}
	}

	success := env.Success.get() != nil && *env.Success.get()
	results := env.Results.get()

	switch {
	case success && results != nil && results.Metadata.get() != nil:
		return ProductShape{env: env}
	case IsKnownTag(env.Type.String()):
		return TaggedShape{Tag: env.Type.String(), env: env}
	case success && results != nil:
		return UniversalShape{env: env}
	case isLegacy(env):
		return LegacyShape{env: env}
	case chatResponse(env) != "":
		return ChatShape{env: env}
	case env.Summary != "" && (env.Details != "" || env.MedicalDisclaimer != ""):
		return GuidanceShape{env: env}
	default:
		return UnknownShape{Raw: trimmed}
	}
}

// Normalize maps raw onto a canonical message tagged with tier
func Normalize(raw []byte, tier message.OriginTier) *message.Canonical {
	return Shaped(Classify(raw), tier)
}

// Shaped converts an already classified shape
func Shaped(shape Shape, tier message.OriginTier) *message.Canonical {
	if shape == nil {
		shape = UnknownShape{}
	}
	msg := shape.canonical()
	if msg == nil {
		msg = message.New("", tier)
	}
	msg.OriginTier = tier
	msg.Recommendations = dedupe(msg.Recommendations)
	msg.Sources = dedupe(msg.Sources)
	return msg
}

// Text wraps a plain string
func Text(s string, tier message.OriginTier) *message.Canonical {
	return Shaped(TextShape{Text: strings.TrimSpace(s)}, tier)
}

func isLegacy(env *envelope) bool {
	if data := env.Data.get(); data != nil {
		if ai := data.AIResponse.get(); ai != nil && ai.Response != "" {
			return true
		}
		if data.Response != "" {
			return true
		}
	}
	if analysis := env.Analysis.get(); analysis != nil && analysis.Summary != "" {
		return true
	}
	return env.WihyResponse.get() != nil
}

func chatResponse(env *envelope) string {
	if len(env.Response) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(env.Response, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func sanitize(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

func dedupe(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
