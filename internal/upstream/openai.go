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

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/message"
	"github.com/your-org/wihy-client/internal/resilience"
)

const (
	// DefaultChatModel is used when no model is configured
	DefaultChatModel = openai.GPT4
	// GuidanceTemperature keeps answers factual
	GuidanceTemperature = 0.3
	// GuidanceMaxTokens bounds the completion length
	GuidanceMaxTokens = 800
	// MedicalDisclaimer is attached to every generated answer
	MedicalDisclaimer = "This information is for educational purposes only and not intended as medical advice."
)

var (
	numberedLine = regexp.MustCompile(`^\d+\.\s`)
	bulletPrefix = regexp.MustCompile(`^[•\-*]\s*`)
)

// Guidance is the JSON shape produced from a completion
type Guidance struct {
	Summary           string   `json:"summary"`
	Details           string   `json:"details"`
	Sources           []string `json:"sources"`
	Recommendations   []string `json:"recommendations"`
	MedicalDisclaimer string   `json:"medical_disclaimer"`
}

// OpenAIPrimary answers queries with a chat completion model
type OpenAIPrimary struct {
	correlation
	client       *openai.Client
	model        string
	timeout      time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger
}

// OpenAIConfig configures OpenAIPrimary
type OpenAIConfig struct {
	APIKey       string
	Endpoint     string
	Model        string
	Timeout      time.Duration
	ProbeTimeout time.Duration
}

// NewOpenAIPrimary creates the OpenAI-backed primary tier. The connection
// is not validated here; Probe runs before every request.
func NewOpenAIPrimary(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIPrimary, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultChatModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = resilience.DefaultRequestTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = resilience.DefaultProbeTimeout
	}

	logger.Info("OpenAI primary initialized", zap.String("model", cfg.Model))

	return &OpenAIPrimary{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		timeout:      cfg.Timeout,
		probeTimeout: cfg.ProbeTimeout,
		logger:       logger,
	}, nil
}

// Probe lists models under the probe timeout
func (o *OpenAIPrimary) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	if _, err := o.client.ListModels(probeCtx); err != nil {
		if ctx.Err() != nil {
			return resilience.NewCancelledError(ctx.Err())
		}
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return resilience.NewTimeoutError("connectivity probe timed out", err)
		}
		return fmt.Errorf("connectivity probe failed: %w", err)
	}
	return nil
}

// Fetch asks the model and returns the guidance as JSON
func (o *OpenAIPrimary) Fetch(ctx context.Context, query string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: BuildSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(query)},
		},
		MaxTokens:   GuidanceMaxTokens,
		Temperature: GuidanceTemperature,
	}
	if id := o.SessionID(); id != "" {
		req.User = id
	}

	o.logger.Debug("Creating chat completion",
		zap.String("model", o.model),
		zap.Int("max_tokens", req.MaxTokens),
		zap.Float64("temperature", float64(req.Temperature)))

	resp, err := o.client.CreateChatCompletion(reqCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, resilience.NewCancelledError(ctx.Err())
		}
		return nil, o.handleAPIError(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, resilience.NewTierFailureError(string(message.TierPrimary), "no choices returned from OpenAI", nil)
	}

	o.logger.Debug("Chat completion successful",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	data, err := json.Marshal(ParseGuidance(resp.Choices[0].Message.Content))
	if err != nil {
		return nil, resilience.NewInternalError("failed to encode guidance", err)
	}
	return data, nil
}

// handleAPIError maps OpenAI API errors into the tier taxonomy
func (o *OpenAIPrimary) handleAPIError(err error) error {
	tier := string(message.TierPrimary)

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	status := 0
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch status {
	case 0:
		return resilience.NewTierFailureError(tier, "OpenAI client error", err)
	case http.StatusTooManyRequests:
		return resilience.NewThrottledError("OpenAI rate limit reached", err).WithContext("tier", tier)
	case http.StatusUnauthorized:
		return resilience.NewTierFailureError(tier, "invalid API key or unauthorized access", err)
	default:
		return resilience.NewTierFailureError(tier, fmt.Sprintf("OpenAI API error (status %d)", status), err)
	}
}

// BuildSystemPrompt creates the system prompt for the assistant
func BuildSystemPrompt() string {
	return "You are a health and nutrition expert. Provide accurate, science-based information with references. Always respond with useful information even if the query is vague."
}

// BuildUserPrompt creates the user prompt for query
func BuildUserPrompt(query string) string {
	return fmt.Sprintf("Please provide health and nutrition information about: %s. "+
		"Include a brief summary, detailed information, sources, related topics, recommendations, and a medical disclaimer.", query)
}

// ParseGuidance splits completion text into summary, details, sources and
// recommendations. The first paragraph is the summary; numbered lines and
// lines naming a source or reference are sources; bullets following a
// "recommendation" heading are recommendations.
func ParseGuidance(content string) Guidance {
	content = strings.ReplaceAll(strings.TrimSpace(content), "\r\n", "\n")
	paragraphs := strings.Split(content, "\n\n")

	g := Guidance{
		Summary:           strings.TrimSpace(paragraphs[0]),
		Details:           content,
		Sources:           []string{},
		Recommendations:   []string{},
		MedicalDisclaimer: MedicalDisclaimer,
	}
	if g.Summary == "" {
		g.Summary = "Information about the requested topic"
	}
	if len(paragraphs) > 1 {
		g.Details = strings.TrimSpace(strings.Join(paragraphs[1:], "\n\n"))
	}

	inRecommendations := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if numberedLine.MatchString(trimmed) || strings.Contains(trimmed, "Source:") || strings.Contains(trimmed, "Reference:") {
			g.Sources = append(g.Sources, trimmed)
		}

		switch {
		case strings.Contains(strings.ToLower(trimmed), "recommendation") && strings.Contains(trimmed, ":"):
			inRecommendations = true
		case trimmed == "":
			inRecommendations = false
		case inRecommendations && bulletPrefix.MatchString(trimmed):
			if item := strings.TrimSpace(bulletPrefix.ReplaceAllString(trimmed, "")); item != "" {
				g.Recommendations = append(g.Recommendations, item)
			}
		}
	}
	return g
}
