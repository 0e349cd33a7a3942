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

package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/your-org/wihy-client/internal/message"
)

const maxListedArticles = 3

func (s ProductShape) canonical() *message.Canonical {
	results := s.env.Results.get()
	meta := results.Metadata.get()

	summary := first(results.Summary, results.Details)
	if summary == "" {
		summary = productHeadline(meta)
	}

	msg := message.New(summary, "")
	msg.Recommendations = firstList(results.Recommendations, s.env.Recommendations)
	if len(msg.Recommendations) == 0 {
		if analysis := meta.NutritionAnalysis.get(); analysis != nil {
			msg.Recommendations = append(append([]string{}, analysis.HealthAlerts...), analysis.AreasOfConcern...)
		}
	}
	msg.Sources = firstList(results.Sources, s.env.Sources)
	msg.Confidence = results.ConfidenceScore.ptr()

	charts := compactObject(s.env.Charts)
	if charts == nil {
		charts = compactObject(results.Charts)
	}
	msg.ChartPayload = chartPayload(&message.ChartPayload{
		ProductName:    meta.ProductName.String(),
		HealthScore:    meta.HealthScore.ptr(),
		NutritionScore: meta.NutritionScore.ptr(),
		Grade:          meta.Grade.String(),
		NovaGroup:      meta.NovaGroup.intPtr(),
		NutritionFacts: meta.NutritionFacts,
		Charts:         charts,
	})
	return msg
}

func productHeadline(meta *productMetadata) string {
	name := first(meta.ProductName, meta.Brand)
	if name == "" {
		name = "Product analysis"
	}
	if meta.HealthScore.set {
		return fmt.Sprintf("%s - Health Score: %s/100", name, formatNumber(meta.HealthScore.val))
	}
	return name
}

func (s TaggedShape) canonical() *message.Canonical {
	extract, ok := taggedExtractors[s.Tag]
	if !ok {
		return nil
	}
	return extract(s.env)
}

func extractSearch(env *envelope) *message.Canonical {
	summary := first(env.Summary, env.Details, env.Message)
	if results := env.Results.get(); summary == "" && results != nil {
		summary = first(results.Summary, results.Details)
	}
	if summary == "" {
		summary = "Search results retrieved"
	}

	msg := message.New(withFindings(summary, env.KeyFindings), "")
	msg.Recommendations = env.Recommendations
	msg.Sources = env.Sources
	if results := env.Results.get(); results != nil {
		msg.Recommendations = firstList(msg.Recommendations, results.Recommendations)
		msg.Sources = firstList(msg.Sources, results.Sources)
	}
	msg.Confidence = env.Confidence.ptr()
	return msg
}

func extractAnalysis(env *envelope) *message.Canonical {
	analysis := env.Analysis.get()
	if analysis == nil {
		analysis = &analysisPayload{}
	}

	summary := first(analysis.Summary, env.Summary, env.Message)
	if summary == "" {
		summary = "Image analysis complete"
	}
	msg := message.New(summary, "")
	msg.Recommendations = firstList(analysis.Recommendations, env.Recommendations)
	msg.Sources = analysisSources(analysis, env.Sources)
	msg.Confidence = analysis.ConfidenceScore.ptr()

	charts := compactObject(env.Charts)
	if charts == nil {
		charts = compactObject(analysis.Charts)
	}
	msg.ChartPayload = chartPayload(&message.ChartPayload{
		HealthScore:    env.HealthScore.ptr(),
		NovaGroup:      env.NovaGroup.intPtr(),
		NutritionFacts: env.NutritionFacts,
		Charts:         charts,
	})
	return msg
}

func extractProductScan(env *envelope) *message.Canonical {
	info := env.ProductInfo.get()
	if info == nil {
		info = &productInfo{}
	}
	analysis := env.Analysis.get()
	if analysis == nil {
		analysis = &analysisPayload{}
	}

	summary := first(analysis.Summary, env.Summary, env.Message)
	if summary == "" {
		name := first(info.Name, info.Brand, info.Barcode)
		if name == "" {
			name = "Product"
		}
		summary = name + " analysis"
	}

	msg := message.New(summary, "")
	msg.Recommendations = firstList(analysis.Recommendations, env.Recommendations)
	msg.Sources = analysisSources(analysis, env.Sources)
	msg.Confidence = analysis.ConfidenceScore.ptr()

	charts := compactObject(env.Charts)
	if charts == nil {
		charts = compactObject(analysis.Charts)
	}
	msg.ChartPayload = chartPayload(&message.ChartPayload{
		ProductName:    info.Name.String(),
		HealthScore:    env.HealthScore.ptr(),
		NovaGroup:      env.NovaGroup.intPtr(),
		NutritionFacts: env.NutritionFacts,
		Charts:         charts,
	})
	return msg
}

func (s UniversalShape) canonical() *message.Canonical {
	env := s.env
	results := env.Results.get()

	var (
		summary  string
		findings []string
		recs     = append([]string{}, env.Recommendations...)
		sources  = append([]string{}, firstList(results.Sources, env.Sources)...)
	)

	switch env.DetectedType.String() {
	case "research":
		summary = fmt.Sprintf("Found %s research articles", formatNumber(results.TotalFound.val))
		if results.EvidenceLevel != "" {
			summary += fmt.Sprintf(" with %s evidence level", results.EvidenceLevel)
		}
		sources = append(sources, articleTitles(results.Articles.get(), true)...)
	case "news":
		summary = fmt.Sprintf("Found %s recent health news articles", formatNumber(results.TotalFound.val))
		sources = append(sources, articleTitles(results.NewsArticles.get(), false)...)
	case "health":
		if risk := results.RiskAssessment.get(); risk != nil {
			summary = "Health Risk Level: " + risk.OverallRiskLevel.String()
			findings = risk.RiskFactors
		}
		recs = append(recs, results.PreventionStrategies...)
	case "meal_education":
		if education := results.EducationSummary.get(); education != nil {
			summary = education.Topic.String()
			if summary == "" {
				summary = "Meal education information"
			}
			findings = education.KeyPoints
			recs = education.Recommendations
		}
	}

	if summary == "" {
		summary = first(results.Summary, results.Details)
	}
	if summary == "" {
		summary = "Search completed successfully"
	}

	msg := message.New(withFindings(summary, findings), "")
	msg.Recommendations = firstList(recs, results.Recommendations)
	msg.Sources = sources
	msg.Confidence = results.ConfidenceScore.ptr()
	if charts := compactObject(env.Charts); charts != nil {
		msg.ChartPayload = &message.ChartPayload{Charts: charts}
	}
	return msg
}

func articleTitles(articles *[]article, withCitation bool) []string {
	if articles == nil {
		return nil
	}
	var out []string
	for i, a := range *articles {
		if i == maxListedArticles {
			break
		}
		if a.Title == "" {
			continue
		}
		if !withCitation {
			out = append(out, a.Title.String())
			continue
		}
		var parts []string
		for _, p := range []text{a.Journal, a.PublicationYear} {
			if p != "" {
				parts = append(parts, p.String())
			}
		}
		if len(parts) == 0 {
			out = append(out, a.Title.String())
			continue
		}
		out = append(out, fmt.Sprintf("%s (%s)", a.Title, strings.Join(parts, ", ")))
	}
	return out
}

func (s LegacyShape) canonical() *message.Canonical {
	env := s.env
	data := env.Data.get()
	analysis := env.Analysis.get()
	wihy := env.WihyResponse.get()

	var summary string
	var recs, sources []string

	if data != nil {
		if ai := data.AIResponse.get(); ai != nil {
			summary = ai.Response.String()
		}
		if summary == "" {
			summary = embeddedText(data.Response)
		}
		recs = append(recs, data.Recommendations...)
		if insights := data.HealthInsights.get(); insights != nil {
			recs = append(recs, insights.Recommendations...)
		}
		recs = append(recs, data.LegacyRecommendations...)
		sources = append(sources, data.Sources...)
	}

	var confidence *float64
	if analysis != nil {
		if summary == "" {
			summary = analysis.Summary.String()
		}
		recs = append(recs, analysis.Recommendations...)
		sources = append(sources, analysisSources(analysis, nil)...)
		confidence = analysis.ConfidenceScore.ptr()
	}

	if wihy != nil {
		if summary == "" {
			summary = wihy.CorePrinciple.String()
		}
		if pa := wihy.PersonalizedAnalysis.get(); pa != nil && pa.ActionItems.get() != nil {
			for _, item := range *pa.ActionItems.get() {
				if item.Action == "" {
					continue
				}
				if item.Priority == "" {
					recs = append(recs, item.Action.String())
					continue
				}
				recs = append(recs, fmt.Sprintf("%s (%s priority)", item.Action, item.Priority))
			}
		}
		if research := wihy.ResearchFoundation.get(); research != nil {
			for _, r := range *research {
				switch {
				case r.CitationText != "" && r.KeyFinding != "":
					sources = append(sources, fmt.Sprintf("%s: %s", r.CitationText, r.KeyFinding))
				case r.CitationText != "":
					sources = append(sources, r.CitationText.String())
				}
			}
		}
	}

	if summary == "" {
		summary = env.Message.String()
	}

	msg := message.New(summary, "")
	msg.Recommendations = firstList(recs, env.Recommendations)
	msg.Sources = firstList(sources, env.Sources)
	msg.Confidence = confidence
	return msg
}

// embeddedText unwraps a data.response value that is itself a JSON document
func embeddedText(t text) string {
	s := t.String()
	if !strings.HasPrefix(s, "{") {
		return s
	}
	var reply embeddedReply
	if err := json.Unmarshal([]byte(s), &reply); err != nil {
		return s
	}
	if out := first(reply.CorePrinciple, reply.Message); out != "" {
		return out
	}
	return s
}

func (s ChatShape) canonical() *message.Canonical {
	msg := message.New(chatResponse(s.env), "")
	msg.Recommendations = s.env.Recommendations
	msg.Sources = s.env.Sources
	msg.Confidence = s.env.Confidence.ptr()
	return msg
}

func (s GuidanceShape) canonical() *message.Canonical {
	env := s.env
	parts := []string{env.Summary.String()}
	if env.Details != "" {
		parts = append(parts, env.Details.String())
	}
	if env.MedicalDisclaimer != "" {
		parts = append(parts, env.MedicalDisclaimer.String())
	}
	msg := message.New(strings.Join(parts, "\n\n"), "")
	msg.Recommendations = env.Recommendations
	msg.Sources = env.Sources
	return msg
}

func (s TextShape) canonical() *message.Canonical {
	return message.New(s.Text, "")
}

func (s UnknownShape) canonical() *message.Canonical {
	return message.New(string(s.Raw), "")
}

func analysisSources(analysis *analysisPayload, fallback []string) []string {
	var sources []string
	if meta := analysis.Metadata.get(); meta != nil {
		sources = append(sources, meta.Citations...)
	}
	if openai := analysis.OpenAIAnalysis.get(); openai != nil {
		sources = append(sources, openai.Sources...)
	}
	return firstList(sources, fallback)
}

// chartPayload drops a payload that carries no chart-relevant field
func chartPayload(p *message.ChartPayload) *message.ChartPayload {
	if p.HealthScore == nil && p.NutritionScore == nil && p.NovaGroup == nil &&
		p.Grade == "" && len(p.NutritionFacts) == 0 && len(p.Charts) == 0 {
		return nil
	}
	return p
}

func withFindings(summary string, findings []string) string {
	if len(findings) == 0 {
		return summary
	}
	var b strings.Builder
	b.WriteString(summary)
	for _, f := range findings {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		b.WriteString("\n• ")
		b.WriteString(f)
	}
	return b.String()
}

func first(values ...text) string {
	for _, v := range values {
		if v != "" {
			return v.String()
		}
	}
	return ""
}

func firstList(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return []string{}
}
