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

import "encoding/json"

// envelope is the union of every top-level field the known upstream
// schemas use. Classification reads it once and picks a Shape.
type envelope struct {
	Success           opt[bool]       `json:"success"`
	Type              text            `json:"type"`
	DetectedType      text            `json:"detected_type"`
	Query             text            `json:"query"`
	Summary           text            `json:"summary"`
	Details           text            `json:"details"`
	MedicalDisclaimer text            `json:"medical_disclaimer"`
	Message           text            `json:"message"`
	Response          json.RawMessage `json:"response"`
	Confidence        number          `json:"confidence"`
	Recommendations   textList        `json:"recommendations"`
	Sources           textList        `json:"sources"`
	KeyFindings       textList        `json:"key_findings"`
	Charts            json.RawMessage `json:"charts"`

	Results      opt[resultsPayload]  `json:"results"`
	Analysis     opt[analysisPayload] `json:"analysis"`
	Data         opt[legacyData]      `json:"data"`
	WihyResponse opt[wihyPayload]     `json:"wihy_response"`

	ProductInfo    opt[productInfo] `json:"product_info"`
	HealthScore    number           `json:"health_score"`
	NovaGroup      number           `json:"nova_group"`
	NutritionFacts factMap          `json:"nutrition_facts"`
}

type resultsPayload struct {
	Summary              text                  `json:"summary"`
	Details              text                  `json:"details"`
	Recommendations      textList              `json:"recommendations"`
	Sources              textList              `json:"sources"`
	ConfidenceScore      number                `json:"confidence_score"`
	Charts               json.RawMessage       `json:"charts"`
	Metadata             opt[productMetadata]  `json:"metadata"`
	TotalFound           number                `json:"total_found"`
	EvidenceLevel        text                  `json:"evidence_level"`
	Articles             opt[[]article]        `json:"articles"`
	NewsArticles         opt[[]article]        `json:"news_articles"`
	RiskAssessment       opt[riskAssessment]   `json:"risk_assessment"`
	PreventionStrategies textList              `json:"prevention_strategies"`
	EducationSummary     opt[educationSummary] `json:"education_summary"`
}

type productMetadata struct {
	ProductName       text                   `json:"product_name"`
	Brand             text                   `json:"brand"`
	HealthScore       number                 `json:"health_score"`
	NutritionScore    number                 `json:"nutrition_score"`
	Grade             text                   `json:"grade"`
	GradeDescription  text                   `json:"grade_description"`
	ProcessingLevel   text                   `json:"processing_level"`
	NovaGroup         number                 `json:"nova_group"`
	NovaDescription   text                   `json:"nova_description"`
	NutritionFacts    factMap                `json:"nutrition_facts"`
	NutritionAnalysis opt[nutritionAnalysis] `json:"nutrition_analysis"`
}

type nutritionAnalysis struct {
	HealthAlerts    textList `json:"health_alerts"`
	AreasOfConcern  textList `json:"areas_of_concern"`
	PositiveAspects textList `json:"positive_aspects"`
}

type article struct {
	Title           text `json:"title"`
	Journal         text `json:"journal"`
	PublicationYear text `json:"publicationYear"`
}

type riskAssessment struct {
	OverallRiskLevel text     `json:"overallRiskLevel"`
	RiskFactors      textList `json:"riskFactors"`
}

type educationSummary struct {
	Topic           text     `json:"topic"`
	KeyPoints       textList `json:"key_points"`
	Recommendations textList `json:"recommendations"`
}

type analysisPayload struct {
	Summary         text                `json:"summary"`
	Recommendations textList            `json:"recommendations"`
	ConfidenceScore number              `json:"confidence_score"`
	Charts          json.RawMessage     `json:"charts"`
	Metadata        opt[analysisMeta]   `json:"metadata"`
	OpenAIAnalysis  opt[openAIAnalysis] `json:"openai_analysis"`
}

type analysisMeta struct {
	Citations textList `json:"citations"`
}

type openAIAnalysis struct {
	Sources textList `json:"sources"`
}

type legacyData struct {
	AIResponse            opt[aiResponse]     `json:"ai_response"`
	Response              text                `json:"response"`
	Recommendations       textList            `json:"recommendations"`
	HealthInsights        opt[healthInsights] `json:"health_insights"`
	LegacyRecommendations textList            `json:"legacy_recommendations"`
	Sources               textList            `json:"sources"`
}

type aiResponse struct {
	Response text `json:"response"`
}

type healthInsights struct {
	Recommendations textList `json:"recommendations"`
}

type wihyPayload struct {
	CorePrinciple        text                      `json:"core_principle"`
	PersonalizedAnalysis opt[personalizedAnalysis] `json:"personalized_analysis"`
	ResearchFoundation   opt[[]researchFoundation] `json:"research_foundation"`
}

type personalizedAnalysis struct {
	ActionItems opt[[]actionItem] `json:"action_items"`
}

type actionItem struct {
	Action   text `json:"action"`
	Priority text `json:"priority"`
}

type researchFoundation struct {
	CitationText text `json:"citation_text"`
	KeyFinding   text `json:"key_finding"`
}

type productInfo struct {
	Name    text `json:"name"`
	Brand   text `json:"brand"`
	Barcode text `json:"barcode"`
}

// embeddedReply is the JSON some legacy deployments put inside data.response
type embeddedReply struct {
	CorePrinciple text `json:"core_principle"`
	Message       text `json:"message"`
}
