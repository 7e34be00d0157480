package state

import (
	"errors"
	"fmt"
	"time"
)

var ErrEmptyResult = errors.New("stage result carries no payload")

// StageResult is a tagged union of the per-stage payloads. Exactly one field is set.
type StageResult struct {
	Discovery *ProductDiscovery  `json:"discovery,omitempty"`
	Sentiment *SentimentAnalysis `json:"sentiment,omitempty"`
	Trend     *MarketTrends      `json:"trend,omitempty"`
	Report    *Report            `json:"report,omitempty"`
}

func DiscoveryResult(d *ProductDiscovery) StageResult  { return StageResult{Discovery: d} }
func SentimentResult(s *SentimentAnalysis) StageResult { return StageResult{Sentiment: s} }
func TrendResult(t *MarketTrends) StageResult          { return StageResult{Trend: t} }
func ReportResult(r *Report) StageResult               { return StageResult{Report: r} }

// Stage returns the stage whose payload is set
func (r StageResult) Stage() (StageName, error) {
	var (
		name  StageName
		count int
	)
	if r.Discovery != nil {
		name, count = StageDiscovery, count+1
	}
	if r.Sentiment != nil {
		name, count = StageSentiment, count+1
	}
	if r.Trend != nil {
		name, count = StageTrend, count+1
	}
	if r.Report != nil {
		name, count = StageReport, count+1
	}
	switch count {
	case 0:
		return "", ErrEmptyResult
	case 1:
		return name, nil
	default:
		return "", fmt.Errorf("stage result carries %d payloads, want 1", count)
	}
}

// ProductDiscovery is the output of the discovery stage
type ProductDiscovery struct {
	Products   []Product `json:"products"`
	Count      int       `json:"count"`
	Source     string    `json:"source"`
	SearchedAt time.Time `json:"searched_at"`
}

type Product struct {
	Title        string   `json:"title"`
	Price        string   `json:"price"`
	Description  string   `json:"description"`
	Features     []string `json:"features"`
	Availability string   `json:"availability"`
	Rating       string   `json:"rating,omitempty"`
	Images       []string `json:"images,omitempty"`
	SourceURL    string   `json:"source_url"`
}

// SentimentAnalysis is the output of the sentiment stage
type SentimentAnalysis struct {
	Product              string                `json:"product"`
	ReviewCount          int                   `json:"review_count"`
	AverageRating        float64               `json:"average_rating"`
	Distribution         SentimentDistribution `json:"sentiment_distribution"`
	SentimentScore       float64               `json:"sentiment_score"`
	TopPositive          []AspectCount         `json:"top_positive_aspects"`
	TopNegative          []AspectCount         `json:"top_negative_aspects"`
	RecommendationRate   float64               `json:"recommendation_rate"`
	VerifiedPurchaseRate float64               `json:"verified_purchase_rate"`
	Sample               []Review              `json:"reviews_sample"`
}

type SentimentDistribution struct {
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

type AspectCount struct {
	Aspect string `json:"aspect"`
	Count  int    `json:"count"`
}

type Review struct {
	Rating           int      `json:"rating"`
	Title            string   `json:"title"`
	Text             string   `json:"text"`
	Pros             []string `json:"pros"`
	Cons             []string `json:"cons"`
	VerifiedPurchase bool     `json:"verified_purchase"`
	HelpfulCount     int      `json:"helpful_count"`
}

// MarketTrends is the output of the trend stage
type MarketTrends struct {
	Product     string              `json:"product"`
	Category    string              `json:"category"`
	PeriodDays  int                 `json:"period_days"`
	Price       PriceTrends         `json:"price_trends"`
	Demand      DemandAnalysis      `json:"demand_analysis"`
	Competitors CompetitorLandscape `json:"competitor_landscape"`
	Insights    MarketInsights      `json:"market_insights"`
	GeneratedAt time.Time           `json:"generated_at"`
}

type PriceTrends struct {
	CurrentPrice  float64   `json:"current_price"`
	ChangePercent float64   `json:"price_change_percent"`
	Direction     string    `json:"price_trend"`
	Dates         []string  `json:"dates"`
	Prices        []float64 `json:"prices"`
	Volatility    string    `json:"price_volatility"`
	Min           float64   `json:"min_price"`
	Max           float64   `json:"max_price"`
	Average       float64   `json:"average_price"`
}

type DemandAnalysis struct {
	CurrentScore       int    `json:"current_demand_score"`
	Scores             []int  `json:"demand_scores"`
	Trend              string `json:"demand_trend"`
	SearchVolumeChange string `json:"search_volume_change"`
	PeakSeason         string `json:"peak_season"`
	LowSeason          string `json:"low_season"`
	Forecast30Days     string `json:"forecast_next_30_days"`
	ForecastQuarter    string `json:"forecast_next_quarter"`
	ForecastConfidence int    `json:"forecast_confidence"`
	Saturation         int    `json:"market_saturation"`
	GrowthPotential    string `json:"growth_potential"`
}

type CompetitorLandscape struct {
	Competitors    []Competitor `json:"main_competitors"`
	MarketPosition string       `json:"market_position"`
	Advantages     []string     `json:"competitive_advantages"`
	ShareEstimate  int          `json:"market_share_estimate"`
	Pressure       string       `json:"competitive_pressure"`
}

type Competitor struct {
	Name        string   `json:"name"`
	MarketShare int      `json:"market_share"`
	PricePoint  float64  `json:"price_point"`
	Rating      float64  `json:"rating"`
	KeyFeatures []string `json:"key_features"`
}

type MarketInsights struct {
	KeyTrends       []string `json:"key_trends"`
	Opportunities   []string `json:"opportunities"`
	Risks           []string `json:"risks"`
	Recommendations []string `json:"recommendations"`
	Maturity        string   `json:"market_maturity"`
	InnovationIndex int      `json:"innovation_index"`
}

// Report is the output of the report stage
type Report struct {
	Metadata         ReportMetadata `json:"metadata"`
	ExecutiveSummary string         `json:"executive_summary"`
	KeyFindings      []string       `json:"key_findings"`
	Recommendations  []string       `json:"recommendations"`
	Risk             RiskAssessment `json:"risk_assessment"`
	Visualizations   []ChartSpec    `json:"visualizations,omitempty"`
	Outlook          string         `json:"outlook"`
	Conclusion       string         `json:"conclusion"`
}

type ReportMetadata struct {
	ReportID    string      `json:"report_id"`
	Product     string      `json:"product"`
	Format      string      `json:"format"`
	Components  []StageName `json:"analysis_components"`
	Version     string      `json:"report_version"`
	GeneratedAt time.Time   `json:"generated_at"`
}

type RiskAssessment struct {
	Level   string   `json:"level"`
	Factors []string `json:"factors"`
}

// ChartSpec describes a chart for the client to render
type ChartSpec struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Title  string    `json:"title"`
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}
