package tools

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

// ReportCompiler assembles the final report from the prior stage outputs
type ReportCompiler struct {
	now func() time.Time
}

func NewReportCompiler() *ReportCompiler { return &ReportCompiler{now: time.Now} }

func (c *ReportCompiler) Name() string { return ReportToolName }

func (c *ReportCompiler) Execute(ctx context.Context, in Input) (state.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return state.StageResult{}, Transient(c.Name(), err)
	}
	report, err := c.Compile(in)
	if err != nil {
		return state.StageResult{}, Permanent(c.Name(), err)
	}
	return state.ReportResult(report), nil
}

// Compile builds the report without any external calls
func (c *ReportCompiler) Compile(in Input) (*state.Report, error) {
	if in.Discovery == nil || in.Sentiment == nil || in.Trend == nil {
		return nil, fmt.Errorf("report requires discovery, sentiment and trend outputs")
	}
	now := c.now()
	params := in.Params.Normalize()

	report := &state.Report{
		Metadata: state.ReportMetadata{
			ReportID:    "MKT-" + now.Format("20060102-150405"),
			Product:     in.ProductName,
			Format:      params.ReportFormat,
			Components:  []state.StageName{state.StageDiscovery, state.StageSentiment, state.StageTrend},
			Version:     "1.0",
			GeneratedAt: now,
		},
		ExecutiveSummary: executiveSummary(in),
		KeyFindings:      keyFindings(in),
		Recommendations:  recommendations(in),
		Risk:             assessRisk(in),
	}
	if params.Visualizations() {
		report.Visualizations = charts(in)
	}
	report.Outlook, report.Conclusion = conclusion(in)
	return report, nil
}

func executiveSummary(in Input) string {
	var points []string
	if len(in.Discovery.Products) > 0 {
		p := in.Discovery.Products[0]
		points = append(points, fmt.Sprintf("Product: %s - Price: %s", p.Title, p.Price))
	}
	points = append(points, fmt.Sprintf("Customer Sentiment: %.2f/5.0 rating with %.1f%% recommendation rate",
		in.Sentiment.AverageRating, in.Sentiment.RecommendationRate))

	change := in.Trend.Price.ChangePercent
	direction := "decreasing"
	if change > 0 {
		direction = "increasing"
	}
	points = append(points, fmt.Sprintf("Market Trend: Prices %s by %.2f%%", direction, math.Abs(change)))
	return strings.Join(points, " | ")
}

func keyFindings(in Input) []string {
	var findings []string
	if len(in.Sentiment.TopPositive) > 0 {
		findings = append(findings, "Top customer praise: "+in.Sentiment.TopPositive[0].Aspect)
	}
	if len(in.Sentiment.TopNegative) > 0 {
		findings = append(findings, "Main customer concern: "+in.Sentiment.TopNegative[0].Aspect)
	}
	findings = append(findings,
		"Demand trend: "+in.Trend.Demand.Trend,
		"Growth potential: "+in.Trend.Demand.GrowthPotential,
		"Market position: "+in.Trend.Competitors.MarketPosition,
		"Competitive pressure: "+in.Trend.Competitors.Pressure,
	)
	return findings
}

func recommendations(in Input) []string {
	var recs []string
	if in.Sentiment.AverageRating < 4 {
		recs = append(recs, "Focus on improving product quality based on customer feedback")
	}
	if in.Sentiment.SentimentScore < 50 {
		recs = append(recs, "Address negative customer concerns to improve satisfaction")
	}
	recs = append(recs, firstN(in.Trend.Insights.Recommendations, 2)...)
	if len(recs) == 0 {
		recs = []string{
			"Maintain competitive pricing strategy",
			"Enhance product features based on customer feedback",
			"Expand marketing efforts to capture growing demand",
			"Monitor competitor activities closely",
		}
	}
	return recs
}

func assessRisk(in Input) state.RiskAssessment {
	risk := state.RiskAssessment{Level: "Medium"}
	if in.Sentiment.AverageRating < 3.5 {
		risk.Level = "High"
		risk.Factors = append(risk.Factors, "Low customer satisfaction")
	}
	risk.Factors = append(risk.Factors, firstN(in.Trend.Insights.Risks, 2)...)
	if len(risk.Factors) == 0 {
		risk.Factors = []string{"Market volatility", "Competitive pressure", "Supply chain uncertainties"}
	}
	return risk
}

func charts(in Input) []state.ChartSpec {
	var specs []state.ChartSpec
	if len(in.Trend.Price.Prices) > 0 {
		specs = append(specs, state.ChartSpec{
			ID:     "price_trend_chart",
			Kind:   "line",
			Title:  "Price Trend Analysis",
			Labels: append([]string(nil), in.Trend.Price.Dates...),
			Values: append([]float64(nil), in.Trend.Price.Prices...),
		})
	}
	d := in.Sentiment.Distribution
	specs = append(specs, state.ChartSpec{
		ID:     "sentiment_chart",
		Kind:   "bar",
		Title:  "Customer Sentiment Distribution",
		Labels: []string{"positive", "neutral", "negative"},
		Values: []float64{float64(d.Positive), float64(d.Neutral), float64(d.Negative)},
	})
	if len(in.Trend.Competitors.Competitors) > 0 {
		share := state.ChartSpec{ID: "market_share_chart", Kind: "pie", Title: "Market Share Distribution"}
		for _, c := range in.Trend.Competitors.Competitors {
			share.Labels = append(share.Labels, c.Name)
			share.Values = append(share.Values, float64(c.MarketShare))
		}
		specs = append(specs, share)
	}
	return specs
}

func conclusion(in Input) (string, string) {
	positive, total := 0, 2
	if in.Sentiment.AverageRating >= 4 {
		positive++
	}
	if in.Trend.Demand.Trend == "growing" {
		positive++
	}
	outlook := "cautiously optimistic"
	if float64(positive) > float64(total)/2 {
		outlook = "positive"
	}
	return outlook, strings.Join([]string{
		fmt.Sprintf("Based on comprehensive analysis, the market outlook is %s.", outlook),
		"The product shows strong potential with opportunities for growth.",
		"Strategic implementation of recommendations will be crucial for success.",
	}, " ")
}

func firstN(items []string, n int) []string {
	if len(items) < n {
		n = len(items)
	}
	return append([]string(nil), items[:n]...)
}
