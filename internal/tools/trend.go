package tools

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

var competitorFeatures = []string{
	"Premium materials",
	"Extended warranty",
	"Fast shipping",
	"Eco-friendly",
	"Advanced features",
	"Budget-friendly",
	"Brand reputation",
}

// TrendSynthesizer simulates price, demand and competitor data over the analysis window
type TrendSynthesizer struct {
	now func() time.Time
}

func NewTrendSynthesizer() *TrendSynthesizer { return &TrendSynthesizer{now: time.Now} }

func (t *TrendSynthesizer) Name() string { return TrendToolName }

func (t *TrendSynthesizer) Execute(ctx context.Context, in Input) (state.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return state.StageResult{}, Transient(t.Name(), err)
	}
	if in.Discovery == nil {
		return state.StageResult{}, Permanent(t.Name(), fmt.Errorf("discovery output required"))
	}

	r := seededRand(t.Name(), in)
	params := in.Params.Normalize()
	days := params.TimePeriodDays
	now := t.now()

	category := params.Category
	if category == "" {
		category = "General"
	}

	out := &state.MarketTrends{
		Product:     in.ProductName,
		Category:    category,
		PeriodDays:  days,
		Price:       priceHistory(r, now, days),
		Demand:      demandAnalysis(r, days),
		Competitors: competitorLandscape(r, params.Category),
		Insights:    marketInsights(r, in.ProductName, params.Category),
		GeneratedAt: now,
	}
	return state.TrendResult(out), nil
}

func priceHistory(r *rand.Rand, now time.Time, days int) state.PriceTrends {
	base := 50 + r.Float64()*1450
	var (
		dates  []string
		prices []float64
	)
	for i := 0; i < days; i += 7 {
		variation := -0.1 + r.Float64()*0.25
		price := base * (1 + variation)
		prices = append(prices, round(price, 2))
		dates = append(dates, now.AddDate(0, 0, -(days-i)).Format("2006-01-02"))
		base = price
	}

	first, last := prices[0], prices[len(prices)-1]
	change := (last - first) / first * 100
	direction := "decreasing"
	if change > 0 {
		direction = "increasing"
	}

	lo, hi, sum := prices[0], prices[0], 0.0
	for _, p := range prices {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
		sum += p
	}

	return state.PriceTrends{
		CurrentPrice:  last,
		ChangePercent: round(change, 2),
		Direction:     direction,
		Dates:         dates,
		Prices:        prices,
		Volatility:    "medium",
		Min:           lo,
		Max:           hi,
		Average:       round(sum/float64(len(prices)), 2),
	}
}

func demandAnalysis(r *rand.Rand, days int) state.DemandAnalysis {
	base := float64(1000 + r.IntN(49001))
	var scores []int
	for i := 0; i < days; i += 7 {
		seasonal := 1 + 0.3*r.Float64()
		trend := 1 + (float64(i)/float64(days))*0.2
		scores = append(scores, int(base*seasonal*trend))
	}

	trend := "growing"
	if len(scores) > 1 && scores[len(scores)-1] < scores[0] {
		trend = "declining"
	}
	growth := "Moderate"
	if r.Float64() > 0.5 {
		growth = "High"
	}

	return state.DemandAnalysis{
		CurrentScore:       scores[len(scores)-1],
		Scores:             scores,
		Trend:              trend,
		SearchVolumeChange: fmt.Sprintf("+%d%%", 15+r.IntN(31)),
		PeakSeason:         "Q4 (Holiday Season)",
		LowSeason:          "Q1 (Post-Holiday)",
		Forecast30Days:     "High",
		ForecastQuarter:    "Moderate to High",
		ForecastConfidence: 78,
		Saturation:         45 + r.IntN(31),
		GrowthPotential:    growth,
	}
}

func competitorLandscape(r *rand.Rand, category string) state.CompetitorLandscape {
	labels := []string{"Premium", "Budget", "Mid-range"}
	competitors := make([]state.Competitor, 0, len(labels))
	for i, label := range labels {
		if category != "" {
			label = category
		}
		competitors = append(competitors, state.Competitor{
			Name:        fmt.Sprintf("Competitor %c (%s)", 'A'+i, label),
			MarketShare: 10 + r.IntN(26),
			PricePoint:  round(40+r.Float64()*1560, 2),
			Rating:      round(3.5+r.Float64()*1.3, 1),
			KeyFeatures: sample(r, competitorFeatures, 3),
		})
	}

	return state.CompetitorLandscape{
		Competitors:    competitors,
		MarketPosition: pick(r, "Leader", "Challenger", "Follower"),
		Advantages:     []string{"Superior quality", "Competitive pricing", "Strong brand recognition"},
		ShareEstimate:  15 + r.IntN(26),
		Pressure:       pick(r, "High", "Medium", "Low"),
	}
}

func marketInsights(r *rand.Rand, product, category string) state.MarketInsights {
	subject := category
	if subject == "" {
		subject = "products"
	}
	return state.MarketInsights{
		KeyTrends: []string{
			fmt.Sprintf("Increasing demand for sustainable %s", subject),
			"Shift towards premium quality offerings",
			"Growing importance of online reviews",
			"Price sensitivity due to economic conditions",
		},
		Opportunities: []string{
			"Expand into emerging markets",
			"Develop eco-friendly variants",
			"Enhance digital marketing presence",
			"Create bundle offers",
		},
		Risks: []string{
			"Supply chain disruptions",
			"New market entrants",
			"Changing consumer preferences",
			"Economic downturn impact",
		},
		Recommendations: []string{
			fmt.Sprintf("Focus on differentiating %s through unique features", product),
			"Invest in customer loyalty programs",
			"Monitor competitor pricing strategies closely",
			"Enhance product visibility on major platforms",
		},
		Maturity:        pick(r, "Growing", "Mature", "Emerging"),
		InnovationIndex: 60 + r.IntN(31),
	}
}

func pick(r *rand.Rand, options ...string) string {
	return options[r.IntN(len(options))]
}
