package tools

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"net/url"
	"time"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

const (
	DiscoveryToolName = "product_discovery"
	SentimentToolName = "sentiment_analyzer"
	TrendToolName     = "market_trend_analyzer"
	ReportToolName    = "report_generator"
)

var (
	retailers = []struct{ name, host string }{
		{"Official Store", "store.example.com"},
		{"Amazon", "www.amazon.com"},
		{"Best Buy", "www.bestbuy.com"},
		{"Walmart", "www.walmart.com"},
	}
	productFeatures = []string{
		"Premium build quality",
		"Long battery life",
		"Fast charging",
		"Water resistant",
		"1-year warranty",
		"Wireless connectivity",
		"Lightweight design",
		"Energy efficient",
	}
	availability = []string{"In Stock", "In Stock", "Limited Stock", "Pre-order"}
)

// SyntheticDiscovery fabricates product listings without network access.
// Output is deterministic for a given normalized input.
type SyntheticDiscovery struct {
	now func() time.Time
}

func NewSyntheticDiscovery() *SyntheticDiscovery {
	return &SyntheticDiscovery{now: time.Now}
}

func (d *SyntheticDiscovery) Name() string { return DiscoveryToolName }

func (d *SyntheticDiscovery) Execute(ctx context.Context, in Input) (state.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return state.StageResult{}, Transient(d.Name(), err)
	}
	if in.ProductName == "" {
		return state.StageResult{}, Permanent(d.Name(), fmt.Errorf("product name is required"))
	}

	r := seededRand(d.Name(), in)
	params := in.Params.Normalize()
	base := 50 + r.Float64()*1450

	products := make([]state.Product, 0, params.MaxResults)
	for i := 0; i < params.MaxResults; i++ {
		shop := retailers[i%len(retailers)]
		price := base * (0.9 + r.Float64()*0.2)
		products = append(products, state.Product{
			Title:        fmt.Sprintf("%s - %s", in.ProductName, shop.name),
			Price:        fmt.Sprintf("$%.2f", price),
			Description:  fmt.Sprintf("%s offered by %s.", in.ProductName, shop.name),
			Features:     sample(r, productFeatures, 3),
			Availability: availability[r.IntN(len(availability))],
			Rating:       fmt.Sprintf("%.1f out of 5", 3.5+r.Float64()*1.4),
			SourceURL:    fmt.Sprintf("https://%s/search?q=%s", shop.host, url.QueryEscape(in.ProductName)),
		})
	}

	return state.DiscoveryResult(&state.ProductDiscovery{
		Products:   products,
		Count:      len(products),
		Source:     "synthetic",
		SearchedAt: d.now(),
	}), nil
}

// seededRand derives a generator from the tool and its normalized input
func seededRand(tool string, in Input) *rand.Rand {
	n := in.Normalized()
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d|%d", tool, n.ProductName, n.Params.Category,
		n.Params.MaxResults, n.Params.ReviewCount, n.Params.TimePeriodDays)
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func sample(r *rand.Rand, from []string, k int) []string {
	if k > len(from) {
		k = len(from)
	}
	out := make([]string, 0, k)
	for _, i := range r.Perm(len(from))[:k] {
		out = append(out, from[i])
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
