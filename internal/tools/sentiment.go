package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

type reviewTemplate struct {
	rating int
	title  string
	text   string
	pros   []string
	cons   []string
}

var reviewTemplates = []reviewTemplate{
	{5, "Absolutely love it!", "The %s exceeded all my expectations. Build quality is exceptional and the features work perfectly.",
		[]string{"Excellent build quality", "Great features", "Fast delivery"}, []string{"Price is a bit high"}},
	{4, "Good product with minor issues", "Overall happy with the %s. Works as advertised but has some minor quirks.",
		[]string{"Good performance", "Nice design", "Easy to use"}, []string{"Battery life could be better", "Occasional software bugs"}},
	{3, "Average, nothing special", "The %s is okay but doesn't really stand out from competitors.",
		[]string{"Decent quality", "Fair price"}, []string{"Limited features", "Average performance", "Better alternatives available"}},
	{2, "Disappointed", "Expected more from the %s. Multiple issues encountered.",
		[]string{"Good packaging"}, []string{"Poor build quality", "Doesn't work as advertised", "Customer service unhelpful"}},
	{5, "Best purchase this year!", "The %s is exactly what I needed. Highly recommend to everyone.",
		[]string{"Perfect functionality", "Great value", "Excellent support"}, nil},
}

// SentimentSynthesizer builds reviews from templates and derives sentiment metrics
type SentimentSynthesizer struct{}

func NewSentimentSynthesizer() *SentimentSynthesizer { return &SentimentSynthesizer{} }

func (s *SentimentSynthesizer) Name() string { return SentimentToolName }

func (s *SentimentSynthesizer) Execute(ctx context.Context, in Input) (state.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return state.StageResult{}, Transient(s.Name(), err)
	}
	if in.Discovery == nil {
		return state.StageResult{}, Permanent(s.Name(), fmt.Errorf("discovery output required"))
	}

	r := seededRand(s.Name(), in)
	count := in.Params.Normalize().ReviewCount
	reviews := make([]state.Review, 0, count)
	for i := 0; i < count; i++ {
		tpl := reviewTemplates[r.IntN(len(reviewTemplates))]
		reviews = append(reviews, state.Review{
			Rating:           tpl.rating,
			Title:            tpl.title,
			Text:             fmt.Sprintf(tpl.text, in.ProductName),
			Pros:             append([]string(nil), tpl.pros...),
			Cons:             append([]string(nil), tpl.cons...),
			VerifiedPurchase: r.Float64() > 0.2,
			HelpfulCount:     10 + r.IntN(491),
		})
	}

	analysis, err := AnalyzeReviews(in.ProductName, reviews)
	if err != nil {
		return state.StageResult{}, Permanent(s.Name(), err)
	}
	return state.SentimentResult(analysis), nil
}

// AnalyzeReviews computes aggregate sentiment metrics for a review set
func AnalyzeReviews(product string, reviews []state.Review) (*state.SentimentAnalysis, error) {
	if len(reviews) == 0 {
		return nil, fmt.Errorf("no reviews to analyze")
	}

	var (
		total    int
		dist     state.SentimentDistribution
		verified int
		pros     = newTally()
		cons     = newTally()
	)
	for _, rv := range reviews {
		total += rv.Rating
		switch {
		case rv.Rating >= 4:
			dist.Positive++
		case rv.Rating == 3:
			dist.Neutral++
		default:
			dist.Negative++
		}
		if rv.VerifiedPurchase {
			verified++
		}
		pros.add(rv.Pros...)
		cons.add(rv.Cons...)
	}

	n := float64(len(reviews))
	sampleSize := 3
	if len(reviews) < sampleSize {
		sampleSize = len(reviews)
	}

	return &state.SentimentAnalysis{
		Product:              product,
		ReviewCount:          len(reviews),
		AverageRating:        round(float64(total)/n, 2),
		Distribution:         dist,
		SentimentScore:       round(float64(dist.Positive-dist.Negative)/n*100, 1),
		TopPositive:          pros.top(5),
		TopNegative:          cons.top(5),
		RecommendationRate:   round(float64(dist.Positive)/n*100, 1),
		VerifiedPurchaseRate: round(float64(verified)/n*100, 1),
		Sample:               append([]state.Review(nil), reviews[:sampleSize]...),
	}, nil
}

// tally counts occurrences and remembers first-seen order for stable ties
type tally struct {
	counts map[string]int
	order  []string
}

func newTally() *tally { return &tally{counts: make(map[string]int)} }

func (t *tally) add(items ...string) {
	for _, it := range items {
		if _, ok := t.counts[it]; !ok {
			t.order = append(t.order, it)
		}
		t.counts[it]++
	}
}

func (t *tally) top(k int) []state.AspectCount {
	out := make([]state.AspectCount, 0, len(t.order))
	for _, it := range t.order {
		out = append(out, state.AspectCount{Aspect: it, Count: t.counts[it]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > k {
		out = out[:k]
	}
	return out
}
