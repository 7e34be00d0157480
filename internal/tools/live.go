package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

// LiveDiscovery searches the web for product listings through a grounded LLM call
type LiveDiscovery struct {
	llm     Completer
	limiter *ratecontrol.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

func NewLiveDiscovery(llm Completer, limiter *ratecontrol.Limiter, logger *zap.Logger) *LiveDiscovery {
	return &LiveDiscovery{llm: llm, limiter: limiter, logger: logger, now: time.Now}
}

func (d *LiveDiscovery) Name() string { return DiscoveryToolName }

func (d *LiveDiscovery) Execute(ctx context.Context, in Input) (state.StageResult, error) {
	if in.ProductName == "" {
		return state.StageResult{}, Permanent(d.Name(), fmt.Errorf("product name is required"))
	}
	if err := d.limiter.Wait(ctx, d.llm.Provider()); err != nil {
		return state.StageResult{}, Transient(d.Name(), err)
	}

	params := in.Params.Normalize()
	text, err := d.llm.Complete(ctx, CompletionRequest{
		Prompt:      discoveryPrompt(in.ProductName, params.MaxResults),
		Temperature: 0.1,
		JSON:        true,
		Grounded:    true,
	})
	if err != nil {
		return state.StageResult{}, classifyProviderError(d.Name(), err)
	}

	products, err := parseProducts(text)
	if err != nil {
		d.logger.Warn("Discovery response was not valid JSON",
			zap.String("request_id", in.RequestID),
			zap.Int("response_len", len(text)),
			zap.Error(err),
		)
		return state.StageResult{}, Permanent(d.Name(), err)
	}
	if len(products) == 0 {
		return state.StageResult{}, Permanent(d.Name(), fmt.Errorf("no products found for %q", in.ProductName))
	}
	if len(products) > params.MaxResults {
		products = products[:params.MaxResults]
	}
	for i := range products {
		if products[i].SourceURL == "" {
			products[i].SourceURL = "Search result for " + in.ProductName
		}
	}

	d.logger.Info("Products discovered",
		zap.String("request_id", in.RequestID),
		zap.String("provider", d.llm.Provider()),
		zap.Int("count", len(products)),
	)
	return state.DiscoveryResult(&state.ProductDiscovery{
		Products:   products,
		Count:      len(products),
		Source:     d.llm.Provider(),
		SearchedAt: d.now(),
	}), nil
}

func discoveryPrompt(product string, maxResults int) string {
	return fmt.Sprintf(`Search online for "%s" and analyze the product information from the most relevant sources.
Focus on official brand websites, major e-commerce platforms and authorized retailers.
Return a JSON array with up to %d products found, each containing:
{"title": "...", "price": "price with currency", "description": "...", "features": ["..."],
 "availability": "stock status", "rating": "customer rating if available", "images": ["..."], "source_url": "..."}
Return ONLY the JSON array, no other text.`, product, maxResults)
}

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	bareJSON   = regexp.MustCompile(`(?s)\[.*\]|\{.*\}`)
)

// extractJSON pulls the JSON document out of a model response
func extractJSON(text string) string {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := bareJSON.FindString(text); m != "" {
		return m
	}
	return strings.TrimSpace(text)
}

// looseString accepts either a JSON string or a JSON number
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*s = looseString(num.String())
	return nil
}

type liveProduct struct {
	Title        looseString `json:"title"`
	Price        looseString `json:"price"`
	Description  looseString `json:"description"`
	Features     []string    `json:"features"`
	Availability looseString `json:"availability"`
	Rating       looseString `json:"rating"`
	Images       []string    `json:"images"`
	SourceURL    looseString `json:"source_url"`
}

func parseProducts(text string) ([]state.Product, error) {
	raw := []byte(extractJSON(text))

	var list []liveProduct
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Products []liveProduct `json:"products"`
		}
		if werr := json.Unmarshal(raw, &wrapped); werr != nil || wrapped.Products == nil {
			var single liveProduct
			if serr := json.Unmarshal(raw, &single); serr != nil || single.Title == "" {
				return nil, fmt.Errorf("parse products: %w", err)
			}
			list = []liveProduct{single}
		} else {
			list = wrapped.Products
		}
	}

	out := make([]state.Product, 0, len(list))
	for _, p := range list {
		out = append(out, state.Product{
			Title:        string(p.Title),
			Price:        string(p.Price),
			Description:  string(p.Description),
			Features:     p.Features,
			Availability: string(p.Availability),
			Rating:       string(p.Rating),
			Images:       p.Images,
			SourceURL:    string(p.SourceURL),
		})
	}
	return out, nil
}

// LiveReport compiles the report locally and asks the model for the executive summary
type LiveReport struct {
	compiler *ReportCompiler
	llm      Completer
	limiter  *ratecontrol.Limiter
	logger   *zap.Logger
}

func NewLiveReport(llm Completer, limiter *ratecontrol.Limiter, logger *zap.Logger) *LiveReport {
	return &LiveReport{compiler: NewReportCompiler(), llm: llm, limiter: limiter, logger: logger}
}

func (r *LiveReport) Name() string { return ReportToolName }

func (r *LiveReport) Execute(ctx context.Context, in Input) (state.StageResult, error) {
	report, err := r.compiler.Compile(in)
	if err != nil {
		return state.StageResult{}, Permanent(r.Name(), err)
	}
	if err := r.limiter.Wait(ctx, r.llm.Provider()); err != nil {
		return state.StageResult{}, Transient(r.Name(), err)
	}

	summary, err := r.llm.Complete(ctx, CompletionRequest{
		Prompt:      summaryPrompt(in.ProductName, report),
		Temperature: 0.3,
	})
	if err != nil {
		return state.StageResult{}, classifyProviderError(r.Name(), err)
	}
	if s := strings.TrimSpace(summary); s != "" {
		report.ExecutiveSummary = s
	}
	return state.ReportResult(report), nil
}

func summaryPrompt(product string, report *state.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a three sentence executive summary of a market analysis for %q.\n", product)
	fmt.Fprintf(&b, "Facts: %s\n", report.ExecutiveSummary)
	fmt.Fprintf(&b, "Key findings: %s\n", strings.Join(report.KeyFindings, "; "))
	fmt.Fprintf(&b, "Risk level: %s. Outlook: %s.\n", report.Risk.Level, report.Outlook)
	b.WriteString("Return plain text only.")
	return b.String()
}
