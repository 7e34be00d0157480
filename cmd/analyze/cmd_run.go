package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/store"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/workflows"
)

var runOpts struct {
	analysisType string
	category     string
	maxResults   int
	reviewCount  int
	periodDays   int
	format       string
	noCharts     bool
	toolsMode    string
	provider     string
	model        string
	timeout      time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run <product>",
	Short: "Analyze a product",
	Long: `Run the full analysis pipeline for one product and print the report.

Tools default to the synthetic variants. Use --tools auto or --tools live with
GOOGLE_API_KEY or OPENAI_API_KEY set to call a language model.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalysis(cmd, strings.Join(args, " "))
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Analyze the demo product",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runAnalysis(cmd, httpapi.DemoProduct)
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, demoCmd} {
		f := c.Flags()
		f.StringVar(&runOpts.analysisType, "type", state.AnalysisComprehensive, "analysis type: comprehensive, detailed or quick")
		f.StringVar(&runOpts.category, "category", "", "product category hint")
		f.IntVar(&runOpts.maxResults, "max-results", 0, "products to discover (1-10)")
		f.IntVar(&runOpts.reviewCount, "reviews", 0, "reviews to analyze (1-100)")
		f.IntVar(&runOpts.periodDays, "days", 0, "trend window in days (7-365)")
		f.StringVar(&runOpts.format, "format", "", "report format")
		f.BoolVar(&runOpts.noCharts, "no-charts", false, "omit chart specifications from the report")
		f.StringVar(&runOpts.toolsMode, "tools", tools.ModeSynthetic, "tool variant: synthetic, auto or live")
		f.StringVar(&runOpts.provider, "provider", "", "language model provider: google or openai")
		f.StringVar(&runOpts.model, "model", "", "language model name")
		f.DurationVar(&runOpts.timeout, "timeout", 5*time.Minute, "overall deadline")
	}
}

func runAnalysis(cmd *cobra.Command, product string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), runOpts.timeout)
	defer cancel()

	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
		defer logger.Sync()
	}

	suite, err := tools.NewSuite(ctx, tools.SuiteConfig{
		Mode:          runOpts.toolsMode,
		Provider:      runOpts.provider,
		Model:         runOpts.model,
		GoogleAPIKey:  os.Getenv("GOOGLE_API_KEY"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
	}, logger)
	if err != nil {
		return err
	}
	reg, err := registry.Default(suite, registry.DefaultRegistryConfig(), logger)
	if err != nil {
		return err
	}

	st := store.NewMemoryStore(store.Options{})
	engine, err := workflows.NewEngine(workflows.Options{
		Store:    st,
		Cache:    cache.NewLocalCache(64),
		Registry: reg,
		Retry:    workflows.DefaultRetryPolicy(),
		Events:   progressPrinter{w: cmd.ErrOrStderr(), quiet: jsonOutput},
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	created, err := st.Create(ctx, product, cliParams())
	if err != nil {
		if errors.Is(err, store.ErrEmptyProduct) {
			return errors.New("product name is required")
		}
		return err
	}
	if err := engine.Run(ctx, created.RequestID); err != nil {
		return err
	}
	final, err := st.Get(context.WithoutCancel(ctx), created.RequestID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	}
	if final.Status == state.StatusFailed {
		if final.Error != nil {
			return final.Error
		}
		return errors.New("analysis failed")
	}
	printReport(out, final)
	return nil
}

func cliParams() state.Params {
	p := state.Params{
		AnalysisType:   runOpts.analysisType,
		Category:       runOpts.category,
		MaxResults:     runOpts.maxResults,
		ReviewCount:    runOpts.reviewCount,
		TimePeriodDays: runOpts.periodDays,
		ReportFormat:   runOpts.format,
	}
	if runOpts.noCharts {
		off := false
		p.IncludeVisualizations = &off
	}
	return p
}

// progressPrinter writes one line per pipeline event
type progressPrinter struct {
	w     io.Writer
	quiet bool
}

func (p progressPrinter) Publish(_ string, evt streaming.Event) streaming.Event {
	if p.quiet {
		return evt
	}
	line := "» " + strings.ToLower(strings.ReplaceAll(evt.Type, "_", " "))
	if evt.Stage != "" {
		line += " " + evt.Stage
	}
	if evt.Attempt > 1 {
		line += fmt.Sprintf(" (attempt %d)", evt.Attempt)
	}
	if evt.Message != "" && evt.Type != streaming.EventAnalysisStarted {
		line += ": " + evt.Message
	}
	fmt.Fprintln(p.w, line)
	return evt
}

func printReport(w io.Writer, s *state.AnalysisState) {
	r, ok := s.Report()
	if !ok {
		fmt.Fprintf(w, "Analysis %s finished without a report\n", s.RequestID)
		return
	}
	fmt.Fprintf(w, "Market analysis: %s\n", s.ProductName)
	fmt.Fprintf(w, "Request %s, %s\n\n", s.RequestID, s.Duration(time.Now()).Round(time.Millisecond))
	fmt.Fprintf(w, "%s\n\n", r.ExecutiveSummary)
	printList(w, "Key findings", r.KeyFindings)
	printList(w, "Recommendations", r.Recommendations)
	fmt.Fprintf(w, "Risk: %s\n", r.Risk.Level)
	for _, f := range r.Risk.Factors {
		fmt.Fprintf(w, "  - %s\n", f)
	}
	if r.Outlook != "" {
		fmt.Fprintf(w, "\nOutlook: %s\n", r.Outlook)
	}
	if r.Conclusion != "" {
		fmt.Fprintf(w, "\n%s\n", r.Conclusion)
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", it)
	}
	fmt.Fprintln(w)
}
