package tools

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/ratecontrol"
)

const (
	ModeAuto      = "auto"
	ModeLive      = "live"
	ModeSynthetic = "synthetic"
)

// Suite holds one implementation per pipeline stage
type Suite struct {
	Discovery Tool
	Sentiment Tool
	Trend     Tool
	Report    Tool
	Mode      string
	// Breaker guards outbound LLM calls; nil for the synthetic suite
	Breaker *circuitbreaker.HTTPWrapper
}

// SuiteConfig selects and configures the tool variants
type SuiteConfig struct {
	Mode           string
	Provider       string
	GoogleAPIKey   string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	Model          string
	RequestTimeout time.Duration
	RPMOverrides   map[string]int
}

// SyntheticSuite returns tools that never leave the process
func SyntheticSuite() *Suite {
	return &Suite{
		Discovery: NewSyntheticDiscovery(),
		Sentiment: NewSentimentSynthesizer(),
		Trend:     NewTrendSynthesizer(),
		Report:    NewReportCompiler(),
		Mode:      ModeSynthetic,
	}
}

// LiveSuite returns tools backed by a language model. Sentiment and trend stay synthetic.
func LiveSuite(llm Completer, limiter *ratecontrol.Limiter, logger *zap.Logger) *Suite {
	return &Suite{
		Discovery: NewLiveDiscovery(llm, limiter, logger),
		Sentiment: NewSentimentSynthesizer(),
		Trend:     NewTrendSynthesizer(),
		Report:    NewLiveReport(llm, limiter, logger),
		Mode:      ModeLive,
	}
}

// NewSuite picks the live or synthetic variant once, at startup
func NewSuite(ctx context.Context, cfg SuiteConfig, logger *zap.Logger) (*Suite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeSynthetic {
		logger.Info("Using synthetic analysis tools")
		return SyntheticSuite(), nil
	}

	provider, key := resolveProvider(cfg)
	if key == "" {
		if mode == ModeLive {
			return nil, fmt.Errorf("live tools requested but no API key configured for provider %q", cfg.Provider)
		}
		logger.Info("No provider API key configured, using synthetic analysis tools")
		return SyntheticSuite(), nil
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	breaker := circuitbreaker.NewHTTPWrapper(nil, "llm-"+provider, "llm", logger)
	httpClient := breaker.Client(timeout)

	var llm Completer
	switch provider {
	case "google":
		g, err := NewGeminiCompleter(ctx, key, cfg.Model, httpClient)
		if err != nil {
			return nil, err
		}
		llm = g
	case "openai":
		llm = NewOpenAICompleter(key, cfg.Model, cfg.OpenAIBaseURL, httpClient)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	logger.Info("Using live analysis tools",
		zap.String("provider", provider),
		zap.String("model", cfg.Model),
	)
	suite := LiveSuite(llm, ratecontrol.NewLimiter(cfg.RPMOverrides, logger), logger)
	suite.Breaker = breaker
	return suite, nil
}

func resolveProvider(cfg SuiteConfig) (string, string) {
	switch cfg.Provider {
	case "google", "gemini":
		return "google", cfg.GoogleAPIKey
	case "openai":
		return "openai", cfg.OpenAIAPIKey
	}
	if cfg.GoogleAPIKey != "" {
		return "google", cfg.GoogleAPIKey
	}
	if cfg.OpenAIAPIKey != "" {
		return "openai", cfg.OpenAIAPIKey
	}
	return cfg.Provider, ""
}
