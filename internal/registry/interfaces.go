package registry

import (
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tools"
)

// RegistryConfig holds the per-stage cache validity windows
type RegistryConfig struct {
	DiscoveryTTL time.Duration
	SentimentTTL time.Duration
	TrendTTL     time.Duration
	// ReportTTL is usually zero: reports carry a generation timestamp
	ReportTTL time.Duration
}

// DefaultRegistryConfig returns the stock cache windows
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		DiscoveryTTL: 6 * time.Hour,
		SentimentTTL: time.Hour,
		TrendTTL:     time.Hour,
	}
}

// Default builds the standard discovery -> sentiment -> trend -> report pipeline
func Default(suite *tools.Suite, cfg RegistryConfig, logger *zap.Logger) (*StageRegistry, error) {
	r := NewStageRegistry(logger)
	stages := []Stage{
		{Name: state.StageDiscovery, Tool: suite.Discovery, CacheTTL: cfg.DiscoveryTTL},
		{Name: state.StageSentiment, Tool: suite.Sentiment, Requires: []state.StageName{state.StageDiscovery}, CacheTTL: cfg.SentimentTTL},
		{Name: state.StageTrend, Tool: suite.Trend, Requires: []state.StageName{state.StageDiscovery}, CacheTTL: cfg.TrendTTL},
		{
			Name:     state.StageReport,
			Tool:     suite.Report,
			Requires: []state.StageName{state.StageDiscovery, state.StageSentiment, state.StageTrend},
			CacheTTL: cfg.ReportTTL,
		},
	}
	for _, s := range stages {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
