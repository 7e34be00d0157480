package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

// Tool is one unit of pipeline work. Implementations may call external services;
// a retry re-invokes Execute with identical input.
type Tool interface {
	Name() string
	Execute(ctx context.Context, in Input) (state.StageResult, error)
}

// Input carries the request fields and the typed outputs of required prior stages.
// Only the outputs a stage declares as required are populated.
type Input struct {
	RequestID   string                   `json:"-"`
	ProductName string                   `json:"product_name"`
	Params      state.Params             `json:"params"`
	Discovery   *state.ProductDiscovery  `json:"discovery,omitempty"`
	Sentiment   *state.SentimentAnalysis `json:"sentiment,omitempty"`
	Trend       *state.MarketTrends      `json:"trend,omitempty"`
}

// BuildInput assembles the input for a stage from committed outputs and
// returns the names of required stages that have not committed.
func BuildInput(s *state.AnalysisState, requires []state.StageName) (Input, []state.StageName) {
	in := Input{
		RequestID:   s.RequestID,
		ProductName: s.ProductName,
		Params:      s.Params,
	}
	var missing []state.StageName
	for _, dep := range requires {
		r, ok := s.Output(dep)
		if !ok {
			missing = append(missing, dep)
			continue
		}
		switch dep {
		case state.StageDiscovery:
			in.Discovery = r.Discovery
		case state.StageSentiment:
			in.Sentiment = r.Sentiment
		case state.StageTrend:
			in.Trend = r.Trend
		}
	}
	return in, missing
}

// Normalized returns the cache-relevant view of the input
func (in Input) Normalized() Input {
	out := in
	out.RequestID = ""
	out.ProductName = strings.ToLower(strings.Join(strings.Fields(in.ProductName), " "))
	out.Params = in.Params.Normalize()
	return out
}

// ToolError is a classified failure returned by a tool
type ToolError struct {
	Tool string
	Kind state.ErrorKind
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Transient marks err as recoverable by retrying the identical call
func Transient(tool string, err error) error {
	return &ToolError{Tool: tool, Kind: state.KindTransient, Err: err}
}

// Permanent marks err as not worth retrying
func Permanent(tool string, err error) error {
	return &ToolError{Tool: tool, Kind: state.KindPermanent, Err: err}
}

// KindOf classifies any error returned by a tool. An explicit permanent
// classification wins over a wrapped deadline; unclassified errors are transient.
func KindOf(err error) state.ErrorKind {
	var te *ToolError
	isTool := errors.As(err, &te)
	if isTool && te.Kind != state.KindTransient {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return state.KindTimeout
	}
	if isTool {
		return te.Kind
	}
	return state.KindTransient
}

// Retryable reports whether a failure of this kind may be retried
func Retryable(kind state.ErrorKind) bool {
	return kind == state.KindTransient || kind == state.KindTimeout
}
