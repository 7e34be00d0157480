package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want state.ErrorKind
	}{
		{"transient", Transient("t", errors.New("flaky")), state.KindTransient},
		{"permanent", Permanent("t", errors.New("bad input")), state.KindPermanent},
		{"wrapped permanent", fmt.Errorf("outer: %w", Permanent("t", errors.New("x"))), state.KindPermanent},
		{"deadline", context.DeadlineExceeded, state.KindTimeout},
		{"transient deadline", Transient("t", context.DeadlineExceeded), state.KindTimeout},
		{"permanent deadline", Permanent("t", fmt.Errorf("quota check: %w", context.DeadlineExceeded)), state.KindPermanent},
		{"wrapped permanent deadline", fmt.Errorf("discovery: %w", Permanent("t", context.DeadlineExceeded)), state.KindPermanent},
		{"unclassified", errors.New("mystery"), state.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}

	assert.True(t, Retryable(state.KindTimeout))
	assert.True(t, Retryable(state.KindTransient))
	assert.False(t, Retryable(state.KindPermanent))
	assert.False(t, Retryable(state.KindDependencyMissing))
}

func TestBuildInputReportsMissing(t *testing.T) {
	s := state.New("req", "Widget", state.Params{}, time.Now())
	require.NoError(t, s.Start(time.Now()))
	require.NoError(t, s.Commit(state.StageOutput{
		Stage:  state.StageDiscovery,
		Result: state.DiscoveryResult(&state.ProductDiscovery{Count: 1}),
	}, time.Now()))

	in, missing := BuildInput(s, []state.StageName{state.StageDiscovery, state.StageSentiment, state.StageTrend})
	assert.Equal(t, []state.StageName{state.StageSentiment, state.StageTrend}, missing)
	require.NotNil(t, in.Discovery)
	assert.Equal(t, 1, in.Discovery.Count)
	assert.Nil(t, in.Sentiment)

	in, missing = BuildInput(s, nil)
	assert.Empty(t, missing)
	assert.Nil(t, in.Discovery, "undeclared outputs must not leak into the input")
}

func TestNormalizedInput(t *testing.T) {
	a := Input{RequestID: "a", ProductName: "  iPhone   17 PRO "}
	b := Input{RequestID: "b", ProductName: "iphone 17 pro", Params: state.Params{MaxResults: 3}}

	assert.Equal(t, a.Normalized(), b.Normalized())
	assert.Equal(t, "", a.Normalized().RequestID)
}
