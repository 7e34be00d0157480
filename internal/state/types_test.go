package state

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discoveryOutput() StageOutput {
	return StageOutput{
		Stage:  StageDiscovery,
		Result: DiscoveryResult(&ProductDiscovery{Products: []Product{{Title: "Widget"}}, Count: 1}),
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s := New("req-1", "  Widget Pro ", Params{}, t0)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, "Widget Pro", s.ProductName)
	require.NoError(t, s.Validate())

	t.Run("cannot complete from pending", func(t *testing.T) {
		err := s.Clone().Complete(t0)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	require.NoError(t, s.Start(t0.Add(time.Second)))
	assert.ErrorIs(t, s.Start(t0), ErrInvalidTransition)

	require.NoError(t, s.EnterStage(StageDiscovery, t0))
	require.NotNil(t, s.CurrentStage)
	assert.Equal(t, StageDiscovery, *s.CurrentStage)

	require.NoError(t, s.Commit(discoveryOutput(), t0))
	assert.ErrorIs(t, s.Commit(discoveryOutput(), t0), ErrDuplicateOutput)

	end := t0.Add(5 * time.Second)
	require.NoError(t, s.Complete(end))
	assert.Nil(t, s.CurrentStage)
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, end, *s.CompletedAt)
	assert.Equal(t, 4*time.Second, s.Duration(time.Now()))
	require.NoError(t, s.Validate())

	assert.ErrorIs(t, s.Fail(StageError{Stage: StageReport}, end), ErrInvalidTransition)
	assert.ErrorIs(t, s.Start(end), ErrInvalidTransition)
}

func TestFailRecordsError(t *testing.T) {
	s := New("req-2", "Widget", Params{}, t0)
	require.NoError(t, s.Start(t0))
	require.NoError(t, s.EnterStage(StageTrend, t0))
	require.NoError(t, s.Fail(StageError{Stage: StageTrend, Kind: KindPermanent, Message: "boom"}, t0))

	assert.Equal(t, StatusFailed, s.Status)
	require.NotNil(t, s.Error)
	assert.Equal(t, StageTrend, s.Error.Stage)
	assert.Nil(t, s.CurrentStage)
	assert.NoError(t, s.Validate())
	assert.Contains(t, s.Error.Error(), "permanent_tool_error")
}

func TestCommitRejectsMismatchedPayload(t *testing.T) {
	s := New("req-3", "Widget", Params{}, t0)
	require.NoError(t, s.Start(t0))

	err := s.Commit(StageOutput{Stage: StageSentiment, Result: DiscoveryResult(&ProductDiscovery{})}, t0)
	assert.ErrorIs(t, err, ErrResultMismatch)

	err = s.Commit(StageOutput{Stage: StageSentiment}, t0)
	assert.ErrorIs(t, err, ErrEmptyResult)
	assert.Empty(t, s.Outputs)
}

func TestStageResultUnion(t *testing.T) {
	_, err := StageResult{Discovery: &ProductDiscovery{}, Report: &Report{}}.Stage()
	assert.Error(t, err)

	name, err := TrendResult(&MarketTrends{}).Stage()
	require.NoError(t, err)
	assert.Equal(t, StageTrend, name)
}

func TestTypedAccessors(t *testing.T) {
	s := New("req-4", "Widget", Params{}, t0)
	require.NoError(t, s.Start(t0))
	require.NoError(t, s.Commit(discoveryOutput(), t0))

	d, ok := s.Discovery()
	require.True(t, ok)
	assert.Equal(t, "Widget", d.Products[0].Title)

	_, ok = s.Sentiment()
	assert.False(t, ok)
	assert.Equal(t, []StageName{StageDiscovery}, s.StageNames())
}

func TestCloneIsIndependent(t *testing.T) {
	s := New("req-5", "Widget", Params{}, t0)
	require.NoError(t, s.Start(t0))
	require.NoError(t, s.EnterStage(StageDiscovery, t0))

	snap := s.Clone()
	if diff := cmp.Diff(s, snap); diff != "" {
		t.Fatalf("clone differs (-orig +clone):\n%s", diff)
	}

	require.NoError(t, s.Commit(discoveryOutput(), t0))
	require.NoError(t, s.EnterStage(StageSentiment, t0))
	*s.Params.IncludeVisualizations = false

	assert.Empty(t, snap.Outputs)
	assert.Equal(t, StageDiscovery, *snap.CurrentStage)
	assert.True(t, snap.Params.Visualizations())
}

func TestParamsNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Params
		want Params
	}{
		{
			name: "defaults",
			in:   Params{},
			want: Params{AnalysisType: AnalysisComprehensive, MaxResults: 3, ReviewCount: 20, TimePeriodDays: 90, ReportFormat: FormatComprehensive},
		},
		{
			name: "clamped",
			in:   Params{AnalysisType: AnalysisQuick, MaxResults: 50, ReviewCount: -1, TimePeriodDays: 1000, ReportFormat: FormatSummary},
			want: Params{AnalysisType: AnalysisQuick, MaxResults: 10, ReviewCount: 1, TimePeriodDays: 365, ReportFormat: FormatSummary},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			assert.True(t, got.Visualizations())
			got.IncludeVisualizations = nil
			assert.Equal(t, tt.want, got)
		})
	}
}
