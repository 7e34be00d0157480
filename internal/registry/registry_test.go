package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tools"
)

type nopTool struct{ name string }

func (n nopTool) Name() string { return n.name }

func (n nopTool) Execute(context.Context, tools.Input) (state.StageResult, error) {
	return state.StageResult{}, nil
}

func TestDefaultPipeline(t *testing.T) {
	r, err := Default(tools.SyntheticSuite(), DefaultRegistryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []state.StageName{
		state.StageDiscovery, state.StageSentiment, state.StageTrend, state.StageReport,
	}, r.Names())

	stages := r.Stages()
	assert.Empty(t, stages[0].Requires)
	assert.ElementsMatch(t, []state.StageName{state.StageDiscovery, state.StageSentiment, state.StageTrend}, stages[3].Requires)
	assert.Zero(t, stages[3].CacheTTL)
}

func TestRegisterRejectsDuplicatesAndBlanks(t *testing.T) {
	r := NewStageRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Register(Stage{Name: "a", Tool: nopTool{"a"}}))

	err := r.Register(Stage{Name: "a", Tool: nopTool{"a2"}})
	assert.ErrorIs(t, err, ErrDuplicateStage)

	assert.ErrorIs(t, r.Register(Stage{Name: "b"}), ErrInvalidStage)
	assert.ErrorIs(t, r.Register(Stage{Tool: nopTool{"c"}}), ErrInvalidStage)
}

func TestValidateDetectsOrderingMistakes(t *testing.T) {
	r := NewStageRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Register(Stage{Name: "report", Tool: nopTool{"r"}, Requires: []state.StageName{"discovery"}}))
	require.NoError(t, r.Register(Stage{Name: "discovery", Tool: nopTool{"d"}}))

	err := r.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDependencyMissing))

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, state.StageName("report"), depErr.Stage)
	assert.Equal(t, state.StageName("discovery"), depErr.Missing)

	assert.Error(t, NewStageRegistry(nil).Validate(), "an empty pipeline is not valid")
}

func TestStagesReturnsCopy(t *testing.T) {
	r := NewStageRegistry(nil)
	require.NoError(t, r.Register(Stage{Name: "a", Tool: nopTool{"a"}, Requires: nil}))

	stages := r.Stages()
	stages[0].Name = "mutated"
	assert.Equal(t, state.StageName("a"), r.Stages()[0].Name)
}
