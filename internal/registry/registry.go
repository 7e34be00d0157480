package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/tools"
)

var (
	ErrDependencyMissing = errors.New("stage dependency missing")
	ErrDuplicateStage    = errors.New("stage already registered")
	ErrInvalidStage      = errors.New("invalid stage")
)

// Stage binds a pipeline position to a tool
type Stage struct {
	Name     state.StageName
	Tool     tools.Tool
	Requires []state.StageName
	// CacheTTL of zero disables result caching for the stage
	CacheTTL time.Duration
}

// StageRegistry is the ordered list of pipeline stages
type StageRegistry struct {
	mu     sync.RWMutex
	stages []Stage
	logger *zap.Logger
}

// NewStageRegistry creates an empty registry
func NewStageRegistry(logger *zap.Logger) *StageRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageRegistry{logger: logger}
}

// Register appends a stage to the end of the pipeline
func (r *StageRegistry) Register(stage Stage) error {
	if stage.Name == "" || stage.Tool == nil {
		return fmt.Errorf("%w: stage needs a name and a tool", ErrInvalidStage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stages {
		if s.Name == stage.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateStage, stage.Name)
		}
	}
	stage.Requires = append([]state.StageName(nil), stage.Requires...)
	r.stages = append(r.stages, stage)

	r.logger.Debug("Registered stage",
		zap.String("stage", string(stage.Name)),
		zap.String("tool", stage.Tool.Name()),
		zap.Int("position", len(r.stages)-1),
	)
	return nil
}

// Stages returns the pipeline in execution order
func (r *StageRegistry) Stages() []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stage, len(r.stages))
	copy(out, r.stages)
	return out
}

// Names returns stage names in execution order
func (r *StageRegistry) Names() []state.StageName {
	stages := r.Stages()
	names := make([]state.StageName, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name)
	}
	return names
}

// Validate checks that every declared dependency names an earlier stage
func (r *StageRegistry) Validate() error {
	stages := r.Stages()
	if len(stages) == 0 {
		return fmt.Errorf("%w: no stages registered", ErrInvalidStage)
	}
	earlier := make(map[state.StageName]struct{}, len(stages))
	for _, s := range stages {
		for _, dep := range s.Requires {
			if _, ok := earlier[dep]; !ok {
				return &DependencyError{Stage: s.Name, Missing: dep}
			}
		}
		earlier[s.Name] = struct{}{}
	}
	return nil
}

// DependencyError reports a stage whose declared input is not produced before it
type DependencyError struct {
	Stage   state.StageName
	Missing state.StageName
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("stage %s requires %s, which has not run before it", e.Stage, e.Missing)
}

func (e *DependencyError) Unwrap() error { return ErrDependencyMissing }
