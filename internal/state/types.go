package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle position of an analysis request
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions can occur
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StageName identifies one step of the analysis pipeline
type StageName string

const (
	StageDiscovery StageName = "discovery"
	StageSentiment StageName = "sentiment"
	StageTrend     StageName = "trend"
	StageReport    StageName = "report"
)

// ErrorKind classifies why a request failed
type ErrorKind string

const (
	KindDependencyMissing ErrorKind = "dependency_missing"
	KindTransient         ErrorKind = "transient_tool_error"
	KindPermanent         ErrorKind = "permanent_tool_error"
	KindTimeout           ErrorKind = "timeout"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDuplicateOutput   = errors.New("stage output already committed")
	ErrResultMismatch    = errors.New("stage result does not match stage")
)

// StageError is the failure record attached to a failed request
type StageError struct {
	Stage    StageName `json:"stage"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %s", e.Stage, e.Kind, e.Message)
}

// StageOutput is one committed stage result
type StageOutput struct {
	Stage       StageName   `json:"stage"`
	Result      StageResult `json:"result"`
	Attempts    int         `json:"attempts"`
	CacheHit    bool        `json:"cache_hit"`
	CompletedAt time.Time   `json:"completed_at"`
}

// AnalysisState is the record threaded through the pipeline for one request
type AnalysisState struct {
	RequestID    string        `json:"request_id"`
	ProductName  string        `json:"product_name"`
	Params       Params        `json:"params"`
	Status       Status        `json:"status"`
	CurrentStage *StageName    `json:"current_stage,omitempty"`
	Outputs      []StageOutput `json:"outputs"`
	Error        *StageError   `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// New creates a pending analysis state
func New(requestID, productName string, params Params, now time.Time) *AnalysisState {
	return &AnalysisState{
		RequestID:   requestID,
		ProductName: strings.TrimSpace(productName),
		Params:      params.Normalize(),
		Status:      StatusPending,
		Outputs:     []StageOutput{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Start moves a pending request to running
func (s *AnalysisState) Start(now time.Time) error {
	if s.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusRunning)
	}
	s.Status = StatusRunning
	s.StartedAt = &now
	s.UpdatedAt = now
	return nil
}

// EnterStage marks the stage currently being worked on
func (s *AnalysisState) EnterStage(name StageName, now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: cannot enter stage %s while %s", ErrInvalidTransition, name, s.Status)
	}
	stage := name
	s.CurrentStage = &stage
	s.UpdatedAt = now
	return nil
}

// Commit appends a fully built stage output
func (s *AnalysisState) Commit(out StageOutput, now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: cannot commit %s while %s", ErrInvalidTransition, out.Stage, s.Status)
	}
	if s.HasOutput(out.Stage) {
		return fmt.Errorf("%w: %s", ErrDuplicateOutput, out.Stage)
	}
	kind, err := out.Result.Stage()
	if err != nil {
		return err
	}
	if kind != out.Stage {
		return fmt.Errorf("%w: %s carries %s payload", ErrResultMismatch, out.Stage, kind)
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = now
	}
	s.Outputs = append(s.Outputs, out)
	s.UpdatedAt = now
	return nil
}

// Complete moves a running request to completed
func (s *AnalysisState) Complete(now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusCompleted)
	}
	s.Status = StatusCompleted
	s.CurrentStage = nil
	s.CompletedAt = &now
	s.UpdatedAt = now
	return nil
}

// Fail moves a running request to failed and records the stage error
func (s *AnalysisState) Fail(serr StageError, now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusFailed)
	}
	s.Status = StatusFailed
	s.Error = &serr
	s.CurrentStage = nil
	s.CompletedAt = &now
	s.UpdatedAt = now
	return nil
}

// HasOutput reports whether the stage has committed
func (s *AnalysisState) HasOutput(name StageName) bool {
	_, ok := s.Output(name)
	return ok
}

// Output returns the committed result for a stage
func (s *AnalysisState) Output(name StageName) (StageResult, bool) {
	for _, out := range s.Outputs {
		if out.Stage == name {
			return out.Result, true
		}
	}
	return StageResult{}, false
}

// StageNames returns committed stage names in commit order
func (s *AnalysisState) StageNames() []StageName {
	names := make([]StageName, 0, len(s.Outputs))
	for _, out := range s.Outputs {
		names = append(names, out.Stage)
	}
	return names
}

func (s *AnalysisState) Discovery() (*ProductDiscovery, bool) {
	r, ok := s.Output(StageDiscovery)
	return r.Discovery, ok && r.Discovery != nil
}

func (s *AnalysisState) Sentiment() (*SentimentAnalysis, bool) {
	r, ok := s.Output(StageSentiment)
	return r.Sentiment, ok && r.Sentiment != nil
}

func (s *AnalysisState) Trend() (*MarketTrends, bool) {
	r, ok := s.Output(StageTrend)
	return r.Trend, ok && r.Trend != nil
}

func (s *AnalysisState) Report() (*Report, bool) {
	r, ok := s.Output(StageReport)
	return r.Report, ok && r.Report != nil
}

// Duration returns how long the run took, or has taken so far
func (s *AnalysisState) Duration(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	return end.Sub(*s.StartedAt)
}

// Clone returns a snapshot that shares no mutable state with s.
// Committed results are never mutated after commit, so result payloads are shared.
func (s *AnalysisState) Clone() *AnalysisState {
	if s == nil {
		return nil
	}
	c := *s
	c.Params = s.Params.clone()
	c.Outputs = make([]StageOutput, len(s.Outputs))
	copy(c.Outputs, s.Outputs)
	if s.CurrentStage != nil {
		stage := *s.CurrentStage
		c.CurrentStage = &stage
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Validate checks the structural invariants of the record
func (s *AnalysisState) Validate() error {
	if s.RequestID == "" {
		return fmt.Errorf("request id cannot be empty")
	}
	if s.ProductName == "" {
		return fmt.Errorf("product name cannot be empty")
	}
	switch s.Status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if (s.Status == StatusFailed) != (s.Error != nil) {
		return fmt.Errorf("error must be set if and only if status is failed (status=%s)", s.Status)
	}
	if s.Status.IsTerminal() != (s.CompletedAt != nil) {
		return fmt.Errorf("completed_at must be set if and only if status is terminal (status=%s)", s.Status)
	}
	if s.CurrentStage != nil && s.Status != StatusRunning {
		return fmt.Errorf("current stage set while %s", s.Status)
	}
	seen := make(map[StageName]struct{}, len(s.Outputs))
	for _, out := range s.Outputs {
		if _, dup := seen[out.Stage]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateOutput, out.Stage)
		}
		seen[out.Stage] = struct{}{}
		if _, err := out.Result.Stage(); err != nil {
			return fmt.Errorf("output %s: %w", out.Stage, err)
		}
	}
	return nil
}
