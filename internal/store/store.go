package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

var (
	ErrNotFound     = errors.New("analysis not found")
	ErrEmptyProduct = errors.New("product name is required")
	errNilMutation  = errors.New("mutation function is nil")
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Store persists analysis requests. Reads return snapshots the caller owns;
// Update applies fn to a private copy and publishes the result as a whole.
type Store interface {
	Create(ctx context.Context, product string, params state.Params) (*state.AnalysisState, error)
	Get(ctx context.Context, id string) (*state.AnalysisState, error)
	Update(ctx context.Context, id string, fn func(*state.AnalysisState) error) (*state.AnalysisState, error)
	List(ctx context.Context, limit int) ([]*state.AnalysisState, error)
}

// Options shared by the store implementations
type Options struct {
	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.New().String() }
	}
	return o
}

func newState(o Options, product string, params state.Params) (*state.AnalysisState, error) {
	if strings.TrimSpace(product) == "" {
		return nil, ErrEmptyProduct
	}
	return state.New(o.NewID(), product, params, o.Now()), nil
}

// mutate applies fn to a copy of cur and checks the result is publishable
func mutate(cur *state.AnalysisState, fn func(*state.AnalysisState) error) (*state.AnalysisState, error) {
	if fn == nil {
		return nil, errNilMutation
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.RequestID != cur.RequestID {
		return nil, fmt.Errorf("%w: request id cannot change", state.ErrInvalidTransition)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}
