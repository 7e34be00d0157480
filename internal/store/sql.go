package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/db"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

// SQLStore keeps requests in postgres or sqlite. Each update runs in its own transaction.
type SQLStore struct {
	client *db.Client
	logger *zap.Logger
	opts   Options
}

func NewSQLStore(client *db.Client, opts Options, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{client: client, logger: logger, opts: opts.withDefaults()}
}

func (s *SQLStore) Create(ctx context.Context, product string, params state.Params) (*state.AnalysisState, error) {
	st, err := newState(s.opts, product, params)
	if err != nil {
		return nil, err
	}
	rec, err := toRecord(st)
	if err != nil {
		return nil, err
	}
	err = s.client.InsertAnalysis(ctx, rec)
	metrics.RecordStoreOperation("sql", "create", err)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*state.AnalysisState, error) {
	rec, err := s.client.GetAnalysis(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

func (s *SQLStore) Update(ctx context.Context, id string, fn func(*state.AnalysisState) error) (*state.AnalysisState, error) {
	var next *state.AnalysisState
	_, err := s.client.UpdateAnalysis(ctx, id, func(cur *db.AnalysisRecord) (*db.AnalysisRecord, error) {
		st, err := fromRecord(cur)
		if err != nil {
			return nil, err
		}
		next, err = mutate(st, fn)
		if err != nil {
			return nil, err
		}
		return toRecord(next)
	})
	metrics.RecordStoreOperation("sql", "update", err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]*state.AnalysisState, error) {
	recs, err := s.client.ListAnalyses(ctx, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]*state.AnalysisState, 0, len(recs))
	for i := range recs {
		st, err := fromRecord(&recs[i])
		if err != nil {
			s.logger.Warn("Skipping unreadable analysis row", zap.String("request_id", recs[i].RequestID), zap.Error(err))
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func toRecord(st *state.AnalysisState) (*db.AnalysisRecord, error) {
	doc, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis: %w", err)
	}
	return &db.AnalysisRecord{
		RequestID:   st.RequestID,
		ProductName: st.ProductName,
		Status:      string(st.Status),
		Document:    doc,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
	}, nil
}

func fromRecord(rec *db.AnalysisRecord) (*state.AnalysisState, error) {
	var st state.AnalysisState
	if err := json.Unmarshal(rec.Document, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis %s: %w", rec.RequestID, err)
	}
	return &st, nil
}
