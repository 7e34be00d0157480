package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const analysisColumns = `request_id, product_name, status, document, created_at, updated_at`

// InsertAnalysis stores a new analysis row
func (c *Client) InsertAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	query := c.db.Rebind(`
		INSERT INTO analyses (` + analysisColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := c.db.ExecContext(ctx, query,
		rec.RequestID, rec.ProductName, rec.Status, rec.Document, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis loads a row by request id. A missing row wraps sql.ErrNoRows.
func (c *Client) GetAnalysis(ctx context.Context, requestID string) (*AnalysisRecord, error) {
	var rec AnalysisRecord
	query := c.db.Rebind(`SELECT ` + analysisColumns + ` FROM analyses WHERE request_id = ?`)
	if err := c.db.GetContext(ctx, &rec, query, requestID); err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return &rec, nil
}

// ListAnalyses returns the most recently created rows first
func (c *Client) ListAnalyses(ctx context.Context, limit int) ([]AnalysisRecord, error) {
	var recs []AnalysisRecord
	query := c.db.Rebind(`SELECT ` + analysisColumns + ` FROM analyses ORDER BY created_at DESC, request_id LIMIT ?`)
	if err := c.db.SelectContext(ctx, &recs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	return recs, nil
}

// UpdateAnalysis reads a row, lets fn replace it, and writes it back in one transaction.
// On postgres the row is locked for the duration.
func (c *Client) UpdateAnalysis(ctx context.Context, requestID string, fn func(*AnalysisRecord) (*AnalysisRecord, error)) (*AnalysisRecord, error) {
	selectQuery := `SELECT ` + analysisColumns + ` FROM analyses WHERE request_id = ?`
	if c.IsPostgres() {
		selectQuery += ` FOR UPDATE`
	}
	selectQuery = c.db.Rebind(selectQuery)
	updateQuery := c.db.Rebind(`
		UPDATE analyses SET status = ?, document = ?, updated_at = ?
		WHERE request_id = ?`)

	var next *AnalysisRecord
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var cur AnalysisRecord
		if err := tx.GetContext(ctx, &cur, selectQuery, requestID); err != nil {
			return err
		}
		updated, err := fn(&cur)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, updateQuery,
			updated.Status, updated.Document, updated.UpdatedAt, requestID,
		); err != nil {
			return fmt.Errorf("failed to update analysis: %w", err)
		}
		next = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}
