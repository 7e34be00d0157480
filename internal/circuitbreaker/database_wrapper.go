package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps an sqlx handle with a circuit breaker
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, service string, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := db.DriverName()
	cb := NewCircuitBreaker(name, GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)

	return &DatabaseWrapper{
		db:      db,
		cb:      cb,
		service: service,
		logger:  logger,
	}
}

// execute runs fn through the breaker. sql.ErrNoRows is a result, not a failure.
func (dw *DatabaseWrapper) execute(ctx context.Context, fn func() error) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = fn()
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})

	GlobalMetricsCollector.RecordRequest(dw.db.DriverName(), dw.service, dw.cb.State(), cbErr == nil)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// PingContext wraps database ping
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.execute(ctx, func() error { return dw.db.PingContext(ctx) })
}

// GetContext scans a single row into dest
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.execute(ctx, func() error { return dw.db.GetContext(ctx, dest, query, args...) })
}

// SelectContext scans all rows into dest
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.execute(ctx, func() error { return dw.db.SelectContext(ctx, dest, query, args...) })
}

// ExecContext wraps database exec
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.execute(ctx, func() error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// WithTx runs fn inside a transaction; the whole transaction counts as one breaker request.
// The transaction is rolled back when fn returns an error.
func (dw *DatabaseWrapper) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return dw.execute(ctx, func() error {
		tx, err := dw.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				dw.logger.Warn("Transaction rollback failed", zap.Error(rbErr))
			}
			return err
		}
		return tx.Commit()
	})
}

// Rebind converts ? placeholders to the driver's bindvar style
func (dw *DatabaseWrapper) Rebind(query string) string {
	return dw.db.Rebind(query)
}

// DriverName returns the driver the handle was opened with
func (dw *DatabaseWrapper) DriverName() string {
	return dw.db.DriverName()
}

// Close closes the database handle
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// GetDB returns the underlying handle for operations not covered by wrapper
func (dw *DatabaseWrapper) GetDB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
