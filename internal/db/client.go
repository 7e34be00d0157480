package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/circuitbreaker"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds database configuration
type Config struct {
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	HealthInterval  time.Duration
}

// Client manages the analysis database connection
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config *Config

	stopCh   chan struct{}
	stopOnce sync.Once
	healthWg sync.WaitGroup
}

// NewClient opens the database, verifies connectivity and applies the schema
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.Driver == "" {
		config.Driver = DriverPostgres
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.HealthInterval == 0 {
		config.HealthInterval = 30 * time.Second
	}
	if config.Driver == DriverSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY
		config.MaxConnections = 1
		config.IdleConnections = 1
	}

	rawDB, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClientFromDB(rawDB, config, logger)
	if err := client.db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		rawDB.Close()
		return nil, err
	}

	client.healthWg.Add(1)
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
	)
	return client, nil
}

// NewClientFromDB wraps an already-open handle without pinging or migrating
func NewClientFromDB(rawDB *sqlx.DB, config *Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = &Config{Driver: rawDB.DriverName()}
	}
	return &Client{
		db:     circuitbreaker.NewDatabaseWrapper(rawDB, "request-store", logger),
		logger: logger,
		config: config,
		stopCh: make(chan struct{}),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	request_id   VARCHAR(64) PRIMARY KEY,
	product_name TEXT NOT NULL,
	status       VARCHAR(16) NOT NULL,
	document     TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
)`

const schemaIndex = `CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses (created_at)`

// Migrate creates the analyses table when missing
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range []string{schema, schemaIndex} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (c *Client) healthCheck() {
	defer c.healthWg.Done()
	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Ping verifies connectivity through the circuit breaker
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close stops background checks and closes the connection pool
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.healthWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	c.logger.Info("Database client closed")
	return nil
}

// IsPostgres reports whether row locks are available
func (c *Client) IsPostgres() bool {
	return c.db.DriverName() == DriverPostgres
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
