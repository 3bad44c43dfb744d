package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/phrazzld/scry-queue/internal/platform/logger"
	"github.com/phrazzld/scry-queue/internal/store"
)

// PoolConfig holds connection pool settings. Zero values fall back to the
// defaults used by Open.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL through the pgx database/sql driver, applies
// the pool settings, and verifies the connection with a ping.
func Open(ctx context.Context, url string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 10
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 5
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// DB bundles the PostgreSQL stores over one connection pool.
type DB struct {
	sqlDB  *sql.DB
	logger *slog.Logger
}

var _ store.Transactor = (*DB)(nil)

// NewDB wraps an open connection pool.
func NewDB(sqlDB *sql.DB, log *slog.Logger) *DB {
	if sqlDB == nil {
		panic("sqlDB cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &DB{sqlDB: sqlDB, logger: log}
}

// SQL returns the underlying connection pool.
func (db *DB) SQL() *sql.DB {
	return db.sqlDB
}

// Stores returns the record stores bound to the pool.
func (db *DB) Stores() store.Stores {
	return store.Stores{
		Tasks:      NewTaskStore(db.sqlDB, db.logger),
		Jobs:       NewBatchJobStore(db.sqlDB, db.logger),
		Executions: NewExecutionStore(db.sqlDB, db.logger),
		Results:    NewResultStore(db.sqlDB, db.logger),
	}
}

// InTx runs fn with stores bound to a single transaction.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, s store.Stores) error) error {
	ctx = logger.WithLogger(ctx, logger.FromContextOrDefault(ctx, db.logger))
	return store.RunInTransaction(ctx, db.sqlDB, func(ctx context.Context, tx *sql.Tx) error {
		base := db.Stores()
		return fn(ctx, store.Stores{
			Tasks:      base.Tasks.WithTx(tx),
			Jobs:       base.Jobs.WithTx(tx),
			Executions: base.Executions.WithTx(tx),
			Results:    base.Results.WithTx(tx),
		})
	})
}
