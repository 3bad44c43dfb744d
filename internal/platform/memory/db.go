package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/store"
)

// DB holds every record of the in-memory backend behind a single lock.
type DB struct {
	mu         sync.RWMutex
	txMu       sync.Mutex
	tasks      map[uuid.UUID]*domain.TaskRecord
	jobs       map[uuid.UUID]*domain.BatchJob
	executions map[uuid.UUID]*domain.TaskExecution
	results    map[uuid.UUID]*domain.TaskResult
	logger     *slog.Logger
}

// New creates an empty in-memory database.
func New(logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		tasks:      make(map[uuid.UUID]*domain.TaskRecord),
		jobs:       make(map[uuid.UUID]*domain.BatchJob),
		executions: make(map[uuid.UUID]*domain.TaskExecution),
		results:    make(map[uuid.UUID]*domain.TaskResult),
		logger:     logger.With("component", "memory_store"),
	}
}

// Stores returns the record stores backed by db.
func (db *DB) Stores() store.Stores {
	return db.stores(nil)
}

func (db *DB) stores(tx *memTx) store.Stores {
	return store.Stores{
		Tasks:      &TaskStore{db: db, tx: tx},
		Jobs:       &BatchJobStore{db: db, tx: tx},
		Executions: &ExecutionStore{db: db, tx: tx},
		Results:    &ResultStore{db: db, tx: tx},
	}
}

var _ store.Transactor = (*DB)(nil)

// InTx runs fn with stores whose writes are undone if fn fails. Transactions
// are serialized against each other but not against plain writes.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, s store.Stores) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	tx := &memTx{}
	if err := fn(ctx, db.stores(tx)); err != nil {
		db.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		db.mu.Unlock()
		db.logger.Debug("rolled back in-memory transaction",
			"error", err,
			"undone_writes", len(tx.undo))
		return err
	}
	return nil
}

// memTx collects undo actions. They run with db.mu held.
type memTx struct {
	undo []func()
}

func (tx *memTx) record(f func()) {
	if tx != nil {
		tx.undo = append(tx.undo, f)
	}
}
