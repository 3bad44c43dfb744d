package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/metrics"
	"github.com/phrazzld/scry-queue/internal/queue"
	"github.com/phrazzld/scry-queue/internal/store"
)

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int

	Worker WorkerConfig

	// PromoteInterval is how often due delayed tasks are moved to their tier.
	PromoteInterval time.Duration

	// StuckTaskAge defines how long a task can stay RUNNING without an
	// update before it is considered stuck and retried
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck tasks
	StuckTaskCheckInterval time.Duration
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:            2,
		Worker:                 DefaultWorkerConfig(),
		PromoteInterval:        time.Second,
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: 5 * time.Minute,
	}
}

// WorkerPool runs a set of workers together with the delayed-task promoter
// and the stuck-task reaper. It handles graceful shutdown and worker
// lifecycle.
type WorkerPool struct {
	manager *queue.Manager
	records store.TaskStore
	workers []*Worker
	reaper  *Reaper
	config  WorkerPoolConfig

	// wg tracks active goroutines for clean shutdown
	wg sync.WaitGroup

	// ctx is used for cancellation and shutdown signaling
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool

	logger *slog.Logger
}

// NewWorkerPool creates a new worker pool with the specified configuration.
// The stuck-task reaper only runs when stores.Tasks is set.
func NewWorkerPool(
	manager *queue.Manager,
	registry *HandlerRegistry,
	stores store.Stores,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker_pool")

	def := DefaultWorkerPoolConfig()
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.PromoteInterval <= 0 {
		config.PromoteInterval = def.PromoteInterval
	}
	if config.StuckTaskAge <= 0 {
		config.StuckTaskAge = def.StuckTaskAge
	}
	if config.StuckTaskCheckInterval <= 0 {
		config.StuckTaskCheckInterval = def.StuckTaskCheckInterval
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		manager: manager,
		records: stores.Tasks,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	for i := 0; i < config.WorkerCount; i++ {
		id := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i)
		p.workers = append(p.workers, NewWorker(id, manager, registry, stores, config.Worker, logger))
	}
	if stores.Tasks != nil {
		p.reaper = NewReaper(manager, stores.Tasks, config.StuckTaskAge, logger)
	}
	return p
}

// SetReconciler sets the batch job reconciler on every worker.
func (p *WorkerPool) SetReconciler(r JobReconciler) {
	for _, w := range p.workers {
		w.SetReconciler(r)
	}
}

// Start launches the workers and the background loops. Calling Start twice
// is an error.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true

	p.logger.Info("starting worker pool",
		"worker_count", len(p.workers),
		"promote_interval", p.config.PromoteInterval,
		"stuck_task_age", p.config.StuckTaskAge)

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.promoteLoop()
	}()

	if p.reaper != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.reapLoop()
		}()
	}
	return nil
}

// Stop signals every goroutine to stop and waits for them. Tasks that were
// running are handed back to the queue by their workers.
func (p *WorkerPool) Stop() {
	p.logger.Info("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *WorkerPool) promoteLoop() {
	ticker := time.NewTicker(p.config.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := p.manager.PromoteDelayedTasks(p.ctx); err != nil && p.ctx.Err() == nil {
			p.logger.Error("failed to promote delayed tasks", "error", err)
		}
		p.recordQueueDepth()
	}
}

func (p *WorkerPool) recordQueueDepth() {
	st, err := p.manager.Stats(p.ctx)
	if err != nil {
		if p.ctx.Err() == nil {
			p.logger.Debug("failed to read queue stats", "error", err)
		}
		return
	}
	for _, tier := range domain.Priorities {
		metrics.QueueDepth.WithLabelValues(string(tier)).Set(float64(st.Pending[tier]))
	}
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(st.Delayed))
}

func (p *WorkerPool) reapLoop() {
	ticker := time.NewTicker(p.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := p.reaper.Reap(p.ctx); err != nil && p.ctx.Err() == nil {
			p.logger.Error("failed to check for stuck tasks", "error", err)
		}
	}
}
