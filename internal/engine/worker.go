package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/eventflow/internal/store"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool for concurrent execution runs.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit enqueues work into the pool. It blocks if the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for active work to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Available returns how many submissions would start without blocking.
func (p *WorkerPool) Available() int {
	return cap(p.sem) - len(p.sem)
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// Worker defaults.
const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 16
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	ID           string        // claim owner; generated when empty
	PoolSize     int           // concurrent runs
	PollInterval time.Duration // delay between claim sweeps
	BatchSize    int           // max executions claimed per sweep, capped by free pool slots
	Logger       *slog.Logger
}

// Worker claims due executions and runs them on the executor.
type Worker struct {
	id       string
	store    store.Store
	executor *Executor
	pool     *WorkerPool
	config   WorkerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a Worker with its own bounded pool.
func NewWorker(s store.Store, executor *Executor, cfg WorkerConfig) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.New().String()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:       cfg.ID,
		store:    s,
		executor: executor,
		pool:     NewWorkerPool(cfg.PoolSize),
		config:   cfg,
		logger:   logger.With(slog.String("worker", cfg.ID)),
		now:      time.Now,
	}
}

// ID returns the claim owner identifier of the worker.
func (w *Worker) ID() string { return w.id }

// Metrics returns the worker pool metrics.
func (w *Worker) Metrics() PoolMetrics { return w.pool.Metrics() }

// RunNow claims one execution and runs it in the caller's goroutine.
// A lost claim race or an execution that is not due fails with CONFLICT.
// Once claimed, the run is not interrupted by cancellation of ctx.
func (w *Worker) RunNow(ctx context.Context, executionID string) (*RunResult, error) {
	claim, err := w.store.ClaimExecution(ctx, executionID, w.id, w.now().UTC())
	if err != nil {
		return nil, err
	}
	return w.executor.Run(context.WithoutCancel(ctx), claim)
}

// Poll claims due executions for the free pool slots, at most one batch,
// and submits them to the pool. It returns how many were submitted.
// Poll is not safe for concurrent use on one Worker.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	limit := min(w.config.BatchSize, w.pool.Available())
	if limit == 0 {
		return 0, nil
	}
	claims, err := w.store.ClaimDue(ctx, w.id, w.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	for i, claim := range claims {
		claim := claim
		err := w.pool.Submit(ctx, func(ctx context.Context) error {
			// Shutdown drains in-flight runs instead of interrupting them.
			_, err := w.executor.Run(context.WithoutCancel(ctx), claim)
			if err != nil {
				w.logger.Error("execution run aborted",
					slog.String("execution_id", claim.Execution.ID),
					slog.String("error", err.Error()))
			}
			return err
		})
		if err != nil {
			// Unsubmitted claims stay running until lease recovery.
			w.logger.Warn("submit claimed execution", slog.Int("dropped", len(claims)-i), slog.String("error", err.Error()))
			return i, err
		}
	}
	return len(claims), nil
}

// Start polls for due executions until ctx is cancelled, then waits for
// in-flight runs to finish.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.Int("pool_size", w.config.PoolSize),
		slog.Duration("poll_interval", w.config.PollInterval))

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("poll failed", slog.String("error", err.Error()))
		}
		// A full batch means more work is probably due; sweep again at once.
		if n < w.config.BatchSize {
			select {
			case <-ctx.Done():
				w.pool.Shutdown()
				w.logger.Info("worker stopped")
				return nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			w.pool.Shutdown()
			w.logger.Info("worker stopped")
			return nil
		}
	}
}

// Wait blocks until every submitted run has finished.
func (w *Worker) Wait() { w.pool.Wait() }
