// Package scheduler runs the engine's periodic maintenance: requeueing
// executions whose worker vanished, purging terminal executions past the
// retention horizon and compacting the database.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/eventflow/internal/store"
)

// DefaultTick is how often the housekeeper checks for due jobs.
const DefaultTick = 15 * time.Second

// Task is one maintenance job. It returns how many records it affected.
type Task func(ctx context.Context) (int64, error)

// JobStatus is a snapshot of a registered job.
type JobStatus struct {
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastCount  int64      `json:"last_count"`
}

type job struct {
	name     string
	expr     string
	schedule cron.Schedule
	task     Task

	nextRun    time.Time
	lastRun    *time.Time
	lastStatus string
	lastCount  int64
}

// Housekeeper runs registered maintenance jobs on cron schedules.
type Housekeeper struct {
	parser cron.Parser
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	jobsMu sync.Mutex
	jobs   map[string]*job

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewHousekeeper creates a Housekeeper checking for due jobs every tick.
func NewHousekeeper(logger *slog.Logger, tick time.Duration) *Housekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Housekeeper{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		tick:     tick,
		now:      time.Now,
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job under a cron expression. Standard five-field
// expressions and descriptors such as "@every 1m" are accepted.
func (h *Housekeeper) Add(name, cronExpr string, task Task) error {
	schedule, err := h.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for %s: %w", cronExpr, name, err)
	}
	h.jobsMu.Lock()
	defer h.jobsMu.Unlock()
	if _, exists := h.jobs[name]; exists {
		return fmt.Errorf("housekeeping job %q already registered", name)
	}
	h.jobs[name] = &job{
		name:     name,
		expr:     cronExpr,
		schedule: schedule,
		task:     task,
		nextRun:  schedule.Next(h.now().UTC()),
	}
	return nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (h *Housekeeper) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := h.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Start launches the background loop. Every job runs once immediately to
// catch up on work missed while the process was down.
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.done != nil {
		h.mu.Unlock()
		return fmt.Errorf("housekeeper already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.loop(loopCtx)
	h.logger.Info("housekeeper started", slog.Duration("tick", h.tick))
	return nil
}

func (h *Housekeeper) loop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	h.RunAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RunDue(ctx)
		}
	}
}

// RunDue runs every job whose next run time has passed and returns how
// many ran.
func (h *Housekeeper) RunDue(ctx context.Context) int {
	now := h.now().UTC()
	ran := 0
	for _, j := range h.snapshot() {
		if j.nextRun.After(now) {
			continue
		}
		if h.run(ctx, j, now) {
			ran++
		}
	}
	return ran
}

// RunAll runs every job regardless of schedule.
func (h *Housekeeper) RunAll(ctx context.Context) int {
	now := h.now().UTC()
	ran := 0
	for _, j := range h.snapshot() {
		if h.run(ctx, j, now) {
			ran++
		}
	}
	return ran
}

// RunNow runs the named job immediately.
func (h *Housekeeper) RunNow(ctx context.Context, name string) error {
	h.jobsMu.Lock()
	j, ok := h.jobs[name]
	h.jobsMu.Unlock()
	if !ok {
		return fmt.Errorf("housekeeping job %q not registered", name)
	}
	if !h.run(ctx, j, h.now().UTC()) {
		return fmt.Errorf("housekeeping job %q already running", name)
	}
	return nil
}

// Jobs returns the status of every registered job, sorted by name.
func (h *Housekeeper) Jobs() []JobStatus {
	h.jobsMu.Lock()
	defer h.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(h.jobs))
	for _, j := range h.jobs {
		out = append(out, JobStatus{
			Name:       j.name,
			Cron:       j.expr,
			NextRunAt:  j.nextRun,
			LastRunAt:  j.lastRun,
			LastStatus: j.lastStatus,
			LastCount:  j.lastCount,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// run executes j unless it is already in flight and records the outcome.
func (h *Housekeeper) run(ctx context.Context, j *job, now time.Time) bool {
	if !h.tryAcquire(j.name) {
		return false
	}
	defer h.release(j.name)

	count, err := j.task(ctx)
	status := "success"
	if err != nil {
		status = "error"
		h.logger.Error("housekeeping job failed", slog.String("job", j.name), slog.String("error", err.Error()))
	} else if count > 0 {
		h.logger.Info("housekeeping job done", slog.String("job", j.name), slog.Int64("affected", count))
	}

	h.jobsMu.Lock()
	j.lastRun = &now
	j.lastStatus = status
	j.lastCount = count
	j.nextRun = j.schedule.Next(now)
	h.jobsMu.Unlock()
	return true
}

func (h *Housekeeper) snapshot() []*job {
	h.jobsMu.Lock()
	defer h.jobsMu.Unlock()
	out := make([]*job, 0, len(h.jobs))
	for _, j := range h.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].name < out[b].name })
	return out
}

func (h *Housekeeper) tryAcquire(name string) bool {
	h.inflightMu.Lock()
	defer h.inflightMu.Unlock()
	if _, ok := h.inflight[name]; ok {
		return false
	}
	h.inflight[name] = struct{}{}
	return true
}

func (h *Housekeeper) release(name string) {
	h.inflightMu.Lock()
	defer h.inflightMu.Unlock()
	delete(h.inflight, name)
}

// Stop gracefully shuts down the loop, waiting for a running job.
func (h *Housekeeper) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel == nil {
		return nil
	}

	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil

	h.logger.Info("housekeeper stopped")
	return nil
}

// --- Tasks ---

// Recoverer requeues executions whose claim outlived the lease.
// Satisfied by *engine.Executor.
type Recoverer interface {
	RecoverStale(ctx context.Context, leaseTimeout time.Duration) (int, error)
}

// RecoverTask requeues running executions whose claim is older than lease.
func RecoverTask(r Recoverer, lease time.Duration) Task {
	return func(ctx context.Context) (int64, error) {
		n, err := r.RecoverStale(ctx, lease)
		return int64(n), err
	}
}

// PurgeTask deletes terminal executions finished more than retention ago.
func PurgeTask(s store.Store, retention time.Duration, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (int64, error) {
		if retention <= 0 {
			return 0, nil
		}
		return s.PurgeExecutions(ctx, now().UTC().Add(-retention))
	}
}

// VacuumTask compacts the database file.
func VacuumTask(s store.Store) Task {
	return func(ctx context.Context) (int64, error) {
		return 0, s.Vacuum(ctx)
	}
}
