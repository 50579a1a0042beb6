package worker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/state"
)

// allocationTTL bounds how long a worker handed out by
// GetAvailableWorker stays reserved before an assignment must have
// claimed it. An expired reservation makes the worker allocatable again.
const allocationTTL = 30 * time.Second

// Pool owns a bounded collection of workers between the configured
// minimum and maximum. Allocation is serialized so concurrent callers
// never receive the same worker.
type Pool struct {
	cfg  config.PoolConfig
	deps Deps

	// allocMu is the single allocation lock.
	allocMu sync.Mutex

	mu          sync.RWMutex
	workers     map[string]*Instance
	initialized bool

	housekeeper *housekeeper
	logger      *slog.Logger
}

// NewPool creates an uninitialized pool. Call InitializePool before use.
func NewPool(cfg config.PoolConfig, deps Deps) *Pool {
	deps.normalize()
	if cfg.MinWorkers < 0 {
		cfg.MinWorkers = 0
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = config.Default().Pool.MaxWorkers
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}

	p := &Pool{
		cfg:     cfg,
		deps:    deps,
		workers: make(map[string]*Instance),
		logger:  deps.Logger.With("component", "worker_pool"),
	}
	p.housekeeper = newHousekeeper(p, cfg.CleanupInterval.Std(), p.logger)
	return p
}

func newWorkerID() string {
	return "worker-" + uuid.New().String()[:8]
}

// InitializePool reconstructs workers from durable records, purges the
// ones that cannot be restored, tops the pool up to its minimum size and
// starts the housekeeper. Safe to call once per process.
func (p *Pool) InitializePool() error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}

	restored, purged := 0, 0
	for _, rec := range p.deps.Store.GetAllWorkers() {
		inst, err := p.restoreWorker(rec)
		if err != nil {
			p.logger.Warn("purging unrestorable worker record",
				"worker_id", rec.ID,
				"error", err)
			purged++
			if derr := p.deps.Store.DeleteWorker(rec.ID); derr != nil {
				p.logger.Warn("purge worker record", "worker_id", rec.ID, "error", derr)
			}
			continue
		}
		p.workers[inst.ID()] = inst
		restored++
	}

	created := 0
	for len(p.workers) < p.cfg.MinWorkers {
		inst, err := p.newWorkerLocked(state.KindPool)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("create pool worker: %w", err)
		}
		p.workers[inst.ID()] = inst
		created++
	}

	p.initialized = true
	p.mu.Unlock()

	p.housekeeper.start()
	p.logger.Info("worker pool initialized",
		"restored", restored,
		"purged", purged,
		"created", created,
		"min_workers", p.cfg.MinWorkers,
		"max_workers", p.cfg.MaxWorkers)
	return nil
}

// restoreWorker rebuilds an in-memory worker from a durable record.
func (p *Pool) restoreWorker(rec *state.Worker) (*Instance, error) {
	if rec == nil || rec.ID == "" {
		return nil, fmt.Errorf("record has no id")
	}
	if rec.Status != state.WorkerIdle && rec.Status != "" && rec.CurrentTask == nil {
		return nil, fmt.Errorf("record is %s without a task", rec.Status)
	}
	if _, exists := p.workers[rec.ID]; exists {
		return nil, fmt.Errorf("duplicate worker id")
	}

	kind := rec.Kind
	if kind == "" {
		kind = state.KindPool
	}
	inst := NewInstance(rec.ID, kind, p.deps)
	inst.restore(rec)

	// A record saved mid-execution comes back WAITING; persist the
	// demotion so the record matches.
	if rec.Status == state.WorkerWorking {
		if err := p.deps.Store.SaveWorker(inst.Snapshot()); err != nil {
			return nil, fmt.Errorf("persist restored worker: %w", err)
		}
	}
	return inst, nil
}

// newWorkerLocked creates and persists a fresh IDLE worker. Caller holds
// p.mu.
func (p *Pool) newWorkerLocked(kind state.WorkerKind) (*Instance, error) {
	id := newWorkerID()
	for p.workers[id] != nil {
		id = newWorkerID()
	}
	inst := NewInstance(id, kind, p.deps)
	if err := p.deps.Store.SaveWorker(inst.Snapshot()); err != nil {
		return nil, fmt.Errorf("persist worker %s: %w", id, err)
	}
	return inst, nil
}

// GetAvailableWorker returns an IDLE worker, creating a temporary one if
// the pool is below its maximum. The returned worker is reserved for
// allocationTTL so concurrent allocations cannot hand it out twice.
// Returns ErrNoIdleWorker when the pool is saturated.
func (p *Pool) GetAvailableWorker() (*Instance, error) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	p.mu.RLock()
	if !p.initialized {
		p.mu.RUnlock()
		return nil, ErrPoolNotInitialized
	}
	candidates := make([]*Instance, 0, len(p.workers))
	for _, inst := range p.workers {
		candidates = append(candidates, inst)
	}
	size := len(p.workers)
	p.mu.RUnlock()

	// Oldest first keeps allocation stable across map iteration order.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})
	for _, inst := range candidates {
		if inst.tryReserve(allocationTTL) {
			return inst, nil
		}
	}

	if size >= p.cfg.MaxWorkers {
		return nil, ErrNoIdleWorker
	}

	p.mu.Lock()
	inst, err := p.newWorkerLocked(state.KindTemporary)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.workers[inst.ID()] = inst
	p.mu.Unlock()

	inst.tryReserve(allocationTTL)
	p.logger.Info("temporary worker created", "worker_id", inst.ID())
	return inst, nil
}

// AssignWorkerTask hands a task to a worker, backing up the durable
// record first and restoring it if the assignment fails.
func (p *Pool) AssignWorkerTask(id string, task *state.WorkerTask) error {
	inst := p.GetWorkerInstance(id)
	if inst == nil {
		return fmt.Errorf("worker %s not found", id)
	}

	backup, hadRecord := p.deps.Store.GetWorker(id)
	if err := inst.AssignTask(task); err != nil {
		if hadRecord {
			if rerr := p.deps.Store.SaveWorker(backup); rerr != nil {
				p.logger.Warn("restore worker record after failed assignment",
					"worker_id", id,
					"error", rerr)
			}
		}
		return err
	}
	return nil
}

// GetWorkerInstance returns the in-memory worker with the given id.
func (p *Pool) GetWorkerInstance(id string) *Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers[id]
}

// GetWorkerByTaskID scans for the worker currently holding taskID.
func (p *Pool) GetWorkerByTaskID(taskID string) *Instance {
	if taskID == "" {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, inst := range p.workers {
		if inst.TaskID() == taskID {
			return inst
		}
	}
	return nil
}

// Workers returns a snapshot of all in-memory workers.
func (p *Pool) Workers() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Instance, 0, len(p.workers))
	for _, inst := range p.workers {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Snapshots returns durable-record views of all in-memory workers,
// sorted by id. Status surfaces read these instead of holding Instance
// references.
func (p *Pool) Snapshots() []*state.Worker {
	workers := p.Workers()
	out := make([]*state.Worker, 0, len(workers))
	for _, inst := range workers {
		out = append(out, inst.Snapshot())
	}
	return out
}

// Size returns the worker count.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// ReleaseWorker finishes a worker's engagement: pool workers return to
// IDLE and keep their durable record; temporary workers are evicted
// entirely.
func (p *Pool) ReleaseWorker(id string) error {
	inst := p.GetWorkerInstance(id)
	if inst == nil {
		return fmt.Errorf("worker %s not found", id)
	}

	taskID := inst.TaskID()
	inst.CancelExecution()

	if inst.Kind() == state.KindTemporary {
		p.mu.Lock()
		delete(p.workers, id)
		p.mu.Unlock()
		if err := p.deps.Store.DeleteWorker(id); err != nil {
			p.logger.Warn("delete temporary worker record", "worker_id", id, "error", err)
		}
		p.logger.Info("temporary worker evicted", "worker_id", id, "task_id", taskID)
		return nil
	}

	p.logger.Info("worker released", "worker_id", id, "task_id", taskID)
	return nil
}

// CleanupIdleWorkers retires IDLE workers whose last activity predates
// the idle timeout, never shrinking below the configured minimum. The
// allocation lock is held throughout so a concurrent allocation cannot
// claim a worker being retired.
func (p *Pool) CleanupIdleWorkers() (int, error) {
	idleTimeout := p.cfg.IdleTimeout.Std()
	if idleTimeout <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-idleTimeout)

	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	p.mu.Lock()
	var stale []*Instance
	for _, inst := range p.workers {
		if inst.Status() == state.WorkerIdle && inst.LastActiveAt().Before(cutoff) {
			stale = append(stale, inst)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastActiveAt().Before(stale[j].LastActiveAt())
	})

	retired := 0
	for _, inst := range stale {
		if len(p.workers) <= p.cfg.MinWorkers {
			break
		}
		delete(p.workers, inst.ID())
		if err := p.deps.Store.DeleteWorker(inst.ID()); err != nil {
			p.logger.Warn("delete retired worker record", "worker_id", inst.ID(), "error", err)
		}
		p.logger.Info("idle worker retired", "worker_id", inst.ID())
		retired++
	}
	p.mu.Unlock()

	// Sweep orphaned durable records (no in-memory instance). Records of
	// live workers spared by the minimum are re-persisted.
	swept, err := p.deps.Store.CleanupIdleWorkers(cutoff)
	if err != nil {
		return retired, fmt.Errorf("sweep idle worker records: %w", err)
	}
	for _, id := range swept {
		if inst := p.GetWorkerInstance(id); inst != nil {
			if serr := p.deps.Store.SaveWorker(inst.Snapshot()); serr != nil {
				p.logger.Warn("re-persist spared worker", "worker_id", id, "error", serr)
			}
		}
	}
	return retired, nil
}

// QuarantineRemaining reports how long a STOPPED worker must still sit
// out before it may resume. Zero once the window has lapsed, or when no
// recovery timeout is configured.
func (p *Pool) QuarantineRemaining(inst *Instance) time.Duration {
	timeout := p.cfg.WorkerTimeout.Std()
	if timeout <= 0 {
		return 0
	}
	if remaining := timeout - time.Since(inst.LastActiveAt()); remaining > 0 {
		return remaining
	}
	return 0
}

// RecoverStoppedWorkers returns quarantined workers to WAITING once
// their last activity predates the recovery timeout.
func (p *Pool) RecoverStoppedWorkers() (int, error) {
	return p.recover(state.WorkerStopped, p.cfg.WorkerTimeout.Std())
}

// RecoverErrorWorkers returns ERROR workers to WAITING after half the
// recovery timeout.
func (p *Pool) RecoverErrorWorkers() (int, error) {
	return p.recover(state.WorkerError, p.cfg.WorkerTimeout.Std()/2)
}

func (p *Pool) recover(from state.WorkerStatus, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-timeout)

	recovered := 0
	for _, inst := range p.Workers() {
		if inst.Status() != from || !inst.LastActiveAt().Before(cutoff) {
			continue
		}
		if err := inst.ResumeExecution(); err != nil {
			// Lost a race with another transition; skip.
			continue
		}
		p.logger.Info("worker recovered",
			"worker_id", inst.ID(),
			"from", from,
			"task_id", inst.TaskID())
		recovered++
	}
	return recovered, nil
}

// Shutdown stops the housekeeper and marks the pool uninitialized.
// Worker instances and their durable records are left intact for the
// next run.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return
	}
	p.initialized = false
	p.mu.Unlock()

	p.housekeeper.stop()
	p.logger.Info("worker pool shut down", "workers", p.Size())
}
