package worker

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultHousekeepingInterval = 60 * time.Minute

// housekeeper periodically retires stale IDLE workers and recovers
// quarantined and errored ones. The three sweeps run in parallel and a
// failure in one never blocks the others.
type housekeeper struct {
	pool     *Pool
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	stopped sync.WaitGroup
}

func newHousekeeper(pool *Pool, interval time.Duration, logger *slog.Logger) *housekeeper {
	if interval <= 0 {
		interval = defaultHousekeepingInterval
	}
	return &housekeeper{
		pool:     pool,
		interval: interval,
		logger:   logger.With("component", "housekeeper"),
	}
}

func (h *housekeeper) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil {
		return
	}
	h.done = make(chan struct{})
	h.stopped.Add(1)
	go h.loop(h.done)
}

func (h *housekeeper) stop() {
	h.mu.Lock()
	if h.done == nil {
		h.mu.Unlock()
		return
	}
	close(h.done)
	h.done = nil
	h.mu.Unlock()
	h.stopped.Wait()
}

func (h *housekeeper) loop(done <-chan struct{}) {
	defer h.stopped.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep runs one housekeeping round. Each sweep reports its own error;
// none aborts the others.
func (h *housekeeper) sweep() {
	start := time.Now()
	var retired, stoppedRec, errorRec int

	var g errgroup.Group
	g.Go(func() error {
		n, err := h.pool.CleanupIdleWorkers()
		retired = n
		if err != nil {
			h.logger.Warn("idle worker cleanup failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := h.pool.RecoverStoppedWorkers()
		stoppedRec = n
		if err != nil {
			h.logger.Warn("stopped worker recovery failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := h.pool.RecoverErrorWorkers()
		errorRec = n
		if err != nil {
			h.logger.Warn("error worker recovery failed", "error", err)
		}
		return nil
	})
	_ = g.Wait()

	if retired+stoppedRec+errorRec > 0 {
		h.logger.Info("housekeeping sweep",
			"retired", retired,
			"recovered_stopped", stoppedRec,
			"recovered_error", errorRec,
			"duration", time.Since(start))
	}
}
