/*
scheduler.go - Automated score reconciliation

PURPOSE:
  Periodically rebuilds every cached score from the ledger. Score
  increments happen after the completion is stored, so a crash or store
  error between the two leaves the cache behind; this loop repairs it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass calls Accumulator.ReconcileAll
  - Divergences are logged by the accumulator and counted in metrics

CONFIGURATION:
  - CheckInterval: How often to run (default: 5 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(accumulator, metrics, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReconcileScore endpoint (manual, single user)
  - engine/accumulator.go: Reconcile, ReconcileAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/ecoboard/engine"
	"github.com/warp/ecoboard/logging"
	"github.com/warp/ecoboard/metrics"
)

// ReconciliationScheduler runs score reconciliation in the background.
type ReconciliationScheduler struct {
	Scores        *engine.Accumulator
	Metrics       *metrics.Metrics
	CheckInterval time.Duration
	Enabled       bool

	log    *logging.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.Mutex
	lastRun time.Time
	last    engine.ReconcileSummary
}

func NewReconciliationScheduler(scores *engine.Accumulator, m *metrics.Metrics, log *logging.Logger) *ReconciliationScheduler {
	if log == nil {
		log = logging.New("Scheduler")
	}
	return &ReconciliationScheduler{
		Scores:        scores,
		Metrics:       m,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		log:           log,
	}
}

// Start begins the scheduler. A stopped scheduler can be started again.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.log.Infof("Disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker.C, rs.stop)

	rs.log.Infof("Started with check interval: %v", rs.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight pass.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Infof("Stopped")
	}
}

func (rs *ReconciliationScheduler) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(context.Background())

	for {
		select {
		case <-tick:
			rs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one reconciliation pass (for testing/admin).
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) engine.ReconcileSummary {
	start := time.Now()
	sum, err := rs.Scores.ReconcileAll(ctx)
	rs.Metrics.ReconcileRun(err)
	if err != nil {
		rs.log.Errorf("Reconcile pass failed: %v", err)
	}
	if sum.Diverged > 0 || sum.Failed > 0 {
		rs.log.Infof("Completed in %v: %d checked, %d repaired, %d failed",
			time.Since(start).Round(time.Millisecond), sum.Checked, sum.Diverged, sum.Failed)
	} else {
		rs.log.Debugf("Completed: %d checked, all consistent", sum.Checked)
	}

	rs.lastMu.Lock()
	rs.lastRun, rs.last = start, sum
	rs.lastMu.Unlock()
	return sum
}

// LastRun returns when the previous pass started and what it found.
func (rs *ReconciliationScheduler) LastRun() (time.Time, engine.ReconcileSummary) {
	rs.lastMu.Lock()
	defer rs.lastMu.Unlock()
	return rs.lastRun, rs.last
}
