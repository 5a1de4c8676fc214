/*
scheduler.go - Automated contract status sweep

PURPOSE:
  Periodically persists the time-driven status transitions
  (Current -> DueSoon -> PastDue -> Defaulted) so listings and reports see
  the same status a settlement would compute.

DESIGN:
  - Runs on a cron schedule (robfig/cron), default "@hourly"
  - Runs once immediately on Start
  - Overlapping runs are skipped; a panicking run is recovered and logged
  - Each contract is updated in its own version-checked unit of work, so a
    sweep never overwrites a concurrent settlement

USAGE:
  sweeper := NewStatusSweeper(coordinator, policy, "@hourly")
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - credit/sweep.go: SweepStatuses
  - credit/status.go: StatusAt
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/pawn-engine/credit"
)

// StatusSweeper runs SweepStatuses on a schedule.
type StatusSweeper struct {
	Coordinator *credit.Coordinator
	Policy      credit.StatusPolicy
	Schedule    string
	Timeout     time.Duration
	Log         logrus.FieldLogger

	mu      sync.Mutex
	cron    *cron.Cron
	initial sync.WaitGroup
	lastRun credit.SweepResult
}

// NewStatusSweeper creates a sweeper for all tenants.
func NewStatusSweeper(coord *credit.Coordinator, policy credit.StatusPolicy, schedule string) *StatusSweeper {
	return &StatusSweeper{
		Coordinator: coord,
		Policy:      policy,
		Schedule:    schedule,
		Timeout:     5 * time.Minute,
		Log:         coord.Log.WithField("component", "status_sweeper"),
	}
}

// Start registers the job and starts the cron runner. An empty schedule
// disables the sweeper.
func (s *StatusSweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Schedule == "" {
		s.Log.Info("disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	logger := cron.PrintfLogger(s.Log)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.Schedule, s.RunOnce); err != nil {
		return err
	}
	c.Start()
	s.cron = c

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.RunOnce()
	}()

	s.Log.WithField("schedule", s.Schedule).Info("started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *StatusSweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.initial.Wait()
	s.Log.Info("stopped")
}

// RunOnce sweeps every tenant now.
func (s *StatusSweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	start := time.Now()
	res, err := s.Coordinator.SweepStatuses(ctx, "", s.Policy)
	if err != nil {
		s.Log.WithError(err).Error("status sweep failed")
		return
	}

	s.mu.Lock()
	s.lastRun = res
	s.mu.Unlock()

	s.Log.WithFields(logrus.Fields{
		"checked":   res.Checked,
		"updated":   res.Updated,
		"conflicts": res.Conflicts,
		"failed":    res.Failed,
		"duration":  time.Since(start).String(),
	}).Info("status sweep complete")
}

// LastRun returns the counters of the most recent completed sweep.
func (s *StatusSweeper) LastRun() credit.SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
