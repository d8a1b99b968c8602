// Package runner drives the loop continuously: cadence, retry on generation
// outages, and periodic state snapshots.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorhill/cronexpr"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/curriculum"
	"github.com/meridian-labs/coevolve/internal/evolution"
	"github.com/meridian-labs/coevolve/internal/loop"
	"github.com/meridian-labs/coevolve/internal/orchestrator"
	"github.com/meridian-labs/coevolve/internal/store"
)

// Runner repeats cycles on a fixed interval or a cron cadence until its
// context ends. Snapshots may be nil; state then lives only in the journal.
type Runner struct {
	cfg        config.RunnerConfig
	orch       *orchestrator.Orchestrator
	curriculum *curriculum.Manager
	evolver    *evolution.Engine
	snapshots  store.SnapshotStore
	logger     *log.Logger

	cron *cronexpr.Expression
}

// New builds a runner. The cron spec, when set, wins over the interval.
func New(cfg config.RunnerConfig, orch *orchestrator.Orchestrator, cur *curriculum.Manager, evo *evolution.Engine, snapshots store.SnapshotStore, logger *log.Logger) (*Runner, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[RUNNER] ", log.LstdFlags)
	}
	r := &Runner{
		cfg:        cfg,
		orch:       orch,
		curriculum: cur,
		evolver:    evo,
		snapshots:  snapshots,
		logger:     logger,
	}
	if cfg.CronSpec != "" {
		expr, err := cronexpr.Parse(cfg.CronSpec)
		if err != nil {
			return nil, fmt.Errorf("runner.cron_spec: %w", err)
		}
		r.cron = expr
	}
	return r, nil
}

// Restore overlays persisted curriculum and policy state from the snapshot
// store. Call once before Run.
func (r *Runner) Restore(ctx context.Context) error {
	if r.snapshots == nil {
		return nil
	}
	states, err := r.snapshots.LoadCurriculum(ctx)
	if err != nil {
		return fmt.Errorf("load curriculum snapshot: %w", err)
	}
	if len(states) > 0 {
		r.curriculum.Restore(states)
		r.logger.Printf("restored curriculum state for %d domains", len(states))
	}
	policy, ok, err := r.snapshots.LoadPolicy(ctx)
	if err != nil {
		return fmt.Errorf("load policy snapshot: %w", err)
	}
	if ok {
		r.evolver.Restore(policy)
		r.logger.Printf("restored policy version %d", r.evolver.Current().Version)
	}
	return nil
}

// Run blocks, executing cycles until ctx is cancelled. A generation outage is
// retried with exponential backoff inside the same slot; any other cycle
// error is logged and the cadence continues.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Printf("loop runner started")
	completed := 0
	for {
		if err := r.wait(ctx); err != nil {
			r.snapshot()
			r.logger.Printf("loop runner stopped")
			return nil
		}
		if err := r.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Printf("cycle failed: %v", err)
			continue
		}
		completed++
		if completed%r.cfg.SnapshotEvery == 0 {
			r.snapshot()
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) error {
	op := func() error {
		_, err := r.orch.RunCycle(ctx)
		if err == nil {
			return nil
		}
		var unavailable loop.ErrGenerationUnavailable
		if errors.As(err, &unavailable) {
			// Nothing was recorded; the whole cycle is safe to retry.
			r.logger.Printf("generation unavailable, retrying: %v", err)
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(op, policy)
}

// wait sleeps until the next cadence slot or context cancellation.
func (r *Runner) wait(ctx context.Context) error {
	var delay time.Duration
	if r.cron != nil {
		now := time.Now()
		delay = r.cron.Next(now).Sub(now)
	} else {
		delay = r.cfg.Interval
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// snapshot saves curriculum and policy state. Failures are logged; the
// journal remains the authoritative record either way.
func (r *Runner) snapshot() {
	if r.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.snapshots.SaveCurriculum(ctx, r.curriculum.Snapshot()); err != nil {
		r.logger.Printf("saving curriculum snapshot: %v", err)
	}
	if err := r.snapshots.SavePolicy(ctx, r.evolver.Current()); err != nil {
		r.logger.Printf("saving policy snapshot: %v", err)
	}
}
