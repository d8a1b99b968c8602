package main

import (
	"context"
	"fmt"
	"log"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/curriculum"
	"github.com/meridian-labs/coevolve/internal/evolution"
	"github.com/meridian-labs/coevolve/internal/generation"
	"github.com/meridian-labs/coevolve/internal/loop"
	"github.com/meridian-labs/coevolve/internal/orchestrator"
	"github.com/meridian-labs/coevolve/internal/runner"
	"github.com/meridian-labs/coevolve/internal/safety"
	"github.com/meridian-labs/coevolve/internal/server"
	"github.com/meridian-labs/coevolve/internal/store"
	"github.com/meridian-labs/coevolve/internal/telemetry"
)

// app is the fully wired loop process.
type app struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	runner  *runner.Runner
	server  *server.Server
	closers []func() error
}

// buildApp performs top-level dependency injection from config.
func buildApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	genSvc, err := generation.NewService(cfg.Generation)
	if err != nil {
		return fail(err)
	}

	policy, err := safety.LoadPolicy(cfg.Safety.PolicyFile)
	if err != nil {
		return fail(err)
	}
	gate := loop.NewSafetyGate(safety.NewValidator(policy), cfg.Safety.Timeout, nil)

	strategies, err := loop.BuiltinStrategies(cfg.Solver.Strategies, genSvc)
	if err != nil {
		return fail(err)
	}
	pool, err := loop.NewSolverPool(strategies, cfg.Solver.StrategyTimeout, cfg.Solver.MaxConcurrent, nil)
	if err != nil {
		return fail(err)
	}

	estimator := loop.NewUncertaintyEstimator(nil,
		cfg.Uncertainty.SimilarityThreshold, cfg.Uncertainty.BandLow, cfg.Uncertainty.BandHigh)

	cur, err := curriculum.NewManager(cfg.Curriculum, nil)
	if err != nil {
		return fail(err)
	}
	evo := evolution.NewEngine(cfg.Evolution, nil, nil)
	metrics := telemetry.New(cfg.Telemetry, nil, nil)

	journal, err := store.NewJournal(cfg.Storage.Journal.Dir)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, journal.Close)

	var cycleJournal loop.CycleJournal = journal
	var cycleSource server.CycleSource
	if cfg.Storage.Postgres.Enabled {
		archive, err := store.NewArchive(ctx, cfg.Storage.Postgres)
		if err != nil {
			return fail(fmt.Errorf("postgres archive: %w", err))
		}
		a.closers = append(a.closers, archive.Close)
		archiveLogger := log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags)
		cycleJournal = &store.MultiJournal{
			Primary:   journal,
			Secondary: []loop.CycleJournal{archive},
			OnError:   func(err error) { archiveLogger.Printf("archive append failed: %v", err) },
		}
		cycleSource = archive
	}

	var snapshots store.SnapshotStore
	if cfg.Storage.Redis.Enabled {
		rs, err := store.NewRedisSnapshots(ctx, cfg.Storage.Redis)
		if err != nil {
			return fail(fmt.Errorf("redis snapshots: %w", err))
		}
		a.closers = append(a.closers, rs.Close)
		snapshots = rs
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Generator:  loop.NewGenerator(genSvc, nil),
		Gate:       gate,
		Solvers:    pool,
		Estimator:  estimator,
		Curriculum: cur,
		Evolver:    evo,
		Journal:    cycleJournal,
		Metrics:    metrics,
	})
	if err != nil {
		return fail(err)
	}
	a.orch = orch

	a.runner, err = runner.New(cfg.Runner, orch, cur, evo, snapshots, nil)
	if err != nil {
		return fail(err)
	}
	a.server = server.New(cfg.Server, orch, cycleSource, nil)
	return a, nil
}

// Close releases every held resource in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
