package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/curriculum"
	"github.com/meridian-labs/coevolve/internal/evolution"
	"github.com/meridian-labs/coevolve/internal/loop"
	"github.com/meridian-labs/coevolve/internal/orchestrator"
	"github.com/meridian-labs/coevolve/internal/telemetry"
)

type staticService struct{}

func (staticService) GenerateText(context.Context, string) (string, error) {
	return "generated text", nil
}

type approveAll struct{}

func (approveAll) Validate(context.Context, string) (loop.SafetyVerdict, error) {
	return loop.SafetyVerdict{Safe: true}, nil
}

type fixedStrategy struct{ id string }

func (s fixedStrategy) ID() string { return s.id }
func (s fixedStrategy) Attempt(context.Context, loop.Challenge) (string, float64, error) {
	return "same answer", 0.9, nil
}

type countingJournal struct {
	mu sync.Mutex
	n  int
}

func (j *countingJournal) AppendCycle(context.Context, loop.LearningCycle) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.n++
	return nil
}

func (j *countingJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.n
}

type memSnapshots struct {
	mu         sync.Mutex
	curriculum []loop.CurriculumState
	policy     loop.PolicyState
	hasPolicy  bool
}

func (m *memSnapshots) SaveCurriculum(_ context.Context, states []loop.CurriculumState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.curriculum = states
	return nil
}

func (m *memSnapshots) LoadCurriculum(context.Context) ([]loop.CurriculumState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curriculum, nil
}

func (m *memSnapshots) SavePolicy(_ context.Context, state loop.PolicyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = state
	m.hasPolicy = true
	return nil
}

func (m *memSnapshots) LoadPolicy(context.Context) (loop.PolicyState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy, m.hasPolicy, nil
}

func buildLoop(t *testing.T, journal loop.CycleJournal) (*orchestrator.Orchestrator, *curriculum.Manager, *evolution.Engine) {
	t.Helper()
	cur, err := curriculum.NewManager(config.CurriculumConfig{
		Domains:          []string{"programming", "reasoning"},
		EMAAlpha:         0.2,
		PromoteThreshold: 0.7,
		DemoteThreshold:  0.3,
		MinCyclesAtTier:  3,
		RotationWindow:   20,
	}, nil)
	if err != nil {
		t.Fatalf("curriculum: %v", err)
	}
	evo := evolution.NewEngine(config.EvolutionConfig{
		LearningRate: 0.05, RewardWindow: 10, OptimalUncertainty: 0.5, MaxDelta: 0.25,
	}, nil, nil)
	pool, err := loop.NewSolverPool([]loop.Strategy{fixedStrategy{"a"}, fixedStrategy{"b"}}, time.Second, 0, nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Generator:  loop.NewGenerator(staticService{}, nil),
		Gate:       loop.NewSafetyGate(approveAll{}, time.Second, nil),
		Solvers:    pool,
		Estimator:  loop.NewUncertaintyEstimator(nil, 0.82, 0.3, 0.7),
		Curriculum: cur,
		Evolver:    evo,
		Journal:    journal,
		Metrics:    telemetry.New(config.TelemetryConfig{Enabled: false, TrendWindow: 12}, nil, prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return orch, cur, evo
}

func TestRunnerExecutesCyclesUntilCancelled(t *testing.T) {
	journal := &countingJournal{}
	orch, cur, evo := buildLoop(t, journal)
	snapshots := &memSnapshots{}
	r, err := New(config.RunnerConfig{Interval: 5 * time.Millisecond, SnapshotEvery: 2}, orch, cur, evo, snapshots, nil)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if journal.count() == 0 {
		t.Fatalf("runner should have completed at least one cycle")
	}
	// The shutdown path always saves a final snapshot.
	if !snapshots.hasPolicy {
		t.Fatalf("runner should snapshot policy state on shutdown")
	}
	if len(snapshots.curriculum) != 2 {
		t.Fatalf("runner should snapshot every domain, got %d", len(snapshots.curriculum))
	}
}

func TestRunnerRestore(t *testing.T) {
	journal := &countingJournal{}
	orch, cur, evo := buildLoop(t, journal)
	snapshots := &memSnapshots{
		curriculum: []loop.CurriculumState{{
			Domain:            loop.DomainProgramming,
			CurrentDifficulty: loop.Advanced,
			RecentSuccessRate: 0.65,
		}},
		policy:    loop.PolicyState{Version: 7},
		hasPolicy: true,
	}
	r, err := New(config.RunnerConfig{Interval: time.Minute, SnapshotEvery: 10}, orch, cur, evo, snapshots, nil)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := r.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	st, _ := cur.StateFor(loop.DomainProgramming)
	if st.CurrentDifficulty != loop.Advanced {
		t.Fatalf("curriculum restore lost, got %s", st.CurrentDifficulty)
	}
	if evo.Current().Version != 7 {
		t.Fatalf("policy restore lost, got version %d", evo.Current().Version)
	}
}

func TestRunnerRejectsBadCronSpec(t *testing.T) {
	journal := &countingJournal{}
	orch, cur, evo := buildLoop(t, journal)
	if _, err := New(config.RunnerConfig{CronSpec: "not a cron", SnapshotEvery: 1}, orch, cur, evo, nil, nil); err == nil {
		t.Fatalf("invalid cron spec must error")
	}
}
