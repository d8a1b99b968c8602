package evolution

import (
	"context"
	"math"
	"testing"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/loop"
)

func testConfig() config.EvolutionConfig {
	return config.EvolutionConfig{
		LearningRate:       0.05,
		RewardWindow:       10,
		OptimalUncertainty: 0.5,
		MaxDelta:           0.25,
	}
}

func informativeCycle(uncertainty float64) loop.LearningCycle {
	return loop.LearningCycle{
		CycleID:       "c-1",
		Uncertainty:   &uncertainty,
		IsInformative: true,
	}
}

func TestRewardPeaksAtOptimal(t *testing.T) {
	if r := Reward(0.5, 0.5); r != 1 {
		t.Fatalf("reward at the optimum should be 1, got %f", r)
	}
	if r := Reward(0.0, 0.5); r != 0 {
		t.Fatalf("reward at total certainty should be 0, got %f", r)
	}
	if r := Reward(1.0, 0.5); r != 0 {
		t.Fatalf("reward at total uncertainty should be 0, got %f", r)
	}
	low, high := Reward(0.4, 0.5), Reward(0.6, 0.5)
	if math.Abs(low-high) > 1e-9 {
		t.Fatalf("reward should be symmetric around the optimum: %f vs %f", low, high)
	}
	if low <= 0 || low >= 1 {
		t.Fatalf("intermediate reward should be strictly between 0 and 1, got %f", low)
	}
}

func TestDirectionIsPure(t *testing.T) {
	rewards := []float64{0.2, 0.3, 0.8, 0.9}
	first := Direction(rewards)
	second := Direction(rewards)
	if first != second {
		t.Fatalf("direction must be a pure function of the window: %f vs %f", first, second)
	}
	if first <= 0 {
		t.Fatalf("improving rewards should give a positive direction, got %f", first)
	}
	if d := Direction([]float64{0.9, 0.8, 0.3, 0.2}); d >= 0 {
		t.Fatalf("declining rewards should give a negative direction, got %f", d)
	}
	if d := Direction([]float64{0.5}); d != 0 {
		t.Fatalf("a single reward carries no direction, got %f", d)
	}
	if d := Direction(nil); d != 0 {
		t.Fatalf("empty window carries no direction, got %f", d)
	}
}

func TestEvolveVersionStrictlyIncreases(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	if v := e.Current().Version; v != 1 {
		t.Fatalf("policy starts at version 1, got %d", v)
	}

	last := e.Current().Version
	for i := 0; i < 5; i++ {
		next, delta, err := e.Evolve(informativeCycle(0.5))
		if err != nil {
			t.Fatalf("evolve %d: %v", i, err)
		}
		if next.Version != last+1 {
			t.Fatalf("version must increment by one: %d -> %d", last, next.Version)
		}
		if delta.FromVersion != last || delta.ToVersion != next.Version {
			t.Fatalf("delta versions inconsistent: %+v", delta)
		}
		last = next.Version
	}
}

func TestEvolveRejectsNonInformativeCycles(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	u := 0.5
	cases := []loop.LearningCycle{
		{CycleID: "blocked", Blocked: true, Uncertainty: &u, IsInformative: true},
		{CycleID: "cancelled", Cancelled: true, Uncertainty: &u, IsInformative: true},
		{CycleID: "outside-band", Uncertainty: &u, IsInformative: false},
		{CycleID: "no-estimate", IsInformative: true},
	}
	for _, c := range cases {
		if _, _, err := e.Evolve(c); err == nil {
			t.Fatalf("cycle %s must be rejected", c.CycleID)
		}
	}
	if v := e.Current().Version; v != 1 {
		t.Fatalf("rejected cycles must not advance the policy, got version %d", v)
	}
}

func TestEvolveParametersStayInRange(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	for i := 0; i < 50; i++ {
		next, delta, err := e.Evolve(informativeCycle(0.45 + 0.01*float64(i%5)))
		if err != nil {
			t.Fatalf("evolve %d: %v", i, err)
		}
		p := next.Parameters
		for name, v := range map[string]float64{
			"exploration":     p.Exploration,
			"difficulty_bias": p.DifficultyBias,
			"novelty_weight":  p.NoveltyWeight,
		} {
			if v < 0 || v > 1 {
				t.Fatalf("iteration %d: %s out of range: %f", i, name, v)
			}
		}
		if math.Abs(delta.Step) > testConfig().MaxDelta {
			t.Fatalf("step exceeds max delta: %f", delta.Step)
		}
	}
}

func TestRestoreKeepsNewerVersion(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	if _, _, err := e.Evolve(informativeCycle(0.5)); err != nil {
		t.Fatalf("evolve: %v", err)
	}
	// A stale snapshot must never roll the policy backwards.
	e.Restore(loop.PolicyState{Version: 1})
	if v := e.Current().Version; v != 2 {
		t.Fatalf("restore rolled the policy back to %d", v)
	}
	e.Restore(loop.PolicyState{Version: 9})
	if v := e.Current().Version; v != 9 {
		t.Fatalf("restore should adopt a newer snapshot, got %d", v)
	}
}

type recordingModService struct {
	requests []NeuralModificationRequest
}

func (s *recordingModService) Modify(_ context.Context, req NeuralModificationRequest) (NeuralModificationResult, error) {
	s.requests = append(s.requests, req)
	return NeuralModificationResult{Applied: true}, nil
}

func TestEvolveNotifiesModificationService(t *testing.T) {
	svc := &recordingModService{}
	e := NewEngine(testConfig(), svc, nil)

	// Build up a reward trend so the step is non-zero by the later cycles.
	for _, u := range []float64{0.9, 0.8, 0.5, 0.5, 0.5} {
		cycle := informativeCycle(u)
		cycle.IsInformative = true
		if _, _, err := e.Evolve(cycle); err != nil {
			t.Fatalf("evolve: %v", err)
		}
	}
	if len(svc.requests) == 0 {
		t.Fatalf("expected at least one modification request")
	}
	for _, req := range svc.requests {
		if req.Behavior != "challenge_generation" {
			t.Fatalf("unexpected behavior: %q", req.Behavior)
		}
		if req.Direction != "accelerate" && req.Direction != "stabilize" {
			t.Fatalf("unexpected direction: %q", req.Direction)
		}
		if req.Strength < 0 {
			t.Fatalf("strength must be non-negative, got %f", req.Strength)
		}
	}
}
