// Package evolution adjusts the challenger-side policy from cycle outcomes
// with a bounded, rate-limited update. It is the single writer of PolicyState.
package evolution

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/loop"
)

// NeuralModificationRequest is the structured request an external
// modification service may accept. This package defines only the contract;
// no weight-level algorithm lives here.
type NeuralModificationRequest struct {
	Behavior  string  `json:"behavior"`
	Direction string  `json:"direction"`
	Strength  float64 `json:"strength"`
}

// NeuralModificationResult reports whether the external service applied the
// requested modification.
type NeuralModificationResult struct {
	Applied bool `json:"applied"`
}

// NeuralModificationService is the optional external dependency the engine
// may notify after an evolution step. The loop never requires it.
type NeuralModificationService interface {
	Modify(ctx context.Context, req NeuralModificationRequest) (NeuralModificationResult, error)
}

// Engine implements loop.PolicyEvolver.
type Engine struct {
	mu      sync.Mutex
	state   loop.PolicyState
	rewards []float64 // sliding window, newest last
	cfg     config.EvolutionConfig
	svc     NeuralModificationService
	logger  *log.Logger
}

// NewEngine starts the policy at version 1 with neutral parameters. svc may
// be nil.
func NewEngine(cfg config.EvolutionConfig, svc NeuralModificationService, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVOLUTION] ", log.LstdFlags)
	}
	return &Engine{
		state: loop.PolicyState{
			Version: 1,
			Parameters: loop.PolicyParameters{
				Exploration:    0.3,
				DifficultyBias: 0.5,
				NoveltyWeight:  0.5,
			},
			UpdatedAt: time.Now().UTC(),
		},
		cfg:    cfg,
		svc:    svc,
		logger: logger,
	}
}

// Current returns the live policy snapshot.
func (e *Engine) Current() loop.PolicyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Restore overlays a persisted policy, keeping whichever version is newer so
// a stale snapshot can never roll the policy backwards.
func (e *Engine) Restore(state loop.PolicyState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state.Version > e.state.Version {
		e.state = state
	}
}

// Evolve consumes one informative, non-blocked cycle and produces the next
// policy version. The version increments on every invocation even when the
// step size rounds to zero, so cycle records always map to a unique policy.
func (e *Engine) Evolve(cycle loop.LearningCycle) (loop.PolicyState, loop.PolicyDelta, error) {
	if cycle.Blocked || cycle.Cancelled || !cycle.IsInformative || cycle.Uncertainty == nil {
		return loop.PolicyState{}, loop.PolicyDelta{}, fmt.Errorf("evolve called for non-informative cycle %s", cycle.CycleID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	reward := Reward(*cycle.Uncertainty, e.cfg.OptimalUncertainty)
	e.rewards = append(e.rewards, reward)
	if len(e.rewards) > e.cfg.RewardWindow {
		e.rewards = e.rewards[len(e.rewards)-e.cfg.RewardWindow:]
	}

	direction := Direction(e.rewards)
	step := e.cfg.LearningRate * reward * direction
	if step > e.cfg.MaxDelta {
		step = e.cfg.MaxDelta
	}
	if step < -e.cfg.MaxDelta {
		step = -e.cfg.MaxDelta
	}

	prev := e.state
	next := prev
	next.Version = prev.Version + 1
	next.UpdatedAt = time.Now().UTC()
	// Positive trend accelerates difficulty-seeking; negative trend pulls the
	// generator back toward familiar territory.
	next.Parameters.DifficultyBias = clamp01(prev.Parameters.DifficultyBias + step)
	next.Parameters.Exploration = clamp01(prev.Parameters.Exploration + 0.5*step)
	next.Parameters.NoveltyWeight = clamp01(prev.Parameters.NoveltyWeight - 0.25*step)
	e.state = next

	delta := loop.PolicyDelta{
		Reward:      reward,
		Direction:   direction,
		Step:        step,
		FromVersion: prev.Version,
		ToVersion:   next.Version,
	}

	e.notifyModificationService(delta)
	return next, delta, nil
}

// notifyModificationService emits a best-effort structured request; failures
// are logged and never abort the evolution step.
func (e *Engine) notifyModificationService(delta loop.PolicyDelta) {
	if e.svc == nil || delta.Step == 0 {
		return
	}
	direction := "accelerate"
	if delta.Direction < 0 {
		direction = "stabilize"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.svc.Modify(ctx, NeuralModificationRequest{
		Behavior:  "challenge_generation",
		Direction: direction,
		Strength:  math.Abs(delta.Step),
	})
	if err != nil {
		e.logger.Printf("neural modification request failed: %v", err)
		return
	}
	e.logger.Printf("neural modification %s applied=%t", direction, res.Applied)
}

// Reward peaks at the optimal uncertainty and decays linearly toward zero at
// the extremes, rewarding challenges at the solver's learning edge rather
// than merely hard or merely easy ones.
func Reward(uncertainty, optimal float64) float64 {
	return clamp01(1 - math.Abs(uncertainty-optimal)/optimal)
}

// Direction derives the update direction from the recent reward window: the
// normalized difference between the newer and older half-means, in [-1, 1].
// It is a pure function of the window contents.
func Direction(rewards []float64) float64 {
	if len(rewards) < 2 {
		return 0
	}
	mid := len(rewards) / 2
	older := mean(rewards[:mid])
	newer := mean(rewards[mid:])
	d := newer - older
	if d > 1 {
		d = 1
	}
	if d < -1 {
		d = -1
	}
	return d
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
