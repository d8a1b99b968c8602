// Package orchestrator drives the learning cycle state machine: target
// selection, generation, the safety gate, the solver pool, uncertainty
// estimation, policy evolution, and the frozen cycle record.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridian-labs/coevolve/internal/loop"
	"github.com/meridian-labs/coevolve/internal/telemetry"
)

var tracer trace.Tracer = otel.Tracer("coevolve/internal/orchestrator")

// Orchestrator owns one full pass through the loop. Cycles targeting the same
// domain are serialized; cycles in distinct domains may run concurrently.
type Orchestrator struct {
	generator  *loop.Generator
	gate       *loop.SafetyGate
	solvers    *loop.SolverPool
	estimator  *loop.UncertaintyEstimator
	curriculum loop.Curriculum
	evolver    loop.PolicyEvolver
	journal    loop.CycleJournal
	metrics    *telemetry.Telemetry
	logger     *log.Logger

	mu          sync.Mutex
	domainLocks map[loop.Domain]*sync.Mutex
	seq         int64
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Generator  *loop.Generator
	Gate       *loop.SafetyGate
	Solvers    *loop.SolverPool
	Estimator  *loop.UncertaintyEstimator
	Curriculum loop.Curriculum
	Evolver    loop.PolicyEvolver
	Journal    loop.CycleJournal
	Metrics    *telemetry.Telemetry
	Logger     *log.Logger
}

// New wires an orchestrator. Every dependency except Logger is required.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Generator == nil, d.Gate == nil, d.Solvers == nil, d.Estimator == nil,
		d.Curriculum == nil, d.Evolver == nil, d.Journal == nil, d.Metrics == nil:
		return nil, fmt.Errorf("orchestrator: missing dependency")
	}
	if d.Logger == nil {
		d.Logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		generator:   d.Generator,
		gate:        d.Gate,
		solvers:     d.Solvers,
		estimator:   d.Estimator,
		curriculum:  d.Curriculum,
		evolver:     d.Evolver,
		journal:     d.Journal,
		metrics:     d.Metrics,
		logger:      d.Logger,
		domainLocks: make(map[loop.Domain]*sync.Mutex),
	}, nil
}

// RunCycle asks the curriculum for the next target and runs one cycle for it.
func (o *Orchestrator) RunCycle(ctx context.Context) (loop.LearningCycle, error) {
	ctx, span := tracer.Start(ctx, "loop.select_target")
	target := o.curriculum.NextTarget()
	span.SetAttributes(
		attribute.String("target.domain", string(target.Domain)),
		attribute.String("target.difficulty", target.Difficulty.String()),
	)
	span.End()
	return o.runTarget(ctx, target)
}

// RunCycleForDomain runs one cycle for an explicitly chosen domain at its
// current difficulty, bypassing rotation. Used by the trigger API.
func (o *Orchestrator) RunCycleForDomain(ctx context.Context, domain loop.Domain) (loop.LearningCycle, error) {
	state, ok := o.curriculum.StateFor(domain)
	if !ok {
		return loop.LearningCycle{}, fmt.Errorf("domain %q is not in the curriculum", domain)
	}
	return o.runTarget(ctx, loop.CurriculumTarget{Domain: domain, Difficulty: state.CurrentDifficulty})
}

func (o *Orchestrator) runTarget(ctx context.Context, target loop.CurriculumTarget) (loop.LearningCycle, error) {
	lock := o.lockFor(target.Domain)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := tracer.Start(ctx, "loop.run_cycle",
		trace.WithAttributes(
			attribute.String("cycle.domain", string(target.Domain)),
			attribute.String("cycle.difficulty", target.Difficulty.String()),
		))
	defer span.End()

	cycle := loop.LearningCycle{
		CycleID:   uuid.NewString(),
		Attempts:  []loop.SolutionAttempt{},
		StartedAt: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("cycle.id", cycle.CycleID))
	policy := o.evolver.Current()

	genCtx, genSpan := tracer.Start(ctx, "loop.generate")
	ch, err := o.generator.Generate(genCtx, target, policy, o.nextSeed())
	if err != nil {
		// Nothing has been persisted; the caller may retry the whole cycle.
		genSpan.RecordError(err)
		genSpan.SetStatus(codes.Error, err.Error())
		genSpan.End()
		span.SetStatus(codes.Error, err.Error())
		return loop.LearningCycle{}, err
	}
	genSpan.SetAttributes(attribute.String("challenge.template", ch.Template))
	genSpan.End()
	cycle.Challenge = ch

	if o.cancelled(ctx, &cycle, span) {
		return cycle, nil
	}

	gateCtx, gateSpan := tracer.Start(ctx, "loop.safety_check")
	ch, blockReason, err := o.gate.Check(gateCtx, ch)
	if err != nil {
		gateSpan.RecordError(err)
		gateSpan.SetStatus(codes.Error, err.Error())
		gateSpan.End()
		span.SetStatus(codes.Error, err.Error())
		return loop.LearningCycle{}, err
	}
	gateSpan.SetAttributes(attribute.String("challenge.safety_status", string(ch.SafetyStatus)))
	gateSpan.End()
	cycle.Challenge = ch

	if ch.SafetyStatus == loop.SafetyBlocked {
		cycle.Blocked = true
		cycle.BlockReason = blockReason
		if err := o.record(ctx, span, &cycle, policy); err != nil {
			return loop.LearningCycle{}, err
		}
		return cycle, nil
	}

	if o.cancelled(ctx, &cycle, span) {
		return cycle, nil
	}

	solveCtx, solveSpan := tracer.Start(ctx, "loop.solve")
	attempts, err := o.solvers.Solve(solveCtx, ch)
	if err != nil {
		solveSpan.RecordError(err)
		solveSpan.SetStatus(codes.Error, err.Error())
		solveSpan.End()
		span.SetStatus(codes.Error, err.Error())
		return loop.LearningCycle{}, err
	}
	solveSpan.SetAttributes(attribute.Int("attempts.count", len(attempts)))
	solveSpan.End()
	cycle.Attempts = attempts

	if o.cancelled(ctx, &cycle, span) {
		return cycle, nil
	}

	_, estSpan := tracer.Start(ctx, "loop.estimate")
	u := o.estimator.Estimate(attempts)
	cycle.Uncertainty = &u
	cycle.IsInformative = o.estimator.IsInformative(u)
	estSpan.SetAttributes(
		attribute.Float64("cycle.uncertainty", u),
		attribute.Bool("cycle.informative", cycle.IsInformative),
	)
	estSpan.End()

	if cycle.IsInformative {
		_, evoSpan := tracer.Start(ctx, "loop.evolve")
		next, delta, err := o.evolver.Evolve(cycle)
		if err != nil {
			evoSpan.RecordError(err)
			evoSpan.SetStatus(codes.Error, err.Error())
			evoSpan.End()
			span.SetStatus(codes.Error, err.Error())
			return loop.LearningCycle{}, err
		}
		cycle.Reward = delta.Reward
		cycle.PolicyDelta = &delta
		policy = next
		evoSpan.SetAttributes(attribute.Int("policy.version", next.Version))
		evoSpan.End()
	}

	if err := o.record(ctx, span, &cycle, policy); err != nil {
		return loop.LearningCycle{}, err
	}
	return cycle, nil
}

// cancelled freezes and persists a cancelled cycle when the context is done
// between stages. The partial record keeps whatever stages had completed.
func (o *Orchestrator) cancelled(ctx context.Context, cycle *loop.LearningCycle, span trace.Span) bool {
	if ctx.Err() == nil {
		return false
	}
	cycle.Cancelled = true
	span.AddEvent("cycle.cancelled")
	// Persist with a fresh context; the cycle's own context is already dead.
	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.record(pctx, span, cycle, o.evolver.Current()); err != nil {
		o.logger.Printf("recording cancelled cycle %s: %v", cycle.CycleID, err)
	}
	return true
}

// record is the single exit point that persists a cycle. It applies the
// curriculum outcome first so the frozen record carries the post-cycle domain
// state, then journals exactly once, then updates telemetry.
func (o *Orchestrator) record(ctx context.Context, span trace.Span, cycle *loop.LearningCycle, policy loop.PolicyState) error {
	outcome := loop.CycleOutcome{
		Domain:        cycle.Challenge.Domain,
		Uncertainty:   cycle.Uncertainty,
		IsInformative: cycle.IsInformative,
		Blocked:       cycle.Blocked,
		Cancelled:     cycle.Cancelled,
	}
	if err := o.curriculum.RecordOutcome(outcome); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if state, ok := o.curriculum.StateFor(cycle.Challenge.Domain); ok {
		cycle.DomainPerformanceAfter = state
		o.metrics.RecordDomainPerformance(state)
	}
	cycle.CompletedAt = time.Now().UTC()

	recCtx, recSpan := tracer.Start(ctx, "loop.record")
	err := o.journal.AppendCycle(recCtx, *cycle)
	if err != nil {
		recSpan.RecordError(err)
		recSpan.SetStatus(codes.Error, err.Error())
		recSpan.End()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("journal cycle %s: %w", cycle.CycleID, err)
	}
	recSpan.End()

	o.metrics.RecordCycle(telemetry.CycleEvent{
		Domain:        cycle.Challenge.Domain,
		Difficulty:    cycle.Challenge.Difficulty,
		Uncertainty:   cycle.Uncertainty,
		Informative:   cycle.IsInformative,
		Blocked:       cycle.Blocked,
		Cancelled:     cycle.Cancelled,
		Reward:        cycle.Reward,
		Duration:      cycle.CompletedAt.Sub(cycle.StartedAt),
		PolicyVersion: policy.Version,
	})
	span.SetStatus(codes.Ok, "completed")
	return nil
}

// GetStatus assembles the caller-facing loop snapshot.
func (o *Orchestrator) GetStatus() loop.StatusReport {
	counts := o.metrics.GetCounts()
	return loop.StatusReport{
		PerDomain:         o.curriculum.Snapshot(),
		PolicyVersion:     o.evolver.Current().Version,
		TotalCycles:       counts.Total,
		InformativeCycles: counts.Informative,
		BlockedCycles:     counts.Blocked,
		Trends:            o.metrics.Trends(),
	}
}

func (o *Orchestrator) lockFor(domain loop.Domain) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.domainLocks[domain]
	if !ok {
		l = &sync.Mutex{}
		o.domainLocks[domain] = l
	}
	return l
}

func (o *Orchestrator) nextSeed() int64 {
	o.mu.Lock()
	o.seq++
	seq := o.seq
	o.mu.Unlock()
	return time.Now().UnixNano() ^ (seq << 17)
}
