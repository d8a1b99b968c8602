package loop

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// SolverPool dispatches one challenge to every configured strategy in
// parallel and always returns exactly one attempt per strategy. Individual
// strategy failures and timeouts become failed attempts, never errors.
type SolverPool struct {
	strategies []Strategy
	timeout    time.Duration
	semaphore  chan struct{}
	logger     *log.Logger
}

// NewSolverPool builds a pool over the given strategies. maxConcurrent <= 0
// means unbounded parallel dispatch.
func NewSolverPool(strategies []Strategy, timeout time.Duration, maxConcurrent int, logger *log.Logger) (*SolverPool, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("solver pool requires at least one strategy")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("solver pool requires a positive strategy timeout")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SOLVER] ", log.LstdFlags)
	}
	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}
	return &SolverPool{strategies: strategies, timeout: timeout, semaphore: sem, logger: logger}, nil
}

// Solve runs the challenge through every strategy. The returned slice is
// ordered by configured strategy order regardless of completion order.
// Challenges that were not approved or redirected must never reach here.
func (p *SolverPool) Solve(ctx context.Context, ch Challenge) ([]SolutionAttempt, error) {
	if ch.SafetyStatus != SafetyApproved && ch.SafetyStatus != SafetyRedirected {
		return nil, ErrInvalidTransition{From: ch.SafetyStatus, To: ch.SafetyStatus}
	}

	attempts := make([]SolutionAttempt, len(p.strategies))
	var wg sync.WaitGroup
	for i, strat := range p.strategies {
		wg.Add(1)
		go func(idx int, s Strategy) {
			defer wg.Done()
			if p.semaphore != nil {
				p.semaphore <- struct{}{}
				defer func() { <-p.semaphore }()
			}
			attempts[idx] = p.attempt(ctx, s, ch)
		}(i, strat)
	}
	wg.Wait()
	return attempts, nil
}

func (p *SolverPool) attempt(ctx context.Context, s Strategy, ch Challenge) SolutionAttempt {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		output     string
		confidence float64
		err        error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("strategy panic: %v", r)}
			}
		}()
		out, conf, err := s.Attempt(actx, ch)
		done <- result{output: out, confidence: conf, err: err}
	}()

	attempt := SolutionAttempt{ChallengeID: ch.ID, StrategyID: s.ID()}
	select {
	case r := <-done:
		attempt.LatencyMS = time.Since(start).Milliseconds()
		if r.err != nil {
			p.logger.Printf("strategy %s failed on challenge %s: %v", s.ID(), ch.ID, r.err)
			attempt.Error = r.err.Error()
			return attempt
		}
		attempt.Output = r.output
		attempt.Confidence = clamp01(r.confidence)
		attempt.Succeeded = true
		return attempt
	case <-actx.Done():
		attempt.LatencyMS = time.Since(start).Milliseconds()
		attempt.Error = fmt.Sprintf("strategy timeout after %s", p.timeout)
		p.logger.Printf("strategy %s timed out on challenge %s", s.ID(), ch.ID)
		return attempt
	}
}

// generationStrategy solves challenges by prompting the generation service
// with a fixed solving style. All built-in strategies share this shape; the
// capability interface keeps third-party strategies equally welcome.
type generationStrategy struct {
	id    string
	style string
	svc   GenerationService
}

func (s *generationStrategy) ID() string { return s.id }

func (s *generationStrategy) Attempt(ctx context.Context, ch Challenge) (string, float64, error) {
	prompt := fmt.Sprintf("%s\n\nChallenge (%s, %s):\n%s", s.style, ch.Domain, ch.Difficulty, ch.Content)
	out, err := s.svc.GenerateText(ctx, prompt)
	if err != nil {
		return "", 0, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", 0, fmt.Errorf("empty solution")
	}
	return out, inferConfidence(out), nil
}

// inferConfidence derives a self-report from hedging language when the
// service does not provide one.
func inferConfidence(output string) float64 {
	lower := strings.ToLower(output)
	confidence := 0.9
	for _, hedge := range []string{"not sure", "might be", "possibly", "i think", "unclear", "cannot determine"} {
		if strings.Contains(lower, hedge) {
			confidence -= 0.15
		}
	}
	if confidence < 0.1 {
		confidence = 0.1
	}
	return confidence
}

var strategyStyles = map[string]string{
	"reasoning": "You solve problems by explicit step-by-step deduction. Lay out premises, derive intermediate conclusions, and state the final answer.",
	"analysis":  "You solve problems by decomposition. Break the task into parts, resolve each part, and assemble the result.",
	"creative":  "You solve problems by analogy and reframing. Find an unconventional angle, then make the solution concrete.",
}

// BuiltinStrategies returns the named solving styles backed by the generation
// service. Unknown names are an error so config typos fail fast.
func BuiltinStrategies(names []string, svc GenerationService) ([]Strategy, error) {
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		style, ok := strategyStyles[name]
		if !ok {
			return nil, fmt.Errorf("unknown strategy: %q", name)
		}
		out = append(out, &generationStrategy{id: name, style: style, svc: svc})
	}
	return out, nil
}
