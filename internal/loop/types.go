package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Domain identifies a challenge domain the curriculum rotates across.
type Domain string

const (
	DomainProgramming   Domain = "programming"
	DomainReasoning     Domain = "reasoning"
	DomainAnalysis      Domain = "analysis"
	DomainSafety        Domain = "safety"
	DomainMetacognitive Domain = "metacognitive"
)

// AllDomains lists every built-in domain in rotation order.
func AllDomains() []Domain {
	return []Domain{DomainProgramming, DomainReasoning, DomainAnalysis, DomainSafety, DomainMetacognitive}
}

// ParseDomain validates a domain name.
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	switch d {
	case DomainProgramming, DomainReasoning, DomainAnalysis, DomainSafety, DomainMetacognitive:
		return d, nil
	}
	return "", fmt.Errorf("unknown domain: %q", s)
}

// Difficulty is the ordered challenge tier.
type Difficulty int

const (
	Beginner Difficulty = iota
	Intermediate
	Advanced
	Expert
)

var difficultyNames = [...]string{"beginner", "intermediate", "advanced", "expert"}

func (d Difficulty) String() string {
	if d < Beginner || d > Expert {
		return fmt.Sprintf("difficulty(%d)", int(d))
	}
	return difficultyNames[d]
}

// Next returns the tier one step harder, clamped at expert.
func (d Difficulty) Next() Difficulty {
	if d >= Expert {
		return Expert
	}
	return d + 1
}

// Prev returns the tier one step easier, clamped at beginner.
func (d Difficulty) Prev() Difficulty {
	if d <= Beginner {
		return Beginner
	}
	return d - 1
}

// MarshalJSON encodes the tier by name so journal records stay readable.
func (d Difficulty) MarshalJSON() ([]byte, error) {
	if d < Beginner || d > Expert {
		return nil, fmt.Errorf("invalid difficulty: %d", int(d))
	}
	return json.Marshal(difficultyNames[d])
}

// UnmarshalJSON decodes a tier name.
func (d *Difficulty) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range difficultyNames {
		if name == s {
			*d = Difficulty(i)
			return nil
		}
	}
	return fmt.Errorf("unknown difficulty: %q", s)
}

// SafetyStatus tracks the gate verdict on a challenge. Transitions are
// forward-only: pending may move to any terminal status, terminal statuses
// never change again.
type SafetyStatus string

const (
	SafetyPending    SafetyStatus = "pending"
	SafetyApproved   SafetyStatus = "approved"
	SafetyRedirected SafetyStatus = "redirected"
	SafetyBlocked    SafetyStatus = "blocked"
)

// Challenge is a generated task for the solver pool. Content is immutable
// after creation except for the single redirect rewrite the SafetyGate may
// apply; only safety_status transitions thereafter.
type Challenge struct {
	ID                  string       `json:"id"`
	Domain              Domain       `json:"domain"`
	Difficulty          Difficulty   `json:"difficulty"`
	Content             string       `json:"content"`
	Template            string       `json:"template"`
	CreatedAt           time.Time    `json:"created_at"`
	SafetyStatus        SafetyStatus `json:"safety_status"`
	OriginPolicyVersion int          `json:"origin_policy_version"`
}

// SolutionAttempt is one strategy's answer to a challenge. Immutable once
// created; owned by the SolverPool for the duration of a cycle.
type SolutionAttempt struct {
	ChallengeID string  `json:"challenge_id"`
	StrategyID  string  `json:"strategy_id"`
	Output      string  `json:"output"`
	Confidence  float64 `json:"confidence"`
	LatencyMS   int64   `json:"latency_ms"`
	Succeeded   bool    `json:"succeeded"`
	Error       string  `json:"error,omitempty"`
}

// PolicyParameters is the challenger-side parameter vector. It is interpreted
// only by the EvolutionEngine and the ChallengeGenerator.
type PolicyParameters struct {
	Exploration    float64 `json:"exploration"`     // variant spread when sampling templates
	DifficultyBias float64 `json:"difficulty_bias"` // appetite for composite prompts within a tier
	NoveltyWeight  float64 `json:"novelty_weight"`  // pressure away from recently used templates
}

// PolicyState is the versioned challenger policy. Replaced wholesale on each
// evolution step; old versions survive only through cycle records.
type PolicyState struct {
	Version    int              `json:"version"`
	Parameters PolicyParameters `json:"parameters"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// PolicyDelta records how a single evolution step moved the policy.
type PolicyDelta struct {
	Reward      float64 `json:"reward"`
	Direction   float64 `json:"direction"` // positive: accelerate, negative: stabilize
	Step        float64 `json:"step"`
	FromVersion int     `json:"from_version"`
	ToVersion   int     `json:"to_version"`
}

// CurriculumState is the per-domain difficulty state machine snapshot.
type CurriculumState struct {
	Domain            Domain     `json:"domain"`
	CurrentDifficulty Difficulty `json:"current_difficulty"`
	RecentSuccessRate float64    `json:"recent_success_rate"`
	CyclesAtTier      int        `json:"cycles_at_current_difficulty"`
	LastRotatedAt     time.Time  `json:"last_rotated_at"`
}

// LearningCycle is the frozen audit record of one full loop iteration.
type LearningCycle struct {
	CycleID                string            `json:"cycle_id"`
	Challenge              Challenge         `json:"challenge"`
	Attempts               []SolutionAttempt `json:"attempts"`
	Uncertainty            *float64          `json:"uncertainty"`
	IsInformative          bool              `json:"is_informative"`
	Blocked                bool              `json:"blocked"`
	Cancelled              bool              `json:"cancelled"`
	BlockReason            string            `json:"block_reason,omitempty"`
	Reward                 float64           `json:"reward"`
	PolicyDelta            *PolicyDelta      `json:"policy_delta,omitempty"`
	DomainPerformanceAfter CurriculumState   `json:"domain_performance_after"`
	StartedAt              time.Time         `json:"started_at"`
	CompletedAt            time.Time         `json:"completed_at"`
}

// CurriculumTarget is what the curriculum asks the generator to produce next.
type CurriculumTarget struct {
	Domain     Domain     `json:"domain"`
	Difficulty Difficulty `json:"difficulty"`
}

// CycleOutcome is the digest the orchestrator feeds back into the curriculum
// after recording a cycle.
type CycleOutcome struct {
	Domain        Domain
	Uncertainty   *float64
	IsInformative bool
	Blocked       bool
	Cancelled     bool
}

// StatusReport is the caller-facing view over loop state, served by the
// status endpoint.
type StatusReport struct {
	PerDomain         []CurriculumState `json:"per_domain"`
	PolicyVersion     int               `json:"policy_version"`
	TotalCycles       int64             `json:"total_cycles"`
	InformativeCycles int64             `json:"informative_cycles"`
	BlockedCycles     int64             `json:"blocked_cycles"`
	Trends            map[string]string `json:"trends,omitempty"`
}

// GenerationService is the external text generation dependency. Failures
// surface as ErrGenerationUnavailable at the generator boundary.
type GenerationService interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// SafetyVerdict is the external validator's classification of a prompt.
type SafetyVerdict struct {
	Safe         bool
	RedirectText string
	BlockReason  string
}

// SafetyValidator is the external safety classification dependency.
type SafetyValidator interface {
	Validate(ctx context.Context, text string) (SafetyVerdict, error)
}

// Strategy is one pluggable solving approach. Implementations must honour ctx
// cancellation; the pool converts errors and timeouts into failed attempts.
type Strategy interface {
	ID() string
	Attempt(ctx context.Context, ch Challenge) (output string, confidence float64, err error)
}

// Curriculum abstracts the per-domain difficulty state machine so the
// orchestrator never mutates curriculum state directly.
type Curriculum interface {
	NextTarget() CurriculumTarget
	RecordOutcome(outcome CycleOutcome) error
	StateFor(domain Domain) (CurriculumState, bool)
	Snapshot() []CurriculumState
}

// PolicyEvolver abstracts the evolution engine. Evolve must be invoked only
// for informative, non-blocked cycles.
type PolicyEvolver interface {
	Current() PolicyState
	Evolve(cycle LearningCycle) (PolicyState, PolicyDelta, error)
}

// CycleJournal persists frozen LearningCycle records.
type CycleJournal interface {
	AppendCycle(ctx context.Context, cycle LearningCycle) error
}

// ErrGenerationUnavailable signals that the external generation service could
// not produce a challenge; the cycle is aborted before anything is persisted.
type ErrGenerationUnavailable struct {
	Cause error
}

func (e ErrGenerationUnavailable) Error() string {
	if e.Cause == nil {
		return "generation service unavailable"
	}
	return fmt.Sprintf("generation service unavailable: %v", e.Cause)
}

func (e ErrGenerationUnavailable) Unwrap() error { return e.Cause }

// ErrInvalidTransition is a programmer error: a component received a challenge
// in a safety status it must never see.
type ErrInvalidTransition struct {
	From SafetyStatus
	To   SafetyStatus
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid safety status transition: %s -> %s", e.From, e.To)
}
