package loop

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// templateVariant is one named prompt scaffold within a domain bank.
type templateVariant struct {
	Name   string
	Prompt string
}

// templateBank maps each domain to its challenge scaffolds. Variant choice is
// seeded, so generation is reproducible for a fixed (target, policy, seed).
var templateBank = map[Domain][]templateVariant{
	DomainProgramming: {
		{"code_generation", "Write a program that %s. State the expected inputs and outputs before the implementation."},
		{"code_analysis", "Analyze the following requirement and describe the data structures and algorithms best suited to it: %s."},
		{"debugging", "A program intended to %s is producing wrong results. Enumerate the most likely defect classes and how to isolate each."},
		{"optimization", "Given a working but slow solution that %s, propose concrete optimizations and quantify their expected impact."},
	},
	DomainReasoning: {
		{"logical_analysis", "Evaluate the logical validity of this claim and expose any hidden premises: %s."},
		{"multi_perspective_evaluation", "Argue both for and against the following position, then reconcile the strongest points of each side: %s."},
	},
	DomainAnalysis: {
		{"data_interpretation", "Interpret the following described dataset and state what conclusions it does and does not support: %s."},
		{"pattern_extraction", "Identify the recurring structural patterns in the following scenario and generalize them into a rule: %s."},
	},
	DomainSafety: {
		{"risk_assessment", "Assess the failure modes and risks of the following system and rank them by severity: %s."},
		{"protocol_design", "Design a safety protocol that prevents the following hazard, including monitoring and escalation steps: %s."},
	},
	DomainMetacognitive: {
		{"self_reflection", "Examine the reasoning process used to solve the following problem and identify where it is most likely to err: %s."},
		{"meta_analysis", "Compare two distinct problem-solving approaches to the following task and explain when each dominates: %s."},
	},
}

// tierSubjects provide per-tier seed material the scaffold is filled with.
// Higher tiers compose more constraints into a single prompt.
var tierSubjects = map[Difficulty][]string{
	Beginner: {
		"transforms a list of records into a summary table",
		"classifies short inputs into two categories",
		"tracks a running total across a stream of events",
	},
	Intermediate: {
		"merges several partially ordered event streams into one consistent timeline",
		"detects contradictory entries across two related datasets",
		"schedules dependent jobs under a fixed resource limit",
	},
	Advanced: {
		"reconciles concurrent updates to shared state without losing causality",
		"balances competing optimization objectives with an explicit trade-off model",
		"recovers a consistent view after partial failures in a distributed process",
	},
	Expert: {
		"co-designs a protocol and its verification strategy under adversarial inputs",
		"derives invariants for a self-adjusting system and proves they hold under load",
		"plans a staged migration between incompatible data models with zero downtime",
	},
}

// tierDirectives are appended per tier so harder challenges demand longer,
// more composite answers.
var tierDirectives = map[Difficulty]string{
	Beginner:     "Keep the solution direct and self-contained.",
	Intermediate: "Address at least two interacting concerns in your answer.",
	Advanced:     "Decompose the problem into sub-problems and resolve the dependencies between them.",
	Expert:       "Compose at least three interdependent sub-problems, solve each, and argue why the composition is sound.",
}

// Generator produces challenges for a target domain and difficulty by
// realizing a seeded template through the external generation service.
type Generator struct {
	svc    GenerationService
	logger *log.Logger
}

// NewGenerator creates a challenge generator over the given generation service.
func NewGenerator(svc GenerationService, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.New(log.Writer(), "[GENERATOR] ", log.LstdFlags)
	}
	return &Generator{svc: svc, logger: logger}
}

// Generate builds one challenge. Template and subject selection is a pure
// function of (target, policy, seed); only the service call is external. A
// service failure is returned as ErrGenerationUnavailable and nothing is
// persisted.
func (g *Generator) Generate(ctx context.Context, target CurriculumTarget, policy PolicyState, seed int64) (Challenge, error) {
	variants, ok := templateBank[target.Domain]
	if !ok {
		return Challenge{}, fmt.Errorf("no template bank for domain %q", target.Domain)
	}
	subjects := tierSubjects[target.Difficulty]

	rng := rand.New(rand.NewSource(mixSeed(seed, target, policy.Version)))
	variant := pickVariant(rng, variants, policy.Parameters)
	subject := subjects[rng.Intn(len(subjects))]

	prompt := fmt.Sprintf(variant.Prompt, subject)
	directive := tierDirectives[target.Difficulty]
	// High difficulty bias asks for an extra constraint even mid-tier.
	if policy.Parameters.DifficultyBias > 0.5 && target.Difficulty >= Intermediate {
		directive += " Include one additional constraint of your own choosing that makes the task harder."
	}
	instruction := fmt.Sprintf(
		"Produce a single self-contained %s challenge at %s level.\nTask seed: %s\n%s\nReturn only the challenge text.",
		target.Domain, target.Difficulty, prompt, directive,
	)

	content, err := g.svc.GenerateText(ctx, instruction)
	if err != nil {
		return Challenge{}, ErrGenerationUnavailable{Cause: err}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Challenge{}, ErrGenerationUnavailable{Cause: fmt.Errorf("empty generation for template %s", variant.Name)}
	}

	return Challenge{
		ID:                  uuid.NewString(),
		Domain:              target.Domain,
		Difficulty:          target.Difficulty,
		Content:             content,
		Template:            variant.Name,
		CreatedAt:           time.Now().UTC(),
		SafetyStatus:        SafetyPending,
		OriginPolicyVersion: policy.Version,
	}, nil
}

// pickVariant samples a template variant. Exploration near zero always takes
// the seeded favourite; exploration near one spreads uniformly.
func pickVariant(rng *rand.Rand, variants []templateVariant, params PolicyParameters) templateVariant {
	favourite := rng.Intn(len(variants))
	if rng.Float64() < clamp01(params.Exploration) {
		return variants[rng.Intn(len(variants))]
	}
	return variants[favourite]
}

func mixSeed(seed int64, target CurriculumTarget, policyVersion int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", target.Domain, target.Difficulty, policyVersion)
	return seed ^ int64(h.Sum64())
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
