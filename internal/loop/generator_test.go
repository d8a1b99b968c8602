package loop

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type echoService struct {
	calls []string
	err   error
}

func (s *echoService) GenerateText(_ context.Context, prompt string) (string, error) {
	s.calls = append(s.calls, prompt)
	if s.err != nil {
		return "", s.err
	}
	return "generated: " + prompt, nil
}

func testPolicy(version int) PolicyState {
	return PolicyState{
		Version: version,
		Parameters: PolicyParameters{
			Exploration:    0.3,
			DifficultyBias: 0.5,
			NoveltyWeight:  0.5,
		},
	}
}

func TestGenerateProducesPendingChallenge(t *testing.T) {
	svc := &echoService{}
	g := NewGenerator(svc, nil)
	target := CurriculumTarget{Domain: DomainProgramming, Difficulty: Intermediate}

	ch, err := g.Generate(context.Background(), target, testPolicy(3), 42)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if ch.ID == "" {
		t.Fatalf("challenge needs an id")
	}
	if ch.Domain != DomainProgramming || ch.Difficulty != Intermediate {
		t.Fatalf("challenge must carry the target, got %s/%s", ch.Domain, ch.Difficulty)
	}
	if ch.SafetyStatus != SafetyPending {
		t.Fatalf("new challenges start pending, got %s", ch.SafetyStatus)
	}
	if ch.OriginPolicyVersion != 3 {
		t.Fatalf("challenge must record the policy version that shaped it, got %d", ch.OriginPolicyVersion)
	}
	if ch.Template == "" || ch.Content == "" {
		t.Fatalf("challenge needs template and content: %+v", ch)
	}
}

func TestGenerateDeterministicPrompt(t *testing.T) {
	target := CurriculumTarget{Domain: DomainAnalysis, Difficulty: Advanced}

	first := &echoService{}
	if _, err := NewGenerator(first, nil).Generate(context.Background(), target, testPolicy(1), 7); err != nil {
		t.Fatalf("generate: %v", err)
	}
	second := &echoService{}
	if _, err := NewGenerator(second, nil).Generate(context.Background(), target, testPolicy(1), 7); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first.calls[0] != second.calls[0] {
		t.Fatalf("same target, policy, and seed must produce the same prompt:\n%s\n%s", first.calls[0], second.calls[0])
	}
}

func TestGenerateServiceFailure(t *testing.T) {
	svc := &echoService{err: fmt.Errorf("upstream 503")}
	g := NewGenerator(svc, nil)
	target := CurriculumTarget{Domain: DomainSafety, Difficulty: Beginner}

	_, err := g.Generate(context.Background(), target, testPolicy(1), 1)
	var unavailable ErrGenerationUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrGenerationUnavailable, got %v", err)
	}
	if !errors.Is(err, svc.err) {
		t.Fatalf("cause must be wrapped")
	}
}

func TestGenerateUnknownDomain(t *testing.T) {
	g := NewGenerator(&echoService{}, nil)
	target := CurriculumTarget{Domain: Domain("astrology"), Difficulty: Beginner}
	if _, err := g.Generate(context.Background(), target, testPolicy(1), 1); err == nil {
		t.Fatalf("unknown domain must error")
	}
}

func TestDifficultyClamps(t *testing.T) {
	if Expert.Next() != Expert {
		t.Fatalf("expert must clamp on Next")
	}
	if Beginner.Prev() != Beginner {
		t.Fatalf("beginner must clamp on Prev")
	}
	if Beginner.Next() != Intermediate || Expert.Prev() != Advanced {
		t.Fatalf("adjacent tiers broken")
	}
}
