package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

func (staticService) GenerateText(_ context.Context, prompt string) (string, error) {
	return "generated text", nil
}

type approveAll struct{}

func (approveAll) Validate(context.Context, string) (loop.SafetyVerdict, error) {
	return loop.SafetyVerdict{Safe: true}, nil
}

type fixedStrategy struct {
	id  string
	out string
}

func (s fixedStrategy) ID() string { return s.id }
func (s fixedStrategy) Attempt(context.Context, loop.Challenge) (string, float64, error) {
	return s.out, 0.9, nil
}

type nopJournal struct{}

func (nopJournal) AppendCycle(context.Context, loop.LearningCycle) error { return nil }

type fixedCycles struct {
	cycles []loop.LearningCycle
}

func (f fixedCycles) RecentCycles(_ context.Context, limit int) ([]loop.LearningCycle, error) {
	if limit < len(f.cycles) {
		return f.cycles[:limit], nil
	}
	return f.cycles, nil
}

func testOrchestrator(t *testing.T) *orchestrator.Orchestrator {
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
	pool, err := loop.NewSolverPool([]loop.Strategy{
		fixedStrategy{id: "a", out: "same answer"},
		fixedStrategy{id: "b", out: "same answer"},
	}, time.Second, 0, nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Generator:  loop.NewGenerator(staticService{}, nil),
		Gate:       loop.NewSafetyGate(approveAll{}, time.Second, nil),
		Solvers:    pool,
		Estimator:  loop.NewUncertaintyEstimator(nil, 0.82, 0.3, 0.7),
		Curriculum: cur,
		Evolver: evolution.NewEngine(config.EvolutionConfig{
			LearningRate: 0.05, RewardWindow: 10, OptimalUncertainty: 0.5, MaxDelta: 0.25,
		}, nil, nil),
		Journal: nopJournal{},
		Metrics: telemetry.New(config.TelemetryConfig{Enabled: false, TrendWindow: 12}, nil, prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return orch
}

func TestHealthz(t *testing.T) {
	s := New(config.ServerConfig{Address: ":0"}, testOrchestrator(t), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestStatusRequiresToken(t *testing.T) {
	s := New(config.ServerConfig{Address: ":0", JWTSecret: "secret"}, testOrchestrator(t), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should be 401, got %d", rec.Code)
	}

	tok, err := IssueToken([]byte("secret"), "tester", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token should be 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report loop.StatusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.PerDomain) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(report.PerDomain))
	}
}

func TestStatusRejectsWrongSecret(t *testing.T) {
	s := New(config.ServerConfig{Address: ":0", JWTSecret: "secret"}, testOrchestrator(t), nil, nil)
	tok, err := IssueToken([]byte("other-secret"), "tester", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token should be 401, got %d", rec.Code)
	}
}

func TestGetCycles(t *testing.T) {
	source := fixedCycles{cycles: []loop.LearningCycle{{CycleID: "a"}, {CycleID: "b"}}}
	s := New(config.ServerConfig{Address: ":0"}, testOrchestrator(t), source, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/cycles?limit=1", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cycles = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Cycles []loop.LearningCycle `json:"cycles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Cycles) != 1 {
		t.Fatalf("limit not honored: %d", len(body.Cycles))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/cycles?limit=zero", nil)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit should be 400, got %d", rec.Code)
	}
}

func TestGetCyclesWithoutArchive(t *testing.T) {
	s := New(config.ServerConfig{Address: ":0"}, testOrchestrator(t), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/cycles", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no archive should be 404, got %d", rec.Code)
	}
}

func TestTriggerCycle(t *testing.T) {
	s := New(config.ServerConfig{Address: ":0"}, testOrchestrator(t), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/cycles", strings.NewReader(`{"domain":"reasoning"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger = %d: %s", rec.Code, rec.Body.String())
	}
	var cycle loop.LearningCycle
	if err := json.Unmarshal(rec.Body.Bytes(), &cycle); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cycle.Challenge.Domain != loop.DomainReasoning {
		t.Fatalf("expected reasoning cycle, got %s", cycle.Challenge.Domain)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/cycles", strings.NewReader(`{"domain":"astrology"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown domain should be 400, got %d", rec.Code)
	}
}
