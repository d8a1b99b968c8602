// Package telemetry tracks loop metrics in-process and exports them through
// prometheus. Trend detection over domain performance history is plain
// windowed statistics, nothing more.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/loop"
)

// CycleEvent is the digest of one completed (or blocked/cancelled) cycle.
type CycleEvent struct {
	Domain        loop.Domain
	Difficulty    loop.Difficulty
	Uncertainty   *float64
	Informative   bool
	Blocked       bool
	Cancelled     bool
	Reward        float64
	Duration      time.Duration
	PolicyVersion int
}

// Counts is the caller-facing cycle bookkeeping snapshot.
type Counts struct {
	Total       int64
	Informative int64
	Blocked     int64
	Cancelled   int64
}

// Telemetry aggregates counters and per-domain performance history.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	mu      sync.RWMutex
	counts  Counts
	history map[loop.Domain][]float64 // success-rate snapshots, capped at trend window

	cyclesTotal   *prometheus.CounterVec
	uncertainty   *prometheus.HistogramVec
	policyVersion prometheus.Gauge
	tierGauge     *prometheus.GaugeVec
}

// New registers the collectors on reg (the default registerer when nil).
func New(cfg config.TelemetryConfig, logger *log.Logger, reg prometheus.Registerer) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	t := &Telemetry{
		cfg:     cfg,
		logger:  logger,
		history: make(map[loop.Domain][]float64),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coevolve_cycles_total",
			Help: "Learning cycles by domain and outcome.",
		}, []string{"domain", "outcome"}),
		uncertainty: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coevolve_cycle_uncertainty",
			Help:    "Disagreement score per measured cycle.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"domain"}),
		policyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coevolve_policy_version",
			Help: "Current challenger policy version.",
		}),
		tierGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coevolve_curriculum_tier",
			Help: "Current difficulty tier per domain (0=beginner..3=expert).",
		}, []string{"domain"}),
	}
	if cfg.Enabled {
		reg.MustRegister(t.cyclesTotal, t.uncertainty, t.policyVersion, t.tierGauge)
	}
	return t
}

// RecordCycle updates counters and collectors for one cycle.
func (t *Telemetry) RecordCycle(ev CycleEvent) {
	t.mu.Lock()
	t.counts.Total++
	outcome := "completed"
	switch {
	case ev.Blocked:
		t.counts.Blocked++
		outcome = "blocked"
	case ev.Cancelled:
		t.counts.Cancelled++
		outcome = "cancelled"
	case ev.Informative:
		t.counts.Informative++
		outcome = "informative"
	}
	t.mu.Unlock()

	t.cyclesTotal.WithLabelValues(string(ev.Domain), outcome).Inc()
	if ev.Uncertainty != nil {
		t.uncertainty.WithLabelValues(string(ev.Domain)).Observe(*ev.Uncertainty)
	}
	t.policyVersion.Set(float64(ev.PolicyVersion))
	if t.cfg.Enabled {
		t.logger.Printf("cycle %s/%s outcome=%s duration=%s", ev.Domain, ev.Difficulty, outcome, ev.Duration.Round(time.Millisecond))
	}
}

// RecordDomainPerformance appends a success-rate snapshot for trend analysis
// and mirrors the current tier to prometheus.
func (t *Telemetry) RecordDomainPerformance(state loop.CurriculumState) {
	t.mu.Lock()
	h := append(t.history[state.Domain], state.RecentSuccessRate)
	if len(h) > t.cfg.TrendWindow {
		h = h[len(h)-t.cfg.TrendWindow:]
	}
	t.history[state.Domain] = h
	t.mu.Unlock()

	t.tierGauge.WithLabelValues(string(state.Domain)).Set(float64(state.CurrentDifficulty))
}

// GetCounts returns the cycle bookkeeping snapshot.
func (t *Telemetry) GetCounts() Counts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts
}

// Trend classifies a domain's recent performance history by windowed
// variance and net movement.
func (t *Telemetry) Trend(domain loop.Domain) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.history[domain]
	if len(h) < t.cfg.TrendWindow {
		return "insufficient_data"
	}
	variance := windowedVariance(h)
	movement := h[len(h)-1] - h[0]
	switch {
	case variance < 0.0005:
		return "plateau"
	case movement > 0.1:
		return "breakthrough"
	case movement < -0.1:
		return "regression"
	default:
		return "steady"
	}
}

// Trends returns the trend classification for every domain with history.
func (t *Telemetry) Trends() map[string]string {
	t.mu.RLock()
	domains := make([]loop.Domain, 0, len(t.history))
	for d := range t.history {
		domains = append(domains, d)
	}
	t.mu.RUnlock()

	out := make(map[string]string, len(domains))
	for _, d := range domains {
		out[string(d)] = t.Trend(d)
	}
	return out
}

func windowedVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return sq / float64(len(values))
}
