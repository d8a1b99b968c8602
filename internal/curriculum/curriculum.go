// Package curriculum owns the per-domain difficulty state machines and the
// cross-domain rotation schedule. It is the single writer of CurriculumState.
package curriculum

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/loop"
)

// neutralSuccessRate seeds the EMA so a fresh domain is neither promoted nor
// demoted before real signal accumulates.
const neutralSuccessRate = 0.5

// Manager implements loop.Curriculum. All mutation happens behind one mutex;
// concurrent cycles in the same domain are serialized by the runner, but the
// rotation window is shared across domains and needs the lock regardless.
type Manager struct {
	mu        sync.Mutex
	order     []loop.Domain
	states    map[loop.Domain]*loop.CurriculumState
	recent    []loop.Domain // last targeted domains, newest last, capped at window
	cursor    int
	alpha     float64
	promote   float64
	demote    float64
	minCycles int
	window    int
	logger    *log.Logger
}

// NewManager builds a curriculum over the configured domains, all starting at
// beginner difficulty.
func NewManager(cfg config.CurriculumConfig, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[CURRICULUM] ", log.LstdFlags)
	}
	m := &Manager{
		states:    make(map[loop.Domain]*loop.CurriculumState, len(cfg.Domains)),
		alpha:     cfg.EMAAlpha,
		promote:   cfg.PromoteThreshold,
		demote:    cfg.DemoteThreshold,
		minCycles: cfg.MinCyclesAtTier,
		window:    cfg.RotationWindow,
		logger:    logger,
	}
	for _, raw := range cfg.Domains {
		d, err := loop.ParseDomain(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := m.states[d]; dup {
			return nil, fmt.Errorf("duplicate curriculum domain: %s", d)
		}
		m.order = append(m.order, d)
		m.states[d] = &loop.CurriculumState{
			Domain:            d,
			CurrentDifficulty: loop.Beginner,
			RecentSuccessRate: neutralSuccessRate,
		}
	}
	return m, nil
}

// NextTarget picks the next domain round-robin, skipping any domain that has
// been targeted in strictly more than ceil(window/domains)+1 of the recent
// window. This bounds over-specialization without promising perfect
// uniformity.
func (m *Manager) NextTarget() loop.CurriculumTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := int(math.Ceil(float64(m.window)/float64(len(m.order)))) + 1
	counts := make(map[loop.Domain]int, len(m.order))
	for _, d := range m.recent {
		counts[d]++
	}

	chosen := m.order[m.cursor%len(m.order)]
	for i := 0; i < len(m.order); i++ {
		candidate := m.order[(m.cursor+i)%len(m.order)]
		if counts[candidate] <= limit {
			chosen = candidate
			m.cursor = (m.cursor + i + 1) % len(m.order)
			break
		}
	}

	m.recent = append(m.recent, chosen)
	if len(m.recent) > m.window {
		m.recent = m.recent[len(m.recent)-m.window:]
	}
	return loop.CurriculumTarget{Domain: chosen, Difficulty: m.states[chosen].CurrentDifficulty}
}

// RecordOutcome applies the adaptation rule for the targeted domain. Blocked
// and cancelled cycles leave the state untouched; informative cycles feed the
// EMA; every evaluated cycle advances the tier counter before the thresholds
// are checked.
func (m *Manager) RecordOutcome(outcome loop.CycleOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[outcome.Domain]
	if !ok {
		return fmt.Errorf("unknown curriculum domain: %s", outcome.Domain)
	}
	if outcome.Blocked || outcome.Cancelled {
		return nil
	}

	if outcome.IsInformative && outcome.Uncertainty != nil {
		success := 1 - *outcome.Uncertainty
		st.RecentSuccessRate = (1-m.alpha)*st.RecentSuccessRate + m.alpha*success
	}
	st.CyclesAtTier++

	switch {
	case st.RecentSuccessRate > m.promote && st.CyclesAtTier >= m.minCycles && st.CurrentDifficulty < loop.Expert:
		st.CurrentDifficulty = st.CurrentDifficulty.Next()
		st.CyclesAtTier = 0
		st.LastRotatedAt = time.Now().UTC()
		m.logger.Printf("domain %s advanced to %s (success rate %.2f)", st.Domain, st.CurrentDifficulty, st.RecentSuccessRate)
	case st.RecentSuccessRate < m.demote && st.CyclesAtTier >= m.minCycles && st.CurrentDifficulty > loop.Beginner:
		st.CurrentDifficulty = st.CurrentDifficulty.Prev()
		st.CyclesAtTier = 0
		st.LastRotatedAt = time.Now().UTC()
		m.logger.Printf("domain %s regressed to %s (success rate %.2f)", st.Domain, st.CurrentDifficulty, st.RecentSuccessRate)
	}
	return nil
}

// StateFor returns a copy of the state for one domain.
func (m *Manager) StateFor(domain loop.Domain) (loop.CurriculumState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[domain]
	if !ok {
		return loop.CurriculumState{}, false
	}
	return *st, true
}

// Snapshot returns copies of every domain state in rotation order.
func (m *Manager) Snapshot() []loop.CurriculumState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]loop.CurriculumState, 0, len(m.order))
	for _, d := range m.order {
		out = append(out, *m.states[d])
	}
	return out
}

// Restore overlays previously persisted states, e.g. from the snapshot store
// on startup. Unknown domains are ignored so config changes stay safe.
func (m *Manager) Restore(states []loop.CurriculumState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		if st, ok := m.states[s.Domain]; ok {
			*st = s
		}
	}
}
