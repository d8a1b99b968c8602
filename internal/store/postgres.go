package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/loop"
)

// Archive keeps cycle records in postgres for dashboard queries. It is an
// optional secondary journal; the JSONL journal stays authoritative.
type Archive struct {
	db *sql.DB
}

// NewArchive connects and pings the configured postgres instance.
func NewArchive(ctx context.Context, cfg config.PostgresConfig) (*Archive, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout+time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Archive{db: db}, nil
}

// AppendCycle inserts the cycle record; the full frozen cycle travels in the
// payload column so the archive can always reconstruct the journal form.
func (a *Archive) AppendCycle(ctx context.Context, cycle loop.LearningCycle) error {
	payload, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("marshal cycle %s: %w", cycle.CycleID, err)
	}
	var uncertainty sql.NullFloat64
	if cycle.Uncertainty != nil {
		uncertainty = sql.NullFloat64{Float64: *cycle.Uncertainty, Valid: true}
	}
	_, err = a.db.ExecContext(ctx, `
        INSERT INTO learning_cycles
            (cycle_id, domain, difficulty, blocked, cancelled, informative, uncertainty, reward, policy_version, payload, completed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (cycle_id) DO NOTHING`,
		cycle.CycleID,
		string(cycle.Challenge.Domain),
		cycle.Challenge.Difficulty.String(),
		cycle.Blocked,
		cycle.Cancelled,
		cycle.IsInformative,
		uncertainty,
		cycle.Reward,
		cycle.Challenge.OriginPolicyVersion,
		payload,
		cycle.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive cycle %s: %w", cycle.CycleID, err)
	}
	return nil
}

// RecentCycles returns up to limit newest cycles, newest first.
func (a *Archive) RecentCycles(ctx context.Context, limit int) ([]loop.LearningCycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT payload FROM learning_cycles ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loop.LearningCycle
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cycle loop.LearningCycle
		if err := json.Unmarshal(payload, &cycle); err != nil {
			return nil, fmt.Errorf("decode archived cycle: %w", err)
		}
		out = append(out, cycle)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (a *Archive) Close() error { return a.db.Close() }
