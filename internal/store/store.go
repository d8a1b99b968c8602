// Package store persists loop records. The line-delimited JSON journal is the
// authoritative on-disk format; redis snapshots and the postgres archive are
// optional external stores layered on top.
package store

import (
	"context"

	"github.com/meridian-labs/coevolve/internal/loop"
)

// SnapshotStore persists curriculum and policy state across restarts.
type SnapshotStore interface {
	SaveCurriculum(ctx context.Context, states []loop.CurriculumState) error
	LoadCurriculum(ctx context.Context) ([]loop.CurriculumState, error)
	SavePolicy(ctx context.Context, state loop.PolicyState) error
	LoadPolicy(ctx context.Context) (loop.PolicyState, bool, error)
}

// MultiJournal fans a cycle record out to several journals. The first journal
// is authoritative: its error aborts the append; later journals are
// best-effort archives.
type MultiJournal struct {
	Primary   loop.CycleJournal
	Secondary []loop.CycleJournal
	OnError   func(err error)
}

// AppendCycle writes to the primary journal and then to each archive.
func (m *MultiJournal) AppendCycle(ctx context.Context, cycle loop.LearningCycle) error {
	if err := m.Primary.AppendCycle(ctx, cycle); err != nil {
		return err
	}
	for _, j := range m.Secondary {
		if err := j.AppendCycle(ctx, cycle); err != nil && m.OnError != nil {
			m.OnError(err)
		}
	}
	return nil
}
