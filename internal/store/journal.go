package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/meridian-labs/coevolve/internal/loop"
)

// Journal is the append-only cycle record: one JSON object per line, snake_case
// keys, one file per process. Records are never rewritten or deleted.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewJournal opens (creating if needed) the per-process journal file under dir.
func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("cycles-%d.jsonl", os.Getpid()))
	return OpenJournal(path)
}

// OpenJournal opens a journal at an explicit path, appending to any existing
// records.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{path: path, f: f}, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// AppendCycle serializes the frozen cycle as one line.
func (j *Journal) AppendCycle(ctx context.Context, cycle loop.LearningCycle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("marshal cycle %s: %w", cycle.CycleID, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append cycle %s: %w", cycle.CycleID, err)
	}
	return j.f.Sync()
}

// Close releases the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReadCycles parses every record from a journal stream.
func ReadCycles(r io.Reader) ([]loop.LearningCycle, error) {
	var out []loop.LearningCycle
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var cycle loop.LearningCycle
		if err := json.Unmarshal(raw, &cycle); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", line, err)
		}
		out = append(out, cycle)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadJournal loads every cycle from a journal file.
func ReadJournal(path string) ([]loop.LearningCycle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	return ReadCycles(f)
}
