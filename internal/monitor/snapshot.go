package monitor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kolkov/probekit/internal/monitor/detector"
)

// Snapshot is the serialized state of a monitor. The aggregator reads
// it to render reports; nothing in it refers back to live state.
type Snapshot struct {
	// Complete is false for snapshots flushed while the program ran.
	Complete  bool                  `msgpack:"complete"`
	Coverage  *CoverageCounts       `msgpack:"coverage,omitempty"`
	Races     []detector.RaceReport `msgpack:"races,omitempty"`
	Violation *Violation            `msgpack:"violation,omitempty"`
	Symbolic  *SymbolicState        `msgpack:"symbolic,omitempty"`
}

// Snapshot copies the current state. It is safe to call while the
// program runs.
func (m *Monitor) Snapshot() *Snapshot {
	m.mu.Lock()
	s := &Snapshot{Complete: m.complete}
	m.mu.Unlock()

	if m.cov != nil {
		s.Coverage = m.cov.counts()
	}
	if m.race != nil {
		s.Races = m.race.Reports()
	}
	if m.mem != nil {
		s.Violation = m.mem.violationSeen()
	}
	if m.sym != nil {
		s.Symbolic = m.sym.state()
	}
	return s
}

// Flush writes the current snapshot to w.
func (m *Monitor) Flush(w io.Writer) error {
	return WriteSnapshot(w, m.Snapshot())
}

// FlushFile writes the current snapshot to path atomically, so a reader
// never sees a partial file even if the process is killed mid-write.
func (m *Monitor) FlushFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := m.Flush(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// WriteSnapshot encodes s with msgpack.
func WriteSnapshot(w io.Writer, s *Snapshot) error {
	if err := msgpack.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}

// ReadSnapshotFile reads the snapshot at path.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return ReadSnapshot(f)
}
