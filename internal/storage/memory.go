package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps a bounded snapshot history and conversion log in
// process. It backs the pipeline when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	capacity    int
	nextID      int64
	snapshots   []Snapshot
	conversions map[[2]string]int64
}

// NewMemoryStore retains at most capacity snapshots; non-positive means
// unbounded.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		capacity:    capacity,
		conversions: make(map[[2]string]int64),
	}
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	snap.ID = m.nextID
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if snap.CycleID == uuid.Nil {
		snap.CycleID = uuid.New()
	}
	snap.Displayed = snap.Displayed.Clone()
	snap.Aggregated = snap.Aggregated.Clone()
	snap.Providers = append([]string(nil), snap.Providers...)

	m.snapshots = append(m.snapshots, snap)
	if m.capacity > 0 && len(m.snapshots) > m.capacity {
		m.snapshots = append([]Snapshot(nil), m.snapshots[len(m.snapshots)-m.capacity:]...)
	}
	return snap, nil
}

func (m *MemoryStore) LoadRecentSnapshots(_ context.Context, limit int) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if limit > 0 && len(m.snapshots) > limit {
		start = len(m.snapshots) - limit
	}
	return append([]Snapshot(nil), m.snapshots[start:]...), nil
}

func (m *MemoryStore) ListSnapshotsBetween(_ context.Context, from, to time.Time) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0)
	for _, s := range m.snapshots {
		if !s.CreatedAt.Before(from) && s.CreatedAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestSnapshot(_ context.Context) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.snapshots) == 0 {
		return Snapshot{}, false, nil
	}
	return m.snapshots[len(m.snapshots)-1], true, nil
}

func (m *MemoryStore) DeleteSnapshotsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.snapshots[:0]
	var removed int64
	for _, s := range m.snapshots {
		if s.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.snapshots = kept
	return removed, nil
}

func (m *MemoryStore) CountSnapshots(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.snapshots)), nil
}

func (m *MemoryStore) InsertConversion(_ context.Context, rec ConversionRecord) error {
	m.mu.Lock()
	m.conversions[[2]string{rec.From, rec.To}]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListPopularPairs(_ context.Context, limit int) ([]PairCount, error) {
	m.mu.RLock()
	pairs := make([]PairCount, 0, len(m.conversions))
	for key, n := range m.conversions {
		pairs = append(pairs, PairCount{From: key[0], To: key[1], Count: n})
	}
	m.mu.RUnlock()

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		if pairs[i].From != pairs[j].From {
			return pairs[i].From < pairs[j].From
		}
		return pairs[i].To < pairs[j].To
	})
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs, nil
}

var (
	_ SnapshotStore = (*MemoryStore)(nil)
	_ ConversionLog = (*MemoryStore)(nil)
)
