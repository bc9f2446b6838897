package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryKey struct {
	kind    string
	eventID string
}

// MemoryStore is an in-process ledger with the same write rules as PGRepository.
// It backs tests and DRY_RUN deployments that have no database.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[memoryKey]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Get(_ context.Context, kind, eventID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[memoryKey{kind, eventID}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Upsert(_ context.Context, rec Record) (Record, error) {
	if err := validate(rec); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey{rec.WorkflowKind, rec.EventID}
	now := m.now()
	existing, ok := m.records[key]
	if ok {
		if existing.Status == StatusCompleted && rec.Status != StatusCompleted {
			return Record{}, ErrAlreadyCompleted
		}
		if rec.NoteReference == "" {
			rec.NoteReference = existing.NoteReference
		}
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	m.records[key] = rec
	return rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, kind, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey{kind, eventID}
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if filter.WorkflowKind != "" && rec.WorkflowKind != filter.WorkflowKind {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.MinAttempts > 0 && rec.AttemptCount < filter.MinAttempts {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
