package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/healthpipe/internal/domain"
	"github.com/hamed0406/healthpipe/internal/repo"
)

var _ repo.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	rows   []domain.StoredHealthRow
	keys   map[string]struct{}
	nextID int64

	// Now stamps recorded_at; tests replace it.
	Now func() time.Time
	// FailWith, when set, is returned by Append instead of storing.
	FailWith error
}

func New() *Store {
	return &Store{
		rows: make([]domain.StoredHealthRow, 0, 128),
		keys: make(map[string]struct{}),
		Now:  time.Now,
	}
}

func (m *Store) EnsureSchema(ctx context.Context) error { return nil }

func (m *Store) Close() error { return nil }

func (m *Store) Append(ctx context.Context, key string, obs domain.HealthObservation) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if key != "" {
		if _, seen := m.keys[key]; seen {
			return false, nil
		}
		m.keys[key] = struct{}{}
	}
	m.nextID++
	m.rows = append(m.rows, domain.StoredHealthRow{
		ID:                m.nextID,
		RecordedAt:        m.Now().UTC(),
		DeliveryKey:       key,
		HealthObservation: obs,
	})
	return true, nil
}

func (m *Store) Aggregate(ctx context.Context, url string, now time.Time) (domain.AggregateMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	from := repo.WindowStart(now)
	var samples []domain.Sample
	for _, r := range m.rows {
		if r.URL != url || !r.RecordedAt.After(from) || r.RecordedAt.After(now) {
			continue
		}
		samples = append(samples, domain.Sample{Code: r.Code, TimeTaken: r.TimeTaken})
	}
	return domain.Summarize(url, samples), nil
}

func (m *Store) Recent(ctx context.Context, url string, limit int) ([]domain.StoredHealthRow, error) {
	if limit <= 0 {
		return []domain.StoredHealthRow{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.StoredHealthRow, 0, limit)
	for _, r := range m.rows {
		if r.URL == url {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Rows returns a copy of everything stored, oldest first.
func (m *Store) Rows() []domain.StoredHealthRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.StoredHealthRow(nil), m.rows...)
}

// SetFailure makes subsequent Appends fail with err; nil restores them.
func (m *Store) SetFailure(err error) {
	m.mu.Lock()
	m.FailWith = err
	m.mu.Unlock()
}
