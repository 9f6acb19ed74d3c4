package repo

import (
	"context"
	"time"

	"github.com/hamed0406/healthpipe/internal/domain"
)

// Ports (interfaces). postgres in production, sqlite or memory elsewhere.

// ObservationStore persists observations as append-only rows.
type ObservationStore interface {
	// Append stores obs in its own transaction with recorded_at set to the
	// current UTC time. A non-empty key that was already stored inserts
	// nothing and reports inserted=false without an error.
	Append(ctx context.Context, key string, obs domain.HealthObservation) (inserted bool, err error)
}

// MetricsReader is the read path over stored rows.
type MetricsReader interface {
	// Aggregate summarizes rows for url recorded in (now-window, now].
	Aggregate(ctx context.Context, url string, now time.Time) (domain.AggregateMetrics, error)
	// Recent returns up to limit rows for url, newest first. A limit of
	// zero or less yields no rows.
	Recent(ctx context.Context, url string, limit int) ([]domain.StoredHealthRow, error)
}

// SchemaManager creates tables and indexes. It is safe to run repeatedly.
type SchemaManager interface {
	EnsureSchema(ctx context.Context) error
}

type Store interface {
	ObservationStore
	MetricsReader
	SchemaManager
	Close() error
}

// WindowStart is the exclusive lower bound of the metrics window ending at now.
func WindowStart(now time.Time) time.Time {
	return now.Add(-domain.MetricsWindow)
}
