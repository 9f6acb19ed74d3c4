// Package sqlite stores observations in a single SQLite file. It keeps the
// same append-only contract as the postgres store for single-node runs;
// aggregation happens in Go because SQLite has no percentile_disc.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hamed0406/healthpipe/internal/domain"
	"github.com/hamed0406/healthpipe/internal/repo"
)

var _ repo.Store = (*Store)(nil)

type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// New opens (or creates) the database at path.
func New(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db, log: log, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// recorded_at holds UTC unix nanoseconds so range scans compare integers.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS health_check_data (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at        INTEGER NOT NULL,
	url                TEXT NOT NULL,
	status_code        INTEGER,
	status             TEXT NOT NULL,
	response_time_secs REAL,
	delivery_key       TEXT
);
CREATE INDEX IF NOT EXISTS health_check_recorded_at_idx ON health_check_data (recorded_at);
CREATE INDEX IF NOT EXISTS health_check_url_recorded_at_idx ON health_check_data (url, recorded_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS health_check_delivery_key_idx ON health_check_data (delivery_key);
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, key string, obs domain.HealthObservation) (bool, error) {
	var deliveryKey *string
	if key != "" {
		deliveryKey = &key
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO health_check_data (recorded_at, url, status_code, status, response_time_secs, delivery_key)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(delivery_key) DO NOTHING`,
		s.now().UTC().UnixNano(), obs.URL, obs.Code.Ptr(), string(obs.Status), obs.TimeTaken.Ptr(), deliveryKey)
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	if n == 0 && s.log != nil {
		s.log.Debug("store_duplicate", zap.String("delivery_key", key), zap.String("url", obs.URL))
	}
	return n == 1, nil
}

func (s *Store) Aggregate(ctx context.Context, url string, now time.Time) (domain.AggregateMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT status_code, response_time_secs
  FROM health_check_data
 WHERE url = ? AND recorded_at > ? AND recorded_at <= ?`,
		url, repo.WindowStart(now).UTC().UnixNano(), now.UTC().UnixNano())
	if err != nil {
		return domain.AggregateMetrics{}, fmt.Errorf("aggregate: %w", err)
	}
	defer rows.Close()

	var samples []domain.Sample
	for rows.Next() {
		var smp domain.Sample
		if err := rows.Scan(&smp.Code, &smp.TimeTaken); err != nil {
			return domain.AggregateMetrics{}, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, smp)
	}
	if err := rows.Err(); err != nil {
		return domain.AggregateMetrics{}, fmt.Errorf("aggregate: %w", err)
	}
	return domain.Summarize(url, samples), nil
}

func (s *Store) Recent(ctx context.Context, url string, limit int) ([]domain.StoredHealthRow, error) {
	if limit <= 0 {
		return []domain.StoredHealthRow{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, recorded_at, url, status_code, status, response_time_secs, COALESCE(delivery_key, '')
  FROM health_check_data
 WHERE url = ?
 ORDER BY recorded_at DESC, id DESC
 LIMIT ?`, url, limit)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredHealthRow
	for rows.Next() {
		var (
			r      domain.StoredHealthRow
			ns     int64
			status string
		)
		if err := rows.Scan(&r.ID, &ns, &r.URL, &r.Code, &status, &r.TimeTaken, &r.DeliveryKey); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.RecordedAt = time.Unix(0, ns).UTC()
		r.Status = domain.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
