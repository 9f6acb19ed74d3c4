package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/guregu/null/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/domain"
	"github.com/hamed0406/healthpipe/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Options bound the connection pool.
type Options struct {
	MinConns int32
	MaxConns int32
}

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
	now  func() time.Time
}

// NewPool builds the process-wide pool: lazily dialed beyond MinConns,
// capped at MaxConns, verified with a ping.
func NewPool(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.MinConns <= 0 {
		opts.MinConns = 1
	}
	if opts.MaxConns < opts.MinConns {
		opts.MaxConns = 3
	}
	cfg.MinConns = opts.MinConns
	cfg.MaxConns = opts.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func New(ctx context.Context, dsn string, opts Options, log *zap.Logger) (*Store, error) {
	pool, err := NewPool(ctx, dsn, opts)
	if err != nil {
		return nil, err
	}
	return NewWithPool(pool, log), nil
}

// NewWithPool wraps an existing pool; Close closes it.
func NewWithPool(pool *pgxpool.Pool, log *zap.Logger) *Store {
	return &Store{pool: pool, log: log, now: time.Now}
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// schemaLockID serializes concurrent bootstraps from several processes.
const schemaLockID = 7438211

// Indexes follow the time-series layout: BRIN on recorded_at for range
// scans, btree on (url, recorded_at DESC) for "last N minutes of one url".
const schemaSQL = `
CREATE TABLE IF NOT EXISTS health_check_data (
  id                 BIGSERIAL PRIMARY KEY,
  recorded_at        TIMESTAMPTZ NOT NULL,
  url                TEXT NOT NULL,
  status_code        INTEGER,
  status             TEXT NOT NULL,
  response_time_secs REAL,
  delivery_key       TEXT
);

ALTER TABLE health_check_data ADD COLUMN IF NOT EXISTS delivery_key TEXT;

CREATE INDEX IF NOT EXISTS health_check_recorded_at_brin_idx
    ON health_check_data USING BRIN (recorded_at) WITH (pages_per_range = 32);

CREATE INDEX IF NOT EXISTS health_check_url_recorded_at_idx
    ON health_check_data USING btree (url, recorded_at DESC);

CREATE UNIQUE INDEX IF NOT EXISTS health_check_delivery_key_idx
    ON health_check_data (delivery_key);
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(schemaLockID)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, schemaSQL)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ---- ObservationStore ----

func (s *Store) Append(ctx context.Context, key string, obs domain.HealthObservation) (bool, error) {
	var deliveryKey *string
	if key != "" {
		deliveryKey = &key
	}
	recordedAt := s.now().UTC()

	var inserted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO health_check_data
			   (recorded_at, url, status_code, status, response_time_secs, delivery_key)
			 VALUES
			   ($1, $2, $3, $4, $5::float8, $6)
			 ON CONFLICT (delivery_key) DO NOTHING`,
			recordedAt, obs.URL, obs.Code.Ptr(), string(obs.Status), obs.TimeTaken.Ptr(), deliveryKey,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	if !inserted && s.log != nil {
		s.log.Debug("store_duplicate", zap.String("delivery_key", key), zap.String("url", obs.URL))
	}
	return inserted, nil
}

// ---- MetricsReader ----

func (s *Store) Aggregate(ctx context.Context, url string, now time.Time) (domain.AggregateMetrics, error) {
	var (
		n        int64
		avg, p90 *float64
		bad      int64
	)
	err := s.pool.QueryRow(ctx, `
SELECT count(*),
       avg(response_time_secs)::float8,
       count(*) FILTER (WHERE status_code > $4),
       (percentile_disc(0.9) WITHIN GROUP (ORDER BY response_time_secs))::float8
  FROM health_check_data
 WHERE url = $1
   AND recorded_at > $2
   AND recorded_at <= $3`,
		url, repo.WindowStart(now).UTC(), now.UTC(), domain.BadCodeThreshold,
	).Scan(&n, &avg, &bad, &p90)
	if err != nil {
		return domain.AggregateMetrics{}, fmt.Errorf("aggregate: %w", err)
	}

	m := domain.AggregateMetrics{URL: url, Window: domain.MetricsWindow, Samples: int(n)}
	if n > 0 {
		m.NumBad = null.IntFrom(bad)
		m.AvgResponseTime = null.FloatFromPtr(avg)
		m.P90ResponseTime = null.FloatFromPtr(p90)
	}
	return m, nil
}

func (s *Store) Recent(ctx context.Context, url string, limit int) ([]domain.StoredHealthRow, error) {
	if limit <= 0 {
		return []domain.StoredHealthRow{}, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, recorded_at, url, status_code, status, response_time_secs::float8, COALESCE(delivery_key, '')
  FROM health_check_data
 WHERE url = $1
 ORDER BY recorded_at DESC, id DESC
 LIMIT $2`, url, limit)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredHealthRow
	for rows.Next() {
		var (
			r      domain.StoredHealthRow
			code   *int64
			secs   *float64
			status string
		)
		if err := rows.Scan(&r.ID, &r.RecordedAt, &r.URL, &code, &status, &secs, &r.DeliveryKey); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Status = domain.Status(status)
		r.Code = null.IntFromPtr(code)
		r.TimeTaken = null.FloatFromPtr(secs)
		r.RecordedAt = r.RecordedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
