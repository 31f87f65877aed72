// Package store persists bloom status reports in PostgreSQL. Reports are
// append-only facts: the current status of a street is always its most recent
// report, and nothing here ever updates or deletes one.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aileene-willow/vancouvercherryblossoms/internal/models"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/observability"
)

// DefaultStatsTimeout bounds the neighborhood aggregate query. The aggregate
// is advisory, so on timeout the store degrades to zero counts instead of
// failing the request.
const DefaultStatsTimeout = 3 * time.Second

// ErrUnknownStatus is returned when a write carries a status outside the
// accepted set.
var ErrUnknownStatus = errors.New("store: unknown bloom status")

// Store wraps a pgx connection pool with the bloom status queries.
type Store struct {
	pool         *pgxpool.Pool
	logger       *zap.Logger
	statsTimeout time.Duration
}

// New connects a pool to databaseURL and verifies the connection.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MaxConnIdleTime = 10 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger, statsTimeout: DefaultStatsTimeout}, nil
}

// NewWithPool wraps an existing pool. Tests and migrations use this.
func NewWithPool(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger, statsTimeout: DefaultStatsTimeout}
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const schema = `
DO $$ BEGIN
    CREATE TYPE bloom_status AS ENUM ('blooming', 'unknown');
EXCEPTION
    WHEN duplicate_object THEN NULL;
END $$;

CREATE TABLE IF NOT EXISTS streets (
    id           SERIAL PRIMARY KEY,
    name         TEXT NOT NULL,
    neighborhood TEXT NOT NULL,
    tree_count   INTEGER NOT NULL DEFAULT 0,
    UNIQUE (name, neighborhood)
);

CREATE TABLE IF NOT EXISTS bloom_status_reports (
    id        SERIAL PRIMARY KEY,
    street_id INTEGER NOT NULL REFERENCES streets(id),
    status    bloom_status NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    latitude  DOUBLE PRECISION,
    longitude DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_reports_street_time
    ON bloom_status_reports (street_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_streets_neighborhood
    ON streets (neighborhood);
`

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("database schema applied")
	return nil
}

// GetStreetStatus returns the latest report for a street joined with its tree
// count. A street nobody has reported on yet reads as unknown, not an error.
func (s *Store) GetStreetStatus(ctx context.Context, street string) (models.StreetStatus, error) {
	timer := prometheus.NewTimer(observability.StoreQueryDuration.WithLabelValues("street_status"))
	defer timer.ObserveDuration()

	const q = `
        SELECT s.name, s.neighborhood, s.tree_count,
               COALESCE(r.status::text, 'unknown'),
               r.timestamp, r.latitude, r.longitude
        FROM streets s
        LEFT JOIN LATERAL (
            SELECT status, timestamp, latitude, longitude
            FROM bloom_status_reports
            WHERE street_id = s.id
            ORDER BY timestamp DESC, id DESC
            LIMIT 1
        ) r ON true
        WHERE s.name = $1`

	var (
		status    models.StreetStatus
		rawStatus string
	)
	err := s.pool.QueryRow(ctx, q, street).Scan(
		&status.Street, &status.Neighborhood, &status.TreeCount,
		&rawStatus, &status.Timestamp, &status.Latitude, &status.Longitude,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UnknownStreetStatus(), nil
	}
	if err != nil {
		return models.StreetStatus{}, fmt.Errorf("query street status: %w", err)
	}
	status.Status = models.BloomStatus(rawStatus)
	status.Reporter = models.DefaultReporter
	return status, nil
}

// UpdateStatus records a new report. The street row is upserted (refreshing
// its tree count) and the report inserted in one transaction, so a report can
// never reference a street that was not persisted.
func (s *Store) UpdateStatus(ctx context.Context, report models.BloomReport) (models.BloomReport, error) {
	if !report.Status.Valid() {
		return models.BloomReport{}, fmt.Errorf("%w: %q", ErrUnknownStatus, report.Status)
	}

	timer := prometheus.NewTimer(observability.StoreQueryDuration.WithLabelValues("update_status"))
	defer timer.ObserveDuration()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.BloomReport{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var streetID int64
	err = tx.QueryRow(ctx, `
        INSERT INTO streets (name, neighborhood, tree_count)
        VALUES ($1, $2, $3)
        ON CONFLICT (name, neighborhood)
        DO UPDATE SET tree_count = EXCLUDED.tree_count
        RETURNING id`,
		report.Street, report.Neighborhood, report.TreeCount,
	).Scan(&streetID)
	if err != nil {
		return models.BloomReport{}, fmt.Errorf("upsert street: %w", err)
	}

	persisted := models.BloomReport{
		Street:       report.Street,
		Status:       report.Status,
		Neighborhood: report.Neighborhood,
		Reporter:     models.DefaultReporter,
		Latitude:     report.Latitude,
		Longitude:    report.Longitude,
		TreeCount:    report.TreeCount,
	}
	err = tx.QueryRow(ctx, `
        INSERT INTO bloom_status_reports (street_id, status, latitude, longitude)
        VALUES ($1, $2::bloom_status, $3, $4)
        RETURNING id, timestamp`,
		streetID, string(report.Status), report.Latitude, report.Longitude,
	).Scan(&persisted.ID, &persisted.Timestamp)
	if err != nil {
		return models.BloomReport{}, fmt.Errorf("insert report: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.BloomReport{}, fmt.Errorf("commit transaction: %w", err)
	}
	return persisted, nil
}

// GetNeighborhoodStats counts streets by current status for one neighborhood.
// Streets whose latest report is unknown, or that have no report at all,
// count as unknown. The query runs under a statement timeout; on failure the
// stats degrade to zero counts carrying an error marker so the aggregate view
// stays up while the street-level facts remain intact.
func (s *Store) GetNeighborhoodStats(ctx context.Context, neighborhood string) (models.NeighborhoodStats, error) {
	timer := prometheus.NewTimer(observability.StoreQueryDuration.WithLabelValues("neighborhood_stats"))
	defer timer.ObserveDuration()

	stats, err := s.queryNeighborhoodStats(ctx, neighborhood)
	if err != nil {
		// A dead request context is the caller's timeout, not the statement's.
		if ctx.Err() != nil {
			return models.NeighborhoodStats{}, err
		}
		s.logger.Warn("neighborhood stats query failed, degrading to zero counts",
			zap.String("neighborhood", neighborhood), zap.Error(err))
		return models.NeighborhoodStats{Error: err.Error()}, nil
	}
	return stats, nil
}

func (s *Store) queryNeighborhoodStats(ctx context.Context, neighborhood string) (models.NeighborhoodStats, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.NeighborhoodStats{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	// The timeout is scoped to this connection and reset before release.
	timeoutMS := s.statsTimeout.Milliseconds()
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", timeoutMS)); err != nil {
		return models.NeighborhoodStats{}, fmt.Errorf("set statement timeout: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "RESET statement_timeout"); err != nil {
			s.logger.Warn("failed to reset statement timeout", zap.Error(err))
		}
	}()

	const q = `
        WITH latest_status AS (
            SELECT DISTINCT ON (s.name)
                s.name AS street,
                r.status,
                r.timestamp AS last_updated
            FROM streets s
            LEFT JOIN bloom_status_reports r ON s.id = r.street_id
            WHERE s.neighborhood = $1
            ORDER BY s.name, r.timestamp DESC, r.id DESC
        )
        SELECT
            COUNT(DISTINCT street),
            COUNT(DISTINCT CASE WHEN status = 'blooming' THEN street END),
            COUNT(DISTINCT CASE WHEN status IS NULL OR status = 'unknown' THEN street END),
            MAX(last_updated)
        FROM latest_status`

	var stats models.NeighborhoodStats
	err = conn.QueryRow(ctx, q, neighborhood).Scan(
		&stats.TotalStreets, &stats.BloomingCount, &stats.UnknownCount, &stats.LastUpdated,
	)
	if err != nil {
		return models.NeighborhoodStats{}, fmt.Errorf("query neighborhood stats: %w", err)
	}
	return stats, nil
}

// GetRecentReports returns the newest reports across all streets, newest
// first, joined with their street names and tree counts.
func (s *Store) GetRecentReports(ctx context.Context, limit int) ([]models.BloomReport, error) {
	if limit <= 0 {
		limit = 10
	}

	timer := prometheus.NewTimer(observability.StoreQueryDuration.WithLabelValues("recent_reports"))
	defer timer.ObserveDuration()

	const q = `
        SELECT r.id, s.name, s.neighborhood, s.tree_count,
               r.status::text, r.timestamp, r.latitude, r.longitude
        FROM bloom_status_reports r
        JOIN streets s ON s.id = r.street_id
        ORDER BY r.timestamp DESC, r.id DESC
        LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent reports: %w", err)
	}
	defer rows.Close()

	reports := make([]models.BloomReport, 0, limit)
	for rows.Next() {
		var (
			report    models.BloomReport
			rawStatus string
		)
		if err := rows.Scan(
			&report.ID, &report.Street, &report.Neighborhood, &report.TreeCount,
			&rawStatus, &report.Timestamp, &report.Latitude, &report.Longitude,
		); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		report.Status = models.BloomStatus(rawStatus)
		report.Reporter = models.DefaultReporter
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return reports, nil
}
