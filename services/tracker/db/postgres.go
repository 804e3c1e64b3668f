package db

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/02loveslollipop/campus-tracker/services/tracker/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS location (
    location_id BIGSERIAL PRIMARY KEY,
    student_id  INTEGER NOT NULL,
    longitude   DOUBLE PRECISION NOT NULL,
    latitude    DOUBLE PRECISION NOT NULL,
    speed       REAL NOT NULL,
    ts          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS location_student_ts ON location (student_id, ts);
CREATE INDEX IF NOT EXISTS location_ts ON location (ts);
`

const schemaVersionTable = `CREATE TABLE IF NOT EXISTS tracker_schema_version (version INTEGER NOT NULL)`

var postgresAggregates = map[AggregateKind]string{
	AggregateMin: "MIN(speed)::double precision",
	AggregateMax: "MAX(speed)::double precision",
	AggregateAvg: "AVG(speed)::double precision",
}

// PostgresStore persists telemetry in Postgres through a pgx pool.
type PostgresStore struct {
	mu     sync.RWMutex
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects to databaseURL and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, ioFailure("create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, ioFailure("ping postgres", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaVersionTable); err != nil {
		return ioFailure("create schema version table", err)
	}

	var version int
	err := s.pool.QueryRow(ctx, `SELECT version FROM tracker_schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		version = 0
	case err != nil:
		return ioFailure("read schema version", err)
	}
	if version == schemaVersion {
		return nil
	}
	if version != 0 {
		s.logger.Warn("telemetry schema version changed; dropping stored telemetry",
			"from", version, "to", schemaVersion)
	}
	return s.recreate(ctx)
}

func (s *PostgresStore) recreate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ioFailure("begin schema tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DROP TABLE IF EXISTS location`); err != nil {
		return ioFailure("drop location table", err)
	}
	if _, err := tx.Exec(ctx, postgresSchema); err != nil {
		return ioFailure("create location table", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tracker_schema_version`); err != nil {
		return ioFailure("clear schema version", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO tracker_schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
		return ioFailure("write schema version", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ioFailure("commit schema tx", err)
	}
	return nil
}

// Close releases the pool resources.
func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec models.TelemetryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO location (student_id, longitude, latitude, speed, ts) VALUES ($1, $2, $3, $4, $5) RETURNING location_id`,
		rec.EntityID, rec.Longitude, rec.Latitude, rec.Speed, rec.Timestamp).Scan(&id)
	if err != nil {
		return 0, ioFailure("insert location", err)
	}
	return id, nil
}

func (s *PostgresStore) QueryRange(ctx context.Context, w Window, entityID *int) ([]models.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, end := w.Bounds()
	query := `SELECT location_id, student_id, latitude, longitude, speed, ts FROM location WHERE ts BETWEEN $1 AND $2`
	args := []any{start, end}
	if entityID != nil {
		query += ` AND student_id = $` + strconv.Itoa(len(args)+1)
		args = append(args, *entityID)
	}
	query += ` ORDER BY location_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, ioFailure("query locations", err)
	}
	defer rows.Close()

	records := make([]models.TelemetryRecord, 0)
	for rows.Next() {
		var rec models.TelemetryRecord
		var id int32
		if err := rows.Scan(&rec.ID, &id, &rec.Latitude, &rec.Longitude, &rec.Speed, &rec.Timestamp); err != nil {
			return nil, ioFailure("scan location", err)
		}
		rec.EntityID = int(id)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ioFailure("iterate locations", err)
	}
	return records, nil
}

func (s *PostgresStore) DistinctEntityIDs(ctx context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.pool.Query(ctx,
		`SELECT student_id FROM location GROUP BY student_id ORDER BY MIN(location_id)`)
	if err != nil {
		return nil, ioFailure("query student ids", err)
	}
	defer rows.Close()

	ids := make([]int, 0)
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, ioFailure("scan student id", err)
		}
		ids = append(ids, int(id))
	}
	if err := rows.Err(); err != nil {
		return nil, ioFailure("iterate student ids", err)
	}
	return ids, nil
}

func (s *PostgresStore) AggregateSpeed(ctx context.Context, entityID int, kind AggregateKind, w *Window) (float32, error) {
	if err := kind.Validate(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + postgresAggregates[kind] + ` FROM location WHERE student_id = $1`
	args := []any{entityID}
	if w != nil {
		start, end := w.Bounds()
		query += ` AND ts BETWEEN $2 AND $3`
		args = append(args, start, end)
	}

	var v *float64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&v); err != nil {
		return 0, ioFailure("aggregate speed", err)
	}
	if v == nil {
		logNoData(s.logger, entityID, kind, w)
		return 0, nil
	}
	return float32(*v), nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recreate(ctx); err != nil {
		return err
	}
	s.logger.Info("location table reset")
	return nil
}
