package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/02loveslollipop/campus-tracker/services/tracker/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS location (
    location_id INTEGER PRIMARY KEY AUTOINCREMENT,
    student_id  INTEGER NOT NULL,
    longitude   DOUBLE NOT NULL,
    latitude    DOUBLE NOT NULL,
    speed       FLOAT NOT NULL,
    ts          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS location_student_ts ON location (student_id, ts);
CREATE INDEX IF NOT EXISTS location_ts ON location (ts);
`

var sqliteAggregates = map[AggregateKind]string{
	AggregateMin: "MIN(speed)",
	AggregateMax: "MAX(speed)",
	AggregateAvg: "AVG(speed)",
}

// SQLiteStore persists telemetry in a local SQLite file.
type SQLiteStore struct {
	mu     sync.RWMutex
	sqlDB  *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ioFailure("open sqlite db", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, ioFailure("ping sqlite db", err)
	}

	s := &SQLiteStore{sqlDB: sqlDB, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	var version int
	if err := s.sqlDB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
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

// recreate drops and rebuilds the telemetry table in one transaction.
func (s *SQLiteStore) recreate(ctx context.Context) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return ioFailure("begin schema tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS location"); err != nil {
		return ioFailure("drop location table", err)
	}
	if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
		return ioFailure("create location table", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return ioFailure("write schema version", err)
	}
	if err := tx.Commit(); err != nil {
		return ioFailure("commit schema tx", err)
	}
	return nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, rec models.TelemetryRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO location (student_id, longitude, latitude, speed, ts) VALUES (?, ?, ?, ?, ?)`,
		rec.EntityID, rec.Longitude, rec.Latitude, float64(rec.Speed), rec.Timestamp)
	if err != nil {
		return 0, ioFailure("insert location", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ioFailure("read location id", err)
	}
	return id, nil
}

func (s *SQLiteStore) QueryRange(ctx context.Context, w Window, entityID *int) ([]models.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, end := w.Bounds()
	query := `SELECT location_id, student_id, latitude, longitude, speed, ts FROM location WHERE ts BETWEEN ? AND ?`
	args := []any{start, end}
	if entityID != nil {
		query += ` AND student_id = ?`
		args = append(args, *entityID)
	}
	query += ` ORDER BY location_id`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioFailure("query locations", err)
	}
	defer rows.Close()

	records := make([]models.TelemetryRecord, 0)
	for rows.Next() {
		var rec models.TelemetryRecord
		var speed float64
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Latitude, &rec.Longitude, &speed, &rec.Timestamp); err != nil {
			return nil, ioFailure("scan location", err)
		}
		rec.Speed = float32(speed)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ioFailure("iterate locations", err)
	}
	return records, nil
}

func (s *SQLiteStore) DistinctEntityIDs(ctx context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT student_id FROM location GROUP BY student_id ORDER BY MIN(location_id)`)
	if err != nil {
		return nil, ioFailure("query student ids", err)
	}
	defer rows.Close()

	ids := make([]int, 0)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, ioFailure("scan student id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, ioFailure("iterate student ids", err)
	}
	return ids, nil
}

func (s *SQLiteStore) AggregateSpeed(ctx context.Context, entityID int, kind AggregateKind, w *Window) (float32, error) {
	if err := kind.Validate(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + sqliteAggregates[kind] + ` FROM location WHERE student_id = ?`
	args := []any{entityID}
	if w != nil {
		start, end := w.Bounds()
		query += ` AND ts BETWEEN ? AND ?`
		args = append(args, start, end)
	}

	var v sql.NullFloat64
	if err := s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, ioFailure("aggregate speed", err)
	}
	if !v.Valid {
		logNoData(s.logger, entityID, kind, w)
		return 0, nil
	}
	return float32(v.Float64), nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recreate(ctx); err != nil {
		return err
	}
	s.logger.Info("location table reset")
	return nil
}
