package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/02loveslollipop/campus-tracker/services/tracker/models"
)

// schemaVersion is bumped whenever the telemetry table layout changes.
// A version mismatch drops and recreates the table; stored telemetry is lost.
const schemaVersion = 1

var (
	// ErrIOFailure wraps any failure of the underlying database.
	ErrIOFailure = errors.New("telemetry store i/o failure")
	// ErrInvalidAggregateKind is returned for aggregate kinds outside MIN, MAX, AVG.
	ErrInvalidAggregateKind = errors.New("invalid aggregate kind")
)

// AggregateKind selects the speed aggregate function.
type AggregateKind string

const (
	AggregateMin AggregateKind = "MIN"
	AggregateMax AggregateKind = "MAX"
	AggregateAvg AggregateKind = "AVG"
)

// ParseAggregateKind validates s against the closed set of aggregate kinds.
func ParseAggregateKind(s string) (AggregateKind, error) {
	k := AggregateKind(strings.ToUpper(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Validate rejects any kind outside MIN, MAX, AVG.
func (k AggregateKind) Validate() error {
	switch k {
	case AggregateMin, AggregateMax, AggregateAvg:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidAggregateKind, string(k))
}

// Window is a closed time interval [Start, End]. An inverted window matches nothing.
type Window struct {
	Start time.Time
	End   time.Time
}

// LastMinutes returns the window covering the minutes before now.
func LastMinutes(now time.Time, minutes int) Window {
	return Window{Start: now.Add(-time.Duration(minutes) * time.Minute), End: now}
}

// Bounds renders the window edges in the stored timestamp layout.
func (w Window) Bounds() (start, end string) {
	return models.FormatTimestamp(w.Start), models.FormatTimestamp(w.End)
}

// Store is durable append-only telemetry storage.
//
// Writes are serialized; reads run concurrently with each other. Each call
// acquires and releases its connection before returning.
type Store interface {
	// Insert appends rec and returns its assigned surrogate id.
	Insert(ctx context.Context, rec models.TelemetryRecord) (int64, error)
	// QueryRange returns records with timestamps in w, in storage order,
	// optionally restricted to one entity.
	QueryRange(ctx context.Context, w Window, entityID *int) ([]models.TelemetryRecord, error)
	// DistinctEntityIDs returns every entity id ever inserted, in first-seen order.
	DistinctEntityIDs(ctx context.Context) ([]int, error)
	// AggregateSpeed computes kind over the entity's records, optionally within w.
	// No matching rows yields 0 and a "no data" log line, not an error.
	AggregateSpeed(ctx context.Context, entityID int, kind AggregateKind, w *Window) (float32, error)
	// Reset irreversibly destroys all records.
	Reset(ctx context.Context) error
	Close() error
}

// Open selects a backend: Postgres when databaseURL is set, SQLite at path otherwise.
func Open(ctx context.Context, databaseURL, path string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if databaseURL != "" {
		return NewPostgres(ctx, databaseURL, logger)
	}
	return OpenSQLite(ctx, path, logger)
}

func ioFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrIOFailure, op, err)
}

func logNoData(logger *slog.Logger, entityID int, kind AggregateKind, w *Window) {
	attrs := []any{"student_id", entityID, "kind", string(kind)}
	if w != nil {
		start, end := w.Bounds()
		attrs = append(attrs, "start", start, "end", end)
	}
	logger.Debug("no speed data", attrs...)
}
