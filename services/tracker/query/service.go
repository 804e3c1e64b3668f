// Package query answers track and speed questions for the presentation layer.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/02loveslollipop/campus-tracker/services/tracker/db"
	"github.com/02loveslollipop/campus-tracker/services/tracker/models"
	"github.com/02loveslollipop/campus-tracker/services/tracker/registry"
)

// Service composes the telemetry store and entity registry.
type Service struct {
	store    db.Store
	registry *registry.Registry
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithLocation sets the zone in which window edges are rendered.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a query service over store and reg.
func New(store db.Store, reg *registry.Registry, opts ...Option) *Service {
	s := &Service{
		store:    store,
		registry: reg,
		loc:      time.Local,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the current time in the service location.
func (s *Service) Now() time.Time {
	return s.now().In(s.loc)
}

// Location returns the zone used for window edges.
func (s *Service) Location() *time.Location {
	return s.loc
}

// ListKnownEntities returns known entities in first-seen order.
func (s *Service) ListKnownEntities() []registry.Entity {
	return s.registry.Entities()
}

// ColorOf returns the entity's color, or the unassigned color and false.
func (s *Service) ColorOf(entityID int) (registry.Entity, bool) {
	idx := s.registry.ColorOf(entityID)
	return registry.Entity{ID: entityID, ColorIndex: idx, Color: s.registry.Color(idx)}, idx != registry.Unassigned
}

// Track returns the entity's coordinates within w, in storage order.
func (s *Service) Track(ctx context.Context, entityID int, w db.Window) ([]models.Point, error) {
	records, err := s.store.QueryRange(ctx, s.localize(w), &entityID)
	if err != nil {
		return nil, fmt.Errorf("track for student %d: %w", entityID, err)
	}
	return points(records), nil
}

// RecentTrack returns the entity's coordinates over the last windowMinutes.
func (s *Service) RecentTrack(ctx context.Context, entityID, windowMinutes int) ([]models.Point, error) {
	return s.Track(ctx, entityID, db.LastMinutes(s.Now(), windowMinutes))
}

// AllRecentTracks returns the last windowMinutes of coordinates for every
// known entity. Entities without points are omitted.
func (s *Service) AllRecentTracks(ctx context.Context, windowMinutes int) (map[int][]models.Point, error) {
	w := db.LastMinutes(s.Now(), windowMinutes)
	out := make(map[int][]models.Point)
	for _, e := range s.registry.Entities() {
		pts, err := s.Track(ctx, e.ID, w)
		if err != nil {
			return nil, err
		}
		if len(pts) == 0 {
			s.logger.Debug("no points to plot", "student_id", e.ID)
			continue
		}
		out[e.ID] = pts
	}
	return out, nil
}

// SpeedSummary computes min, max and avg speed over w.
//
// The three aggregates run as separate queries against the same window. They
// are not transactional: a record inserted between them may be counted by
// some aggregates and not others. A zero value can mean no data.
func (s *Service) SpeedSummary(ctx context.Context, entityID int, w db.Window) (models.SpeedSummary, error) {
	w = s.localize(w)
	var sum models.SpeedSummary
	for _, agg := range []struct {
		kind db.AggregateKind
		dst  *float32
	}{
		{db.AggregateMin, &sum.Min},
		{db.AggregateMax, &sum.Max},
		{db.AggregateAvg, &sum.Avg},
	} {
		v, err := s.store.AggregateSpeed(ctx, entityID, agg.kind, &w)
		if err != nil {
			return models.SpeedSummary{}, fmt.Errorf("speed %s for student %d: %w", agg.kind, entityID, err)
		}
		*agg.dst = v
	}
	return sum, nil
}

// Reset clears the store and rebuilds color assignments from what remains.
// Ingestion that lands during the reset keeps its row and its color.
func (s *Service) Reset(ctx context.Context) error {
	return s.registry.Rebuild(ctx, s.store.Reset, s.store)
}

func (s *Service) localize(w db.Window) db.Window {
	return db.Window{Start: w.Start.In(s.loc), End: w.End.In(s.loc)}
}

func points(records []models.TelemetryRecord) []models.Point {
	out := make([]models.Point, 0, len(records))
	for _, r := range records {
		out = append(out, models.Point{Lat: r.Latitude, Lon: r.Longitude})
	}
	return out
}
