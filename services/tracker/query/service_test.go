package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/02loveslollipop/campus-tracker/services/tracker/db"
	"github.com/02loveslollipop/campus-tracker/services/tracker/models"
	"github.com/02loveslollipop/campus-tracker/services/tracker/registry"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store db.Store
	reg   *registry.Registry
	svc   *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tracker.db"), discardLogger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := registry.New(nil)
	svc := New(store, reg,
		WithLocation(time.UTC),
		WithClock(func() time.Time { return now }),
		WithLogger(discardLogger))
	return fixture{store: store, reg: reg, svc: svc}
}

func (f fixture) add(t *testing.T, entity int, lat, lon float64, speed float32, at time.Time) {
	t.Helper()
	_, err := f.store.Insert(context.Background(), models.TelemetryRecord{
		EntityID:  entity,
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		Timestamp: models.FormatTimestamp(at.In(time.UTC)),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	f.reg.EnsureKnown(entity)
}

func TestRecentTrack(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, 10, 20, 1, now.Add(-10*time.Minute))
	f.add(t, 1, 11, 21, 1, now.Add(-4*time.Minute))
	f.add(t, 1, 12, 22, 1, now.Add(-1*time.Minute))
	f.add(t, 2, 50, 60, 1, now.Add(-1*time.Minute))

	got, err := f.svc.RecentTrack(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("RecentTrack: %v", err)
	}
	want := []models.Point{{Lat: 11, Lon: 21}, {Lat: 12, Lon: 22}}
	if len(got) != len(want) {
		t.Fatalf("RecentTrack = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RecentTrack[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAllRecentTracks_OmitsEmpty(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, 10, 20, 1, now.Add(-2*time.Minute))
	f.add(t, 2, 30, 40, 1, now.Add(-2*time.Hour))
	f.add(t, 3, 50, 60, 1, now.Add(-3*time.Minute))

	got, err := f.svc.AllRecentTracks(context.Background(), 5)
	if err != nil {
		t.Fatalf("AllRecentTracks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("AllRecentTracks = %v, want entities 1 and 3", got)
	}
	if _, ok := got[2]; ok {
		t.Error("entity 2 has no recent points and should be omitted")
	}
	if len(got[1]) != 1 || len(got[3]) != 1 {
		t.Errorf("AllRecentTracks = %v", got)
	}
}

func TestSpeedSummary(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, 0, 0, 3.0, now.Add(-30*time.Minute))
	f.add(t, 1, 0, 0, 7.5, now.Add(-20*time.Minute))
	f.add(t, 1, 0, 0, 2.0, now.Add(-10*time.Minute))

	got, err := f.svc.SpeedSummary(context.Background(), 1, db.Window{Start: now.Add(-time.Hour), End: now})
	if err != nil {
		t.Fatalf("SpeedSummary: %v", err)
	}
	if got.Min != 2.0 || got.Max != 7.5 {
		t.Errorf("SpeedSummary = %+v, want min 2 max 7.5", got)
	}
	if math.Abs(float64(got.Avg)-12.5/3) > 1e-4 {
		t.Errorf("SpeedSummary.Avg = %v, want %v", got.Avg, 12.5/3)
	}

	empty, err := f.svc.SpeedSummary(context.Background(), 99, db.Window{Start: now.Add(-time.Hour), End: now})
	if err != nil {
		t.Fatalf("SpeedSummary(no data): %v", err)
	}
	if empty != (models.SpeedSummary{}) {
		t.Errorf("SpeedSummary(no data) = %+v, want zeros", empty)
	}
}

func TestWindowRenderedInServiceLocation(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, 1, 1, 4, now.Add(-time.Minute))

	// Same instant expressed in another zone must match the UTC-stored timestamp.
	tokyo := time.FixedZone("JST", 9*3600)
	w := db.Window{Start: now.Add(-5 * time.Minute).In(tokyo), End: now.In(tokyo)}
	got, err := f.svc.Track(context.Background(), 1, w)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Track = %v, want 1 point", got)
	}
}

func TestColorOfAndList(t *testing.T) {
	f := newFixture(t)
	f.add(t, 5, 0, 0, 1, now)
	f.add(t, 7, 0, 0, 1, now)

	e, ok := f.svc.ColorOf(7)
	if !ok || e.ColorIndex != 1 || e.Color != registry.DefaultPalette[1] {
		t.Errorf("ColorOf(7) = %+v, %v", e, ok)
	}
	if _, ok := f.svc.ColorOf(8); ok {
		t.Error("ColorOf(unknown) reported assigned")
	}

	list := f.svc.ListKnownEntities()
	if len(list) != 2 || list[0].ID != 5 || list[1].ID != 7 {
		t.Errorf("ListKnownEntities = %+v", list)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.add(t, 5, 0, 0, 1, now)

	if err := f.svc.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(f.svc.ListKnownEntities()) != 0 {
		t.Error("registry not cleared")
	}
	got, err := f.svc.AllRecentTracks(context.Background(), 60)
	if err != nil || len(got) != 0 {
		t.Errorf("AllRecentTracks after reset = %v, %v", got, err)
	}
}

// concurrentInsertStore stores a record for entity right after the
// underlying reset, from another goroutine, the way ingestion would.
type concurrentInsertStore struct {
	db.Store
	reg    *registry.Registry
	entity int
	done   chan struct{}
	err    error
}

func (s *concurrentInsertStore) Reset(ctx context.Context) error {
	if err := s.Store.Reset(ctx); err != nil {
		return err
	}
	inserted := make(chan struct{})
	go func() {
		defer close(s.done)
		_, s.err = s.Store.Insert(ctx, models.TelemetryRecord{
			EntityID:  s.entity,
			Timestamp: models.FormatTimestamp(now),
		})
		close(inserted)
		if s.err == nil {
			s.reg.EnsureKnown(s.entity)
		}
	}()
	<-inserted
	return nil
}

func TestReset_ConcurrentIngestionKeepsColorsReplayable(t *testing.T) {
	f := newFixture(t)
	f.add(t, 3, 0, 0, 1, now)

	store := &concurrentInsertStore{Store: f.store, reg: f.reg, entity: 7, done: make(chan struct{})}
	svc := New(store, f.reg, WithLocation(time.UTC), WithClock(func() time.Time { return now }), WithLogger(discardLogger))
	if err := svc.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	<-store.done
	if store.err != nil {
		t.Fatalf("Insert during reset: %v", store.err)
	}
	f.add(t, 9, 0, 0, 1, now)

	list := svc.ListKnownEntities()
	if len(list) != 2 || list[0].ID != 7 || list[1].ID != 9 {
		t.Fatalf("ListKnownEntities = %+v, want [7 9]", list)
	}
	reloaded, err := registry.Load(context.Background(), f.store, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, id := range []int{3, 7, 9} {
		if live, replay := f.reg.ColorOf(id), reloaded.ColorOf(id); live != replay {
			t.Errorf("ColorOf(%d) live = %d, reloaded = %d", id, live, replay)
		}
	}
}

type failingStore struct{ db.Store }

func (failingStore) QueryRange(context.Context, db.Window, *int) ([]models.TelemetryRecord, error) {
	return nil, db.ErrIOFailure
}

func TestTrack_PropagatesStoreError(t *testing.T) {
	svc := New(failingStore{}, registry.New(nil), WithLogger(discardLogger))
	if _, err := svc.RecentTrack(context.Background(), 1, 5); !errors.Is(err, db.ErrIOFailure) {
		t.Errorf("RecentTrack err = %v, want ErrIOFailure", err)
	}
}
