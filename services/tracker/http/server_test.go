package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/02loveslollipop/campus-tracker/services/tracker/config"
	"github.com/02loveslollipop/campus-tracker/services/tracker/db"
	"github.com/02loveslollipop/campus-tracker/services/tracker/ingest"
	"github.com/02loveslollipop/campus-tracker/services/tracker/models"
	"github.com/02loveslollipop/campus-tracker/services/tracker/query"
	"github.com/02loveslollipop/campus-tracker/services/tracker/registry"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var now = time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)

type fakeStatus struct{}

func (fakeStatus) State() ingest.State { return ingest.StateReceiving }
func (fakeStatus) Stats() ingest.Stats { return ingest.Stats{Received: 3, Stored: 2, Rejected: 1} }

type testEnv struct {
	server *Server
	store  db.Store
	reg    *registry.Registry
	hub    *Hub
}

func newTestEnv(t *testing.T, token string) testEnv {
	t.Helper()
	store, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tracker.db"), discardLogger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(nil)
	svc := query.New(store, reg,
		query.WithLocation(time.UTC),
		query.WithClock(func() time.Time { return now }),
		query.WithLogger(discardLogger))
	cfg := config.Config{Port: 0, BearerToken: token, TrackWindowMinutes: 5, SummaryDefaultDays: 30}
	hub := NewHub()
	return testEnv{server: New(cfg, svc, fakeStatus{}, hub), store: store, reg: reg, hub: hub}
}

func (e testEnv) add(t *testing.T, rec models.TelemetryRecord) {
	t.Helper()
	if _, err := e.store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	e.reg.EnsureKnown(rec.EntityID)
}

func (e testEnv) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status    string `json:"status"`
		Ingestion struct {
			State string       `json:"state"`
			Stats ingest.Stats `json:"stats"`
		} `json:"ingestion"`
	}
	decode(t, rec, &body)
	if body.Status != "ok" || body.Ingestion.State != "receiving" || body.Ingestion.Stats.Stored != 2 {
		t.Errorf("healthz = %+v", body)
	}
}

func TestEndToEndSpeedSummary(t *testing.T) {
	env := newTestEnv(t, "")
	env.add(t, models.TelemetryRecord{EntityID: 42, Latitude: 1, Longitude: 2, Speed: 5, Timestamp: "2024-01-01 00:00:00"})

	rec := env.do(t, http.MethodGet, "/api/v1/entities", nil)
	var list struct {
		Data []registry.Entity `json:"data"`
	}
	decode(t, rec, &list)
	if len(list.Data) != 1 || list.Data[0].ID != 42 || list.Data[0].Color != registry.DefaultPalette[0] {
		t.Fatalf("entities = %+v", list.Data)
	}
	if rec.Header().Get("X-API-Version") != "v1" {
		t.Error("missing X-API-Version header")
	}

	q := url.Values{"start": {"2023-12-31 23:00:00"}, "end": {"2024-01-01T01:00:00Z"}}
	rec = env.do(t, http.MethodGet, "/api/v1/entities/42/speed?"+q.Encode(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("speed status = %d: %s", rec.Code, rec.Body.String())
	}
	var speed struct {
		Data struct {
			Speed models.SpeedSummary `json:"speed"`
		} `json:"data"`
	}
	decode(t, rec, &speed)
	if speed.Data.Speed != (models.SpeedSummary{Min: 5, Max: 5, Avg: 5}) {
		t.Errorf("speed = %+v, want all 5", speed.Data.Speed)
	}
}

func TestGetEntity(t *testing.T) {
	env := newTestEnv(t, "")
	env.add(t, models.TelemetryRecord{EntityID: 5, Timestamp: "2024-01-01 00:00:00"})
	env.add(t, models.TelemetryRecord{EntityID: 7, Timestamp: "2024-01-01 00:00:00"})

	rec := env.do(t, http.MethodGet, "/api/v1/entities/7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Data registry.Entity `json:"data"`
	}
	decode(t, rec, &body)
	if body.Data.ColorIndex != 1 {
		t.Errorf("color index = %d, want 1", body.Data.ColorIndex)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/entities/8", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown entity status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/entities/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestEntityTrack(t *testing.T) {
	env := newTestEnv(t, "")
	env.add(t, models.TelemetryRecord{EntityID: 1, Latitude: 10, Longitude: 20, Timestamp: "2024-01-01 00:07:00"})
	env.add(t, models.TelemetryRecord{EntityID: 1, Latitude: 12, Longitude: 18, Timestamp: "2024-01-01 00:09:00"})
	env.add(t, models.TelemetryRecord{EntityID: 1, Latitude: 50, Longitude: 50, Timestamp: "2023-12-15 00:00:00"})

	rec := env.do(t, http.MethodGet, "/api/v1/entities/1/track?minutes=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data struct {
			Points []models.Point `json:"points"`
			Bounds models.Bounds  `json:"bounds"`
		} `json:"data"`
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	decode(t, rec, &body)
	if body.Meta.Count != 2 || len(body.Data.Points) != 2 {
		t.Fatalf("track = %+v", body)
	}
	want := models.Bounds{MinLat: 10, MinLon: 18, MaxLat: 12, MaxLon: 20}
	if body.Data.Bounds != want {
		t.Errorf("bounds = %+v, want %+v", body.Data.Bounds, want)
	}

	// default window is the last 30 days
	rec = env.do(t, http.MethodGet, "/api/v1/entities/1/track", nil)
	decode(t, rec, &body)
	if body.Meta.Count != 3 {
		t.Errorf("default window count = %d, want 3", body.Meta.Count)
	}

	// inverted window is not an error
	q := url.Values{"start": {"2024-01-02 00:00:00"}, "end": {"2024-01-01 00:00:00"}}
	rec = env.do(t, http.MethodGet, "/api/v1/entities/1/track?"+q.Encode(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("inverted status = %d", rec.Code)
	}
	decode(t, rec, &body)
	if body.Meta.Count != 0 {
		t.Errorf("inverted window count = %d, want 0", body.Meta.Count)
	}

	for _, target := range []string{
		"/api/v1/entities/1/track?minutes=-1",
		"/api/v1/entities/1/track?start=yesterday",
		"/api/v1/entities/1/speed?end=01-01-2024",
	} {
		if rec := env.do(t, http.MethodGet, target, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", target, rec.Code)
		}
	}
}

func TestRecentTracks(t *testing.T) {
	env := newTestEnv(t, "")
	env.add(t, models.TelemetryRecord{EntityID: 1, Latitude: 1, Longitude: 1, Timestamp: "2024-01-01 00:08:00"})
	env.add(t, models.TelemetryRecord{EntityID: 2, Latitude: 2, Longitude: 2, Timestamp: "2023-01-01 00:00:00"})
	env.add(t, models.TelemetryRecord{EntityID: 3, Latitude: 3, Longitude: 3, Timestamp: "2024-01-01 00:09:00"})

	rec := env.do(t, http.MethodGet, "/api/v1/tracks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Data []entityTrack `json:"data"`
	}
	decode(t, rec, &body)
	if len(body.Data) != 2 || body.Data[0].StudentID != 1 || body.Data[1].StudentID != 3 {
		t.Fatalf("tracks = %+v, want students 1 and 3", body.Data)
	}
	if body.Data[1].Color != registry.DefaultPalette[2] {
		t.Errorf("student 3 color = %+v, want palette[2]", body.Data[1].Color)
	}
}

func TestAdminReset(t *testing.T) {
	open := newTestEnv(t, "")
	if rec := open.do(t, http.MethodPost, "/api/v1/admin/reset", nil); rec.Code != http.StatusNotFound {
		t.Errorf("reset without configured token status = %d, want 404", rec.Code)
	}

	env := newTestEnv(t, "s3cret")
	env.add(t, models.TelemetryRecord{EntityID: 1, Timestamp: "2024-01-01 00:00:00"})

	if rec := env.do(t, http.MethodPost, "/api/v1/admin/reset", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("reset without auth status = %d, want 401", rec.Code)
	}
	bad := http.Header{"Authorization": {"Bearer nope"}}
	if rec := env.do(t, http.MethodPost, "/api/v1/admin/reset", bad); rec.Code != http.StatusUnauthorized {
		t.Errorf("reset with wrong token status = %d, want 401", rec.Code)
	}

	good := http.Header{"Authorization": {"Bearer s3cret"}}
	if rec := env.do(t, http.MethodPost, "/api/v1/admin/reset", good); rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	ids, err := env.store.DistinctEntityIDs(context.Background())
	if err != nil || len(ids) != 0 {
		t.Errorf("DistinctEntityIDs after reset = %v, %v", ids, err)
	}
	if env.reg.Len() != 0 {
		t.Error("registry not cleared by reset")
	}
}

func TestStream(t *testing.T) {
	env := newTestEnv(t, "")
	env.reg.EnsureKnown(42)

	srv := httptest.NewServer(env.server.Engine())
	defer srv.Close()
	defer env.hub.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		env.hub.mu.Lock()
		n := len(env.hub.clients)
		env.hub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.Broadcast(ingest.Event{EntityID: 42, RecordID: 1, IsNew: true})

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var event, data string
	timeout := time.After(2 * time.Second)
	for data == "" {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed early")
			}
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(line, "data:")
			}
		case <-timeout:
			t.Fatal("no event received")
		}
	}
	if event != "new_entity" {
		t.Errorf("event = %q, want new_entity", event)
	}
	if !strings.Contains(data, `"student_id":42`) {
		t.Errorf("data = %q", data)
	}
}
