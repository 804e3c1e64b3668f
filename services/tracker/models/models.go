package models

import "time"

// TimestampLayout is the canonical stored timestamp form ("yyyy-MM-dd HH:mm:ss").
// Stored timestamps compare lexically in chronological order.
const TimestampLayout = "2006-01-02 15:04:05"

// TelemetryRecord is one observed position and speed sample for an entity.
type TelemetryRecord struct {
	// ID is the surrogate id assigned by the store; zero until persisted.
	ID        int64   `json:"id"`
	EntityID  int     `json:"entity_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float32 `json:"speed"`
	Timestamp string  `json:"timestamp"`
}

// Point is a single coordinate on a track.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Bounds is the bounding box of a set of points.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// BoundsOf returns the bounding box of points; ok is false for an empty slice.
func BoundsOf(points []Point) (b Bounds, ok bool) {
	if len(points) == 0 {
		return Bounds{}, false
	}
	b = Bounds{MinLat: points[0].Lat, MaxLat: points[0].Lat, MinLon: points[0].Lon, MaxLon: points[0].Lon}
	for _, p := range points[1:] {
		b.MinLat = min(b.MinLat, p.Lat)
		b.MaxLat = max(b.MaxLat, p.Lat)
		b.MinLon = min(b.MinLon, p.Lon)
		b.MaxLon = max(b.MaxLon, p.Lon)
	}
	return b, true
}

// SpeedSummary holds min/max/avg speed for an entity over a window.
// A zero value may mean either "no data" or genuinely zero speed.
type SpeedSummary struct {
	Min float32 `json:"min"`
	Max float32 `json:"max"`
	Avg float32 `json:"avg"`
}

// FormatTimestamp renders t in the canonical stored layout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}
