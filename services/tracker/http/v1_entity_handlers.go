package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/02loveslollipop/campus-tracker/services/tracker/db"
	"github.com/02loveslollipop/campus-tracker/services/tracker/models"
	"github.com/02loveslollipop/campus-tracker/services/tracker/registry"
)

// handleV1ListEntities returns known students with their colors
// GET /api/v1/entities
func (s *Server) handleV1ListEntities(c *gin.Context) {
	entities := s.svc.ListKnownEntities()
	c.JSON(http.StatusOK, gin.H{
		"data": entities,
		"meta": gin.H{
			"count": len(entities),
		},
	})
}

// handleV1GetEntity returns one student's color
// GET /api/v1/entities/:id
func (s *Server) handleV1GetEntity(c *gin.Context) {
	id, ok := entityParam(c)
	if !ok {
		return
	}

	entity, assigned := s.svc.ColorOf(id)
	if !assigned {
		c.JSON(http.StatusNotFound, gin.H{"error": "student not found", "data": entity})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entity})
}

// handleV1EntityTrack returns a student's track
// GET /api/v1/entities/:id/track?minutes=5
// GET /api/v1/entities/:id/track?start=2024-01-01 00:00:00&end=2024-01-31 23:59:59
func (s *Server) handleV1EntityTrack(c *gin.Context) {
	id, ok := entityParam(c)
	if !ok {
		return
	}

	var w db.Window
	if minutesStr := c.Query("minutes"); minutesStr != "" {
		minutes, err := strconv.Atoi(minutesStr)
		if err != nil || minutes <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minutes"})
			return
		}
		w = db.LastMinutes(s.svc.Now(), minutes)
	} else if w, ok = s.windowFromQuery(c); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	points, err := s.svc.Track(ctx, id, w)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	entity, _ := s.svc.ColorOf(id)
	data := gin.H{
		"student_id": id,
		"color":      entity.Color,
		"points":     points,
	}
	if bounds, ok := models.BoundsOf(points); ok {
		data["bounds"] = bounds
	}
	c.JSON(http.StatusOK, gin.H{
		"data": data,
		"meta": windowMeta(w, len(points)),
	})
}

// handleV1EntitySpeed returns min/max/avg speed for a student
// GET /api/v1/entities/:id/speed?start=...&end=...
func (s *Server) handleV1EntitySpeed(c *gin.Context) {
	id, ok := entityParam(c)
	if !ok {
		return
	}
	w, ok := s.windowFromQuery(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	summary, err := s.svc.SpeedSummary(ctx, id, w)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"student_id": id,
			"speed":      summary,
		},
		"meta": windowMeta(w, -1),
	})
}

type entityTrack struct {
	StudentID int            `json:"student_id"`
	Color     registry.Color `json:"color"`
	Points    []models.Point `json:"points"`
	Bounds    *models.Bounds `json:"bounds,omitempty"`
}

// handleV1RecentTracks returns recent tracks for every student with data
// GET /api/v1/tracks?minutes=5
func (s *Server) handleV1RecentTracks(c *gin.Context) {
	minutes := s.cfg.TrackWindowMinutes
	if minutesStr := c.Query("minutes"); minutesStr != "" {
		parsed, err := strconv.Atoi(minutesStr)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minutes"})
			return
		}
		minutes = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	tracks, err := s.svc.AllRecentTracks(ctx, minutes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]entityTrack, 0, len(tracks))
	var all []models.Point
	for _, e := range s.svc.ListKnownEntities() {
		pts, ok := tracks[e.ID]
		if !ok {
			continue
		}
		track := entityTrack{StudentID: e.ID, Color: e.Color, Points: pts}
		if b, ok := models.BoundsOf(pts); ok {
			track.Bounds = &b
		}
		out = append(out, track)
		all = append(all, pts...)
	}

	meta := gin.H{"minutes": minutes, "count": len(out)}
	if b, ok := models.BoundsOf(all); ok {
		meta["bounds"] = b
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "meta": meta})
}

// handleV1Reset destroys all stored telemetry
// POST /api/v1/admin/reset
func (s *Server) handleV1Reset(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := s.svc.Reset(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func entityParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid student id"})
		return 0, false
	}
	return id, true
}

// windowFromQuery reads start/end, defaulting to the last SummaryDefaultDays.
// An inverted window is passed through and yields empty results.
func (s *Server) windowFromQuery(c *gin.Context) (db.Window, bool) {
	now := s.svc.Now()
	w := db.Window{Start: now.AddDate(0, 0, -s.cfg.SummaryDefaultDays), End: now}

	if startStr := c.Query("start"); startStr != "" {
		t, err := parseTime(startStr, s.svc.Location())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start timestamp"})
			return db.Window{}, false
		}
		w.Start = t
	}
	if endStr := c.Query("end"); endStr != "" {
		t, err := parseTime(endStr, s.svc.Location())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end timestamp"})
			return db.Window{}, false
		}
		w.End = t
	}
	return w, true
}

var errBadTime = errors.New("unrecognized time format")

// parseTime accepts RFC3339 or the stored layout, the latter read in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	if t, err := time.ParseInLocation(models.TimestampLayout, s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, errBadTime
}

func windowMeta(w db.Window, count int) gin.H {
	start, end := w.Bounds()
	meta := gin.H{"start": start, "end": end}
	if count >= 0 {
		meta["count"] = count
	}
	return meta
}
