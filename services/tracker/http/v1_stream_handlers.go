package http

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/02loveslollipop/campus-tracker/services/tracker/ingest"
)

const (
	streamBuffer    = 32
	streamKeepalive = 30 * time.Second
)

// Hub fans entity events out to connected stream clients. Slow clients miss
// events rather than holding up delivery.
type Hub struct {
	mu      sync.Mutex
	clients map[chan ingest.Event]struct{}
	closed  bool
	done    chan struct{}
}

// NewHub returns an empty hub. Register Broadcast with the ingest dispatcher.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan ingest.Event]struct{}), done: make(chan struct{})}
}

// Broadcast sends ev to every client without blocking.
func (h *Hub) Broadcast(ev ingest.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) subscribe() (chan ingest.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan ingest.Event, streamBuffer)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *Hub) unsubscribe(ch chan ingest.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, ch)
}

// Close ends every open stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

// handleV1Stream pushes new_entity and entity_updated events as Server-Sent Events
// GET /api/v1/stream
func (s *Server) handleV1Stream(c *gin.Context) {
	ch, ok := s.hub.subscribe()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	defer s.hub.unsubscribe(ch)

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-s.hub.done:
			return false
		case <-keepalive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC().Format(time.RFC3339)})
			return true
		case ev := <-ch:
			name := "entity_updated"
			if ev.IsNew {
				name = "new_entity"
			}
			entity, _ := s.svc.ColorOf(ev.EntityID)
			c.SSEvent(name, gin.H{
				"student_id": ev.EntityID,
				"record_id":  ev.RecordID,
				"color":      entity.Color,
			})
			return true
		}
	})
}
