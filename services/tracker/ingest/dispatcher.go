package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event reports that a record for EntityID was stored.
type Event struct {
	EntityID int   `json:"entity_id"`
	RecordID int64 `json:"record_id"`
	IsNew    bool  `json:"is_new"`
}

// Dispatcher queues events and delivers them to observers on its own goroutine.
// Publish never blocks; events are dropped when the queue is full.
type Dispatcher struct {
	queue  chan Event
	logger *slog.Logger

	mu        sync.RWMutex
	observers []func(Event)

	dropped atomic.Uint64
}

// NewDispatcher returns a dispatcher with a queue of size events.
func NewDispatcher(size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: make(chan Event, size), logger: logger}
}

// Subscribe registers fn for every event.
func (d *Dispatcher) Subscribe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// OnNewEntity registers fn for first sightings of an entity.
func (d *Dispatcher) OnNewEntity(fn func(entityID int)) {
	d.Subscribe(func(ev Event) {
		if ev.IsNew {
			fn(ev.EntityID)
		}
	})
}

// OnEntityUpdated registers fn for new records of an already known entity.
func (d *Dispatcher) OnEntityUpdated(fn func(entityID int)) {
	d.Subscribe(func(ev Event) {
		if !ev.IsNew {
			fn(ev.EntityID)
		}
	})
}

// Publish enqueues ev without blocking.
func (d *Dispatcher) Publish(ev Event) {
	select {
	case d.queue <- ev:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("observer queue full; dropping entity event",
			"student_id", ev.EntityID, "dropped_total", n)
	}
}

// Dropped reports how many events were discarded on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()

	for _, fn := range observers {
		d.safeCall(fn, ev)
	}
}

func (d *Dispatcher) safeCall(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("entity observer panicked", "student_id", ev.EntityID, "panic", r)
		}
	}()
	fn(ev)
}
