// Package ingest subscribes to the location topic and feeds every message
// through the parser into the telemetry store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/02loveslollipop/campus-tracker/services/tracker/db"
	"github.com/02loveslollipop/campus-tracker/services/tracker/parser"
	"github.com/02loveslollipop/campus-tracker/services/tracker/registry"
)

var (
	ErrConnectFailed   = errors.New("broker connect failed")
	ErrSubscribeFailed = errors.New("topic subscribe failed")
	ErrConnectionLost  = errors.New("broker connection lost")
)

// State is the coordinator's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReceiving
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReceiving:
		return "receiving"
	default:
		return "disconnected"
	}
}

// Subscriber is a pub/sub client delivering raw payloads for one topic.
type Subscriber interface {
	// Connect opens the broker session; onLost is called if it later drops.
	Connect(ctx context.Context, onLost func(error)) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error
	Disconnect()
}

// Stats counts processed messages.
type Stats struct {
	Received uint64 `json:"received"`
	Stored   uint64 `json:"stored"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
}

// Coordinator owns the subscription and processes messages one at a time in arrival order.
type Coordinator struct {
	sub        Subscriber
	topic      string
	store      db.Store
	registry   *registry.Registry
	dispatcher *Dispatcher
	logger     *slog.Logger

	inbox chan []byte
	lost  chan error
	done  chan struct{}
	state atomic.Int32

	received, stored, rejected, failed atomic.Uint64
}

// NewCoordinator wires a subscriber to the store, registry and dispatcher.
func NewCoordinator(sub Subscriber, topic string, store db.Store, reg *registry.Registry, dispatcher *Dispatcher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sub:        sub,
		topic:      topic,
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
		logger:     logger,
		inbox:      make(chan []byte, 64),
		lost:       make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.logger.Info("ingestion state changed", "state", s.String(), "topic", c.topic)
	}
}

// Stats returns a snapshot of the message counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Received: c.received.Load(),
		Stored:   c.stored.Load(),
		Rejected: c.rejected.Load(),
		Failed:   c.failed.Load(),
	}
}

// Run connects, subscribes and processes messages until ctx is done or the
// connection drops. There is no reconnect; connection failures are returned
// and the coordinator stays disconnected. Run may be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	c.setState(StateConnecting)
	if err := c.sub.Connect(ctx, c.connectionLost); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer func() {
		c.sub.Disconnect()
		c.setState(StateDisconnected)
	}()

	if err := c.sub.Subscribe(ctx, c.topic, func(payload []byte) { c.enqueue(ctx, payload) }); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscribeFailed, c.topic, err)
	}
	c.setState(StateSubscribed)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.lost:
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		case payload := <-c.inbox:
			c.setState(StateReceiving)
			_ = c.Process(ctx, payload)
		}
	}
}

func (c *Coordinator) enqueue(ctx context.Context, payload []byte) {
	msg := append([]byte(nil), payload...)
	select {
	case c.inbox <- msg:
	case <-ctx.Done():
	case <-c.done:
	}
}

func (c *Coordinator) connectionLost(err error) {
	c.setState(StateDisconnected)
	select {
	case c.lost <- err:
	default:
	}
}

// Process parses and stores one payload, then notifies observers.
// Parse and insert failures are logged and the message is dropped.
func (c *Coordinator) Process(ctx context.Context, payload []byte) error {
	c.received.Add(1)

	rec, err := parser.Parse(payload)
	if err != nil {
		c.rejected.Add(1)
		c.logger.Warn("dropping unparseable location message", "error", err, "payload", preview(payload))
		return err
	}

	id, err := c.store.Insert(ctx, rec)
	if err != nil {
		c.failed.Add(1)
		c.logger.Error("dropping location record after insert failure", "error", err, "student_id", rec.EntityID)
		return err
	}
	c.stored.Add(1)

	_, isNew := c.registry.EnsureKnown(rec.EntityID)
	if isNew {
		c.logger.Info("new student seen", "student_id", rec.EntityID)
	}
	if c.dispatcher != nil {
		c.dispatcher.Publish(Event{EntityID: rec.EntityID, RecordID: id, IsNew: isNew})
	}
	return nil
}

func preview(payload []byte) string {
	const limit = 256
	if len(payload) > limit {
		return string(payload[:limit]) + "..."
	}
	return string(payload)
}
