// eventsink.go provides an in-memory implementation of EventSink.
//
// This adapter stores all published events in memory for testing purposes.
// It provides helper methods for inspecting events during tests:
//   - GetEvents(): Returns all published events
//   - GetEventsByType(): Filters events by operation kind
//   - FailNextPublish(): Makes the next Publish fail
//
// All operations are thread-safe. For production, use the SNS adapter.
package memory

import (
	"context"
	"sync"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that EventSink implements outbound.EventSink
var _ outbound.EventSink = (*EventSink)(nil)

// EventSink is an in-memory implementation of the EventSink port for testing.
type EventSink struct {
	mu       sync.RWMutex
	events   []entity.PositionEvent
	closed   bool
	failNext error
}

// NewEventSink creates a new in-memory event sink for testing.
func NewEventSink() *EventSink {
	return &EventSink{
		events: make([]entity.PositionEvent, 0),
	}
}

// Publish stores the event in memory.
func (s *EventSink) Publish(ctx context.Context, event entity.PositionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	if s.closed {
		return nil
	}
	s.events = append(s.events, event)
	return nil
}

// Close marks the sink as closed.
func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailNextPublish makes the next Publish return err.
func (s *EventSink) FailNextPublish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// GetEvents returns all published events.
func (s *EventSink) GetEvents() []entity.PositionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]entity.PositionEvent, len(s.events))
	copy(result, s.events)
	return result
}

// GetEventsByType returns events filtered by operation kind.
func (s *EventSink) GetEventsByType(kind entity.OperationKind) []entity.PositionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]entity.PositionEvent, 0)
	for _, e := range s.events {
		if e.EventType() == kind {
			result = append(result, e)
		}
	}
	return result
}
