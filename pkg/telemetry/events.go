package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event describes something that happened to a node's power state.
type Event struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Type         string                 `json:"type"`
	OperationID  string                 `json:"operation_id,omitempty"`
	Node         string                 `json:"node"`
	HardwareType string                 `json:"hardware_type,omitempty"`
	Message      string                 `json:"message"`
	Level        string                 `json:"level"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeTransitionStarted   = "transition.started"
	EventTypeTransitionCompleted = "transition.completed"
	EventTypeTransitionFailed    = "transition.failed"
	EventTypePowerStateChanged   = "power_state.changed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter selects which events a subscriber receives.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, either inline or from
// a background goroutine. A nil or disabled publisher drops events.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup

	sendMu sync.RWMutex
	closed bool
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher from cfg.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg}
	if cfg.Enabled && cfg.QueueSize > 0 {
		ep.buffer = make(chan Event, cfg.QueueSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish delivers event to every matching subscriber. In async mode a
// full buffer drops the event rather than block the caller.
func (ep *EventPublisher) Publish(event Event) {
	if ep == nil || !ep.config.Enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.buffer == nil {
		ep.deliver(event)
		return
	}

	ep.sendMu.RLock()
	defer ep.sendMu.RUnlock()
	if ep.closed {
		return
	}
	select {
	case ep.buffer <- event:
	default:
	}
}

// PublishTransitionStarted announces a power transition.
func (ep *EventPublisher) PublishTransitionStarted(operationID, node, hardwareType, target string) {
	ep.Publish(Event{
		Type:         EventTypeTransitionStarted,
		OperationID:  operationID,
		Node:         node,
		HardwareType: hardwareType,
		Message:      "power transition to " + target + " started",
		Data:         map[string]interface{}{"target": target},
	})
}

// PublishTransitionCompleted announces a transition that reached its target.
func (ep *EventPublisher) PublishTransitionCompleted(operationID, node, hardwareType, target string, polls int, duration time.Duration) {
	ep.Publish(Event{
		Type:         EventTypeTransitionCompleted,
		OperationID:  operationID,
		Node:         node,
		HardwareType: hardwareType,
		Message:      "power transition to " + target + " completed",
		Data: map[string]interface{}{
			"target":      target,
			"polls":       polls,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishTransitionFailed announces a transition that did not reach its target.
func (ep *EventPublisher) PublishTransitionFailed(operationID, node, hardwareType, target, kind, reason string) {
	ep.Publish(Event{
		Type:         EventTypeTransitionFailed,
		OperationID:  operationID,
		Node:         node,
		HardwareType: hardwareType,
		Level:        EventLevelError,
		Message:      reason,
		Data:         map[string]interface{}{"target": target, "kind": kind},
	})
}

// PublishPowerStateChanged announces an observed power state change.
func (ep *EventPublisher) PublishPowerStateChanged(node, hardwareType, oldState, newState string) {
	level := EventLevelInfo
	if newState == "error" {
		level = EventLevelWarning
	}
	ep.Publish(Event{
		Type:         EventTypePowerStateChanged,
		Node:         node,
		HardwareType: hardwareType,
		Level:        level,
		Message:      "power state changed from " + oldState + " to " + newState,
		Data:         map[string]interface{}{"old_state": oldState, "new_state": newState},
	})
}

// Subscribe registers subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter == nil || entry.filter(event) {
			entry.subscriber(event)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered, or for ctx to end.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.buffer == nil {
		return nil
	}
	ep.sendMu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FilterByType selects events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool { return set[event.Type] }
}

// FilterByNode selects events about one node.
func FilterByNode(node string) EventFilter {
	return func(event Event) bool { return event.Node == node }
}
