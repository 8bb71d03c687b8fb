package telemetry

import (
	"encoding/json"
	"sync"

	"github.com/dodos-os/dodos/pkg/engine"
)

// EventSubscriber is a function that handles events. Subscribers are called
// synchronously in subscription order and must not block for long.
type EventSubscriber func(event *engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event *engine.Event) bool

// EventPublisher fans build events out to subscribers. A nil publisher
// drops every event.
type EventPublisher struct {
	subscribers []subscriberEntry
	filters     []EventFilter
	mu          sync.RWMutex
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates an event publisher with no subscribers.
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{}
}

// Publish delivers an event to every matching subscriber.
func (ep *EventPublisher) Publish(event *engine.Event) {
	if ep == nil || event == nil {
		return
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, filter := range ep.filters {
		if !filter(event) {
			return
		}
	}
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// PublishStage publishes a stage event for a build.
func (ep *EventPublisher) PublishStage(buildID string, typ engine.EventType, stage engine.Stage, message string) {
	ep.Publish(engine.NewEvent(buildID, typ, stage, message))
}

// PublishPackage publishes a per-package event with optional details.
func (ep *EventPublisher) PublishPackage(buildID string, typ engine.EventType, stage engine.Stage, pkg, message string, details map[string]interface{}) {
	event := engine.NewEvent(buildID, typ, stage, message)
	event.Package = pkg
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			event.Details = raw
		}
	}
	ep.Publish(event)
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		"info":    0,
		"warning": 1,
		"error":   2,
	}

	minLevelValue := levels[minLevel]

	return func(event *engine.Event) bool {
		return levels[event.Type.Severity()] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByBuildID creates a filter that only allows events for a specific build.
func FilterByBuildID(buildID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.BuildID == buildID
	}
}
