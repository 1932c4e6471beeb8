package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a progress or audit record emitted while a run executes.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Kind is the resource kind, if applicable.
	Kind string `json:"kind,omitempty"`

	// NaturalKey is the resource natural key, if applicable.
	NaturalKey string `json:"natural_key,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeRunFailed          = "run.failed"
	EventTypeDiffComputed       = "diff.computed"
	EventTypeResourceCreated    = "resource.created"
	EventTypeRollbackStarted    = "rollback.started"
	EventTypeResourceRolledBack = "resource.rolled_back"
	EventTypeResourceOrphaned   = "resource.orphaned"
	EventTypePolicyViolation    = "policy.violation"
	EventTypePolicyWarning      = "policy.warning"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans run events out to subscribers.
//
// Subscribers observe events in publish order. In synchronous mode they run
// on the publishing goroutine; in async mode a single background goroutine
// delivers them. A nil publisher accepts and drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	nextID      uint64
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closed      chan struct{}
}

type subscriberEntry struct {
	id         uint64
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		closed: make(chan struct{}),
	}
	if cfg.Enabled && cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.closed:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, operation, scope string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "orchestrator",
		RunID:   runID,
		Message: fmt.Sprintf("%s of %s started", operation, scope),
		Data: map[string]interface{}{
			"operation": operation,
			"scope":     scope,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, created int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "orchestrator",
		RunID:   runID,
		Message: fmt.Sprintf("run finished with status %s, %d resources created", status, created),
		Data: map[string]interface{}{
			"status":   status,
			"created":  created,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "orchestrator",
		RunID:   runID,
		Message: reason,
		Level:   EventLevelError,
	})
}

// PublishDiffComputed publishes the size of a computed diff.
func (ep *EventPublisher) PublishDiffComputed(runID string, pending map[string]int) error {
	data := make(map[string]interface{}, len(pending))
	total := 0
	for k, v := range pending {
		data[k] = v
		total += v
	}
	return ep.Publish(Event{
		Type:    EventTypeDiffComputed,
		Source:  "planner",
		RunID:   runID,
		Message: fmt.Sprintf("%d resources missing from the remote system", total),
		Data:    data,
	})
}

// PublishResourceCreated publishes a successful creation.
func (ep *EventPublisher) PublishResourceCreated(runID, kind, naturalKey string, remoteID int64) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceCreated,
		Source:     "installer",
		RunID:      runID,
		Kind:       kind,
		NaturalKey: naturalKey,
		Message:    fmt.Sprintf("created %s %q", kind, naturalKey),
		Data:       map[string]interface{}{"remote_id": remoteID},
	})
}

// PublishRollbackStarted publishes the start of a rollback.
func (ep *EventPublisher) PublishRollbackStarted(runID string, entries int, cause string) error {
	return ep.Publish(Event{
		Type:    EventTypeRollbackStarted,
		Source:  "installer",
		RunID:   runID,
		Message: fmt.Sprintf("rolling back %d created resources: %s", entries, cause),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"entries": entries},
	})
}

// PublishRollbackResult publishes the outcome of deleting one ledger entry.
func (ep *EventPublisher) PublishRollbackResult(runID, kind, naturalKey string, remoteID int64, err error) error {
	if err != nil {
		return ep.Publish(Event{
			Type:       EventTypeResourceOrphaned,
			Source:     "installer",
			RunID:      runID,
			Kind:       kind,
			NaturalKey: naturalKey,
			Message:    fmt.Sprintf("could not delete %s %q: %v", kind, naturalKey, err),
			Level:      EventLevelError,
			Data:       map[string]interface{}{"remote_id": remoteID},
		})
	}
	return ep.Publish(Event{
		Type:       EventTypeResourceRolledBack,
		Source:     "installer",
		RunID:      runID,
		Kind:       kind,
		NaturalKey: naturalKey,
		Message:    fmt.Sprintf("deleted %s %q", kind, naturalKey),
		Data:       map[string]interface{}{"remote_id": remoteID},
	})
}

// PublishPolicyResult publishes a policy decision.
func (ep *EventPublisher) PublishPolicyResult(runID, policy, message string, deny bool) error {
	event := Event{
		Type:    EventTypePolicyWarning,
		Source:  "policy",
		RunID:   runID,
		Message: message,
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"policy": policy},
	}
	if deny {
		event.Type = EventTypePolicyViolation
		event.Level = EventLevelError
	}
	return ep.Publish(event)
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
// The returned function removes the subscriber again; calling it more than
// once is harmless. It must not be called from inside a subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) (unsubscribe func()) {
	if ep == nil {
		return func() {}
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.nextID++
	id := ep.nextID
	ep.subscribers = append(ep.subscribers, subscriberEntry{
		id:         id,
		subscriber: subscriber,
		filter:     filter,
	})

	return func() { ep.unsubscribe(id) }
}

func (ep *EventPublisher) unsubscribe(id uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for i, entry := range ep.subscribers {
		if entry.id == id {
			ep.subscribers = append(ep.subscribers[:i:i], ep.subscribers[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (ep *EventPublisher) SubscriberCount() int {
	if ep == nil {
		return 0
	}
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return len(ep.subscribers)
}

// processEvents delivers buffered events until the publisher shuts down.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.closed:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after draining buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.closed) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
