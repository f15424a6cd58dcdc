// CloudEvents-backed event bus for inter-module communication.
// Events use the CloudEvents specification for standardized format and
// interoperability with external systems.

package modrun

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// EventHandler receives events a subscriber asked for. Handler errors
// are logged, not propagated to the emitter.
type EventHandler func(ctx context.Context, event cloudevents.Event) error

// Event type constants for runtime-emitted CloudEvents, using reverse
// domain notation per the CloudEvents specification.
const (
	EventTypeModuleRegistered   = "com.datadeck.modrun.module.registered"
	EventTypeModuleUnregistered = "com.datadeck.modrun.module.unregistered"
	EventTypeModuleLoaded       = "com.datadeck.modrun.module.loaded"
	EventTypeModuleUnloaded     = "com.datadeck.modrun.module.unloaded"
	EventTypeModuleActivated    = "com.datadeck.modrun.module.activated"
	EventTypeModuleDeactivated  = "com.datadeck.modrun.module.deactivated"
	EventTypeModuleFailed       = "com.datadeck.modrun.module.failed"

	EventTypeExecutionCreated   = "com.datadeck.modrun.execution.created"
	EventTypeExecutionStarted   = "com.datadeck.modrun.execution.started"
	EventTypeExecutionFinished  = "com.datadeck.modrun.execution.finished"
	EventTypeExecutionFailed    = "com.datadeck.modrun.execution.failed"
	EventTypeExecutionCancelled = "com.datadeck.modrun.execution.cancelled"

	EventTypeRuntimeStarted = "com.datadeck.modrun.runtime.started"
	EventTypeRuntimeStopped = "com.datadeck.modrun.runtime.stopped"
)

// NewCloudEvent builds a properly formatted CloudEvent with a UUIDv7
// ID, so event IDs sort by emission time.
func NewCloudEvent(eventType, source string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

type eventSubscription struct {
	id           string
	eventType    string
	handler      EventHandler
	registeredAt time.Time
}

// EventSubscriptionInfo describes a live subscription, for debugging
// and status surfaces.
type EventSubscriptionInfo struct {
	ID           string    `json:"id"`
	EventType    string    `json:"eventType"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventBus delivers CloudEvents to handlers subscribed by event type.
// Delivery is synchronous in subscription order: Emit returns after
// every interested handler has run, so a handler observing state can
// rely on it being current. Handler errors and panics are logged and
// never abort delivery to the remaining handlers.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*eventSubscription
	logger Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &EventBus{logger: logger}
}

// Subscribe registers handler for an event type and returns the
// subscription ID used to unsubscribe. eventType "" subscribes to
// all events.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &eventSubscription{
		id:           newEventID(),
		eventType:    eventType,
		handler:      handler,
		registeredAt: time.Now(),
	}
	b.subs = append(b.subs, sub)
	b.logger.Debug("event subscription added", "subscription", sub.id, "eventType", eventType)
	return sub.id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *EventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == subscriptionID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to every matching subscriber in the order
// they subscribed.
func (b *EventBus) Emit(ctx context.Context, event cloudevents.Event) {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := event.Validate(); err != nil {
		b.logger.Error("invalid CloudEvent dropped", "eventType", event.Type(), "error", err)
		return
	}

	b.mu.RLock()
	matching := make([]*eventSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == "" || sub.eventType == event.Type() {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		b.deliver(ctx, sub, event)
	}
}

func (b *EventBus) deliver(ctx context.Context, sub *eventSubscription, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "subscription", sub.id, "eventType", event.Type(), "panic", r)
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler error", "subscription", sub.id, "eventType", event.Type(), "error", err)
	}
}

// Subscriptions returns information about live subscriptions.
func (b *EventBus) Subscriptions() []EventSubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info := make([]EventSubscriptionInfo, 0, len(b.subs))
	for _, sub := range b.subs {
		info = append(info, EventSubscriptionInfo{
			ID:           sub.id,
			EventType:    sub.eventType,
			RegisteredAt: sub.registeredAt,
		})
	}
	return info
}
