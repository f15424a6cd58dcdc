package modrun

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCloudEvent(t *testing.T) {
	event := NewCloudEvent(EventTypeModuleLoaded, "loader", map[string]any{"module": "alerts"})

	require.NoError(t, event.Validate())
	assert.Equal(t, EventTypeModuleLoaded, event.Type())
	assert.Equal(t, "loader", event.Source())
	assert.NotEmpty(t, event.ID())
	assert.False(t, event.Time().IsZero())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(event.Data(), &payload))
	assert.Equal(t, "alerts", payload["module"])
}

func TestEventBusDelivery(t *testing.T) {
	bus := NewEventBus(nil)

	var order []string
	handler := func(name string) EventHandler {
		return func(ctx context.Context, event CloudEvent) error {
			order = append(order, name)
			return nil
		}
	}

	bus.Subscribe(EventTypeModuleLoaded, handler("first"))
	bus.Subscribe(EventTypeModuleLoaded, handler("second"))
	bus.Subscribe(EventTypeModuleUnloaded, handler("other"))

	bus.Emit(context.Background(), NewCloudEvent(EventTypeModuleLoaded, "loader", nil))

	assert.Equal(t, []string{"first", "second"}, order, "subscription order, matching type only")
}

func TestEventBusCatchAll(t *testing.T) {
	bus := NewEventBus(nil)

	var types []string
	bus.Subscribe("", func(ctx context.Context, event CloudEvent) error {
		types = append(types, event.Type())
		return nil
	})

	bus.Emit(context.Background(), NewCloudEvent(EventTypeModuleLoaded, "loader", nil))
	bus.Emit(context.Background(), NewCloudEvent(EventTypeRuntimeStarted, "runtime", nil))

	assert.Equal(t, []string{EventTypeModuleLoaded, EventTypeRuntimeStarted}, types)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(nil)

	calls := 0
	id := bus.Subscribe(EventTypeModuleLoaded, func(ctx context.Context, event CloudEvent) error {
		calls++
		return nil
	})

	bus.Emit(context.Background(), NewCloudEvent(EventTypeModuleLoaded, "loader", nil))
	bus.Unsubscribe(id)
	bus.Emit(context.Background(), NewCloudEvent(EventTypeModuleLoaded, "loader", nil))

	assert.Equal(t, 1, calls)
	assert.Empty(t, bus.Subscriptions())

	bus.Unsubscribe("ghost")
}

func TestEventBusHandlerIsolation(t *testing.T) {
	bus := NewEventBus(nil)

	var order []string
	bus.Subscribe(EventTypeModuleLoaded, func(ctx context.Context, event CloudEvent) error {
		order = append(order, "panics")
		panic("handler bug")
	})
	bus.Subscribe(EventTypeModuleLoaded, func(ctx context.Context, event CloudEvent) error {
		order = append(order, "errors")
		return errors.New("handler failed")
	})
	bus.Subscribe(EventTypeModuleLoaded, func(ctx context.Context, event CloudEvent) error {
		order = append(order, "fine")
		return nil
	})

	bus.Emit(context.Background(), NewCloudEvent(EventTypeModuleLoaded, "loader", nil))

	assert.Equal(t, []string{"panics", "errors", "fine"}, order, "one bad handler never blocks the rest")
}

func TestEventBusDropsInvalidEvents(t *testing.T) {
	bus := NewEventBus(nil)

	calls := 0
	bus.Subscribe("", func(ctx context.Context, event CloudEvent) error {
		calls++
		return nil
	})

	bus.Emit(context.Background(), NewCloudEvent("", "", nil))

	assert.Zero(t, calls)
}

func TestEventBusSubscriptions(t *testing.T) {
	bus := NewEventBus(nil)
	id := bus.Subscribe(EventTypeModuleLoaded, func(ctx context.Context, event CloudEvent) error { return nil })

	subs := bus.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].ID)
	assert.Equal(t, EventTypeModuleLoaded, subs[0].EventType)
	assert.False(t, subs[0].RegisteredAt.IsZero())
}
