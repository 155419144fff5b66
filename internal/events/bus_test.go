package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDispatchOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.SubscribeAll(func(ctx context.Context, ev Event) { got = append(got, "all:"+string(ev.Type)) })
	bus.Subscribe(func(ctx context.Context, ev Event) { got = append(got, "specific:"+string(ev.Type)) }, ResourceRegistered, WorkItemEnqueued)

	require.NoError(t, bus.Publish(context.Background(), New(ResourceRegistered, "a")))
	require.NoError(t, bus.Publish(context.Background(), New(ResourceAcquired, "a")))

	assert.Equal(t, []string{
		"specific:ResourceRegistered",
		"all:ResourceRegistered",
		"all:ResourceAcquired",
	}, got)
}

func TestBusUnsubscribeRemovesAllTypes(t *testing.T) {
	bus := NewBus()
	calls := 0
	id := bus.Subscribe(func(ctx context.Context, ev Event) { calls++ }, WorkItemEnqueued, WorkItemDequeued)
	assert.Equal(t, 2, bus.SubscriptionCount())

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	assert.Equal(t, 0, bus.SubscriptionCount())

	_ = bus.Publish(context.Background(), New(WorkItemEnqueued, ""))
	assert.Equal(t, 0, calls)
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := NewBus()
	reached := false
	bus.Subscribe(func(ctx context.Context, ev Event) { panic("boom") }, ResourceReleased)
	bus.Subscribe(func(ctx context.Context, ev Event) { reached = true }, ResourceReleased)

	assert.NotPanics(t, func() {
		_ = bus.Publish(context.Background(), New(ResourceReleased, "a"))
	})
	assert.True(t, reached)
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	delivered := 0
	f := Fanout{
		PublisherFunc(func(ctx context.Context, ev Event) error { return boom }),
		nil,
		PublisherFunc(func(ctx context.Context, ev Event) error { delivered++; return nil }),
	}
	err := f.Publish(context.Background(), New(ResourceAcquired, "a"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, delivered)
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "acct-1", New(ResourceAcquired, "acct-1").Key())
	assert.Equal(t, "WorkItemEnqueued", New(WorkItemEnqueued, "").Key())
}
