package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch chan *Event[T]) *Event[T] {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for event")
		return nil
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.GracefulShutdown()

	ch := make(chan *Event[MemberPayload], 1)
	Subscribe(bus, MemberFailed, ch, SubscriptionOptions{})

	Publish(bus, NewEvent(MemberFailed, MemberPayload{InstanceID: 3, HAAddr: "ha-3"}))

	ev := receive(t, ch)
	assert.Equal(t, MemberFailed, ev.Type)
	assert.Equal(t, 3, ev.Payload.InstanceID)
	assert.Equal(t, "ha-3", ev.Payload.HAAddr)
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(nil)
	defer bus.GracefulShutdown()

	first := make(chan *Event[MasterElectedPayload], 1)
	second := make(chan *Event[MasterElectedPayload], 1)
	Subscribe(bus, MasterElected, first, SubscriptionOptions{})
	Subscribe(bus, MasterElected, second, SubscriptionOptions{})

	Publish(bus, NewEvent(MasterElected, MasterElectedPayload{Epoch: 7, MasterID: 1}))

	assert.Equal(t, uint64(7), receive(t, first).Payload.Epoch)
	assert.Equal(t, uint64(7), receive(t, second).Payload.Epoch)
}

func TestBus_OnlyMatchingType(t *testing.T) {
	bus := NewBus(nil)
	defer bus.GracefulShutdown()

	alive := make(chan *Event[MemberPayload], 1)
	failed := make(chan *Event[MemberPayload], 1)
	Subscribe(bus, MemberAlive, alive, SubscriptionOptions{})
	Subscribe(bus, MemberFailed, failed, SubscriptionOptions{})

	Publish(bus, NewEvent(MemberAlive, MemberPayload{InstanceID: 1}))

	receive(t, alive)
	select {
	case <-failed:
		t.Fatal("received event of another type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_TypeMismatchIsNotDelivered(t *testing.T) {
	bus := NewBus(nil)
	defer bus.GracefulShutdown()

	ch := make(chan *Event[QuorumPayload], 1)
	Subscribe(bus, InstanceDetached, ch, SubscriptionOptions{})

	Publish(bus, NewEvent(InstanceDetached, "not a quorum payload"))

	select {
	case <-ch:
		t.Fatal("mismatched payload must not be delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_NonBlockingDropsWhenFull(t *testing.T) {
	bus := NewBus(nil)
	defer bus.GracefulShutdown()

	ch := make(chan *Event[struct{}]) // unbuffered and never read
	id := Subscribe(bus, Shutdown, ch, SubscriptionOptions{IsBlocking: false})

	Publish(bus, NewEvent(Shutdown, struct{}{}))
	Publish(bus, NewEvent(Shutdown, struct{}{}))

	assert.Eventually(t, func() bool {
		return bus.Dropped(Shutdown, id) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.GracefulShutdown()

	ch := make(chan *Event[MemberPayload], 1)
	id := Subscribe(bus, MemberAlive, ch, SubscriptionOptions{})

	bus.Unsubscribe(MemberAlive, id)

	_, open := <-ch
	assert.False(t, open, "channel is closed on unsubscribe")

	// Unknown ids are ignored
	bus.Unsubscribe(MemberAlive, id)
	bus.Unsubscribe(RoleChanged, 999)
}

func TestBus_SharedChannel(t *testing.T) {
	t.Run("shutdown closes a channel subscribed twice once", func(t *testing.T) {
		bus := NewBus(nil)

		ch := make(chan *Event[QuorumPayload], 4)
		Subscribe(bus, InstanceDetached, ch, SubscriptionOptions{})
		Subscribe(bus, InstanceJoined, ch, SubscriptionOptions{})

		assert.NotPanics(t, bus.GracefulShutdown)
		_, open := <-ch
		assert.False(t, open)
	})

	t.Run("the channel stays open until its last subscription goes", func(t *testing.T) {
		bus := NewBus(nil)
		defer bus.GracefulShutdown()

		ch := make(chan *Event[QuorumPayload], 4)
		detached := Subscribe(bus, InstanceDetached, ch, SubscriptionOptions{})
		joined := Subscribe(bus, InstanceJoined, ch, SubscriptionOptions{})

		bus.Unsubscribe(InstanceDetached, detached)
		Publish(bus, NewEvent(InstanceJoined, QuorumPayload{Alive: 2, Configured: 3}))
		assert.Equal(t, InstanceJoined, receive(t, ch).Type)

		assert.NotPanics(t, func() { bus.Unsubscribe(InstanceJoined, joined) })
		_, open := <-ch
		assert.False(t, open)
	})
}

func TestBus_GracefulShutdown(t *testing.T) {
	bus := NewBus(nil)

	ch := make(chan *Event[RoleChangedPayload], 4)
	Subscribe(bus, RoleChanged, ch, SubscriptionOptions{IsBlocking: true})

	Publish(bus, NewEvent(RoleChanged, RoleChangedPayload{From: "PENDING", To: "TO_SLAVE"}))
	Publish(bus, NewEvent(RoleChanged, RoleChangedPayload{From: "TO_SLAVE", To: "SLAVE"}))

	bus.GracefulShutdown()

	// Both in-flight events were drained before the channel was closed
	var got []string
	for ev := range ch {
		got = append(got, ev.Payload.To)
	}
	assert.Equal(t, []string{"TO_SLAVE", "SLAVE"}, got)

	// Publishing after shutdown is a no-op, and shutdown is idempotent
	Publish(bus, NewEvent(RoleChanged, RoleChangedPayload{}))
	bus.GracefulShutdown()
	bus.ForceShutdown()
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "MasterElected", MasterElected.String())
	assert.Equal(t, "InstanceDetached", InstanceDetached.String())
	assert.Equal(t, "Unknown", Type(99).String())
}
