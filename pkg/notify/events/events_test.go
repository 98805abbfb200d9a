package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitFansOutToAllSubscribers(t *testing.T) {
	b := NewBus()
	a := b.Subscribe(1)
	c := b.Subscribe(1)

	b.Emit(Event{Kind: KindMessage, Data: "hello"})

	select {
	case ev := <-a:
		require.Equal(t, KindMessage, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case ev := <-c:
		require.Equal(t, KindMessage, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber c did not receive event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Emit(Event{Kind: KindDelete})

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestEmitDoesNotBlockOnFullBuffer(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	b.Emit(Event{Kind: KindUpdate})
	done := make(chan struct{})
	go func() {
		b.Emit(Event{Kind: KindUpdate})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber buffer")
	}
	<-ch
}
