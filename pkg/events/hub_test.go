package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastDeliversToSubscriber(t *testing.T) {
	h := NewHub()
	sub, unsubscribe, err := h.Subscribe(context.Background(), "diagnosis:1")
	require.NoError(t, err)
	defer unsubscribe()

	h.Broadcast("diagnosis:1", []byte(`{"event":"progress"}`))

	select {
	case got := <-sub:
		assert.Equal(t, `{"event":"progress"}`, string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestHub_BroadcastToUnrelatedChannelIsNotDelivered(t *testing.T) {
	h := NewHub()
	sub, unsubscribe, err := h.Subscribe(context.Background(), "diagnosis:1")
	require.NoError(t, err)
	defer unsubscribe()

	h.Broadcast("diagnosis:2", []byte("noise"))

	select {
	case got := <-sub:
		t.Fatalf("unexpected delivery: %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	sub, unsubscribe, err := h.Subscribe(context.Background(), "diagnosis:1")
	require.NoError(t, err)

	unsubscribe()

	_, open := <-sub
	assert.False(t, open)
}

func TestHub_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	h := NewHub()
	sub, unsubscribe, err := h.Subscribe(context.Background(), "diagnosis:1")
	require.NoError(t, err)
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Broadcast("diagnosis:1", []byte("x"))
	}

	assert.Len(t, sub, subscriberBuffer)
}

func TestHub_MultipleSubscribersEachReceive(t *testing.T) {
	h := NewHub()
	subA, unsubA, err := h.Subscribe(context.Background(), "diagnosis:1")
	require.NoError(t, err)
	defer unsubA()
	subB, unsubB, err := h.Subscribe(context.Background(), "diagnosis:1")
	require.NoError(t, err)
	defer unsubB()

	h.Broadcast("diagnosis:1", []byte("hello"))

	assert.Equal(t, "hello", string(<-subA))
	assert.Equal(t, "hello", string(<-subB))
}
