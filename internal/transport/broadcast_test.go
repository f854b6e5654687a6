package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster[int]()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(1)
	b.Publish(2)

	require.Equal(t, 1, <-a)
	require.Equal(t, 2, <-a)
	require.Equal(t, 1, <-c)
	require.Equal(t, 2, <-c)
}

func TestBroadcasterLateSubscriberMissesPastValues(t *testing.T) {
	b := NewBroadcaster[string]()
	b.Publish("before")
	sub := b.Subscribe()
	b.Publish("after")

	select {
	case v := <-sub:
		require.Equal(t, "after", v)
	case <-time.After(time.Second):
		t.Fatal("expected to receive the post-subscription value")
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster[int]()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	_, ok := <-sub
	require.False(t, ok)
}
