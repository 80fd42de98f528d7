package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberReceivesPublishedEvent(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{Type: EventTaskFailed, Message: "boom"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventTaskFailed, ev.Type)
		assert.Equal(t, "boom", ev.Message)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	require.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	require.Equal(t, 0, broker.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	subA := broker.Subscribe()
	subB := broker.Subscribe()
	defer broker.Unsubscribe(subA)
	defer broker.Unsubscribe(subB)

	broker.Publish(&Event{Type: EventAnalysisStateChanged})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventAnalysisStateChanged, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out event")
		}
	}
}
