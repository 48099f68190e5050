package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(NewEvent(EventVMState, "vm 3 is RUNNING").WithInt("vm_id", 3).With("state", "ACTIVE"))

	select {
	case ev := <-sub:
		assert.Equal(t, EventVMState, ev.Type)
		assert.Equal(t, "3", ev.Metadata["vm_id"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroker_PublishFillsMissingFields(t *testing.T) {
	b := NewBroker()
	ev := &Event{Type: EventVMDone}
	b.Publish(ev)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		// not started: the buffer fills and later events are dropped
		for i := 0; i < 500; i++ {
			b.Publish(NewEvent(EventBackupJobUpdated, ""))
		}
		b.Stop()
		b.Stop()
		b.Publish(NewEvent(EventBackupJobFinished, ""))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "publish blocked")
	}

	var nilBroker *Broker
	nilBroker.Publish(NewEvent(EventVMDone, ""))
}
