package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRoutesByServerUUID(t *testing.T) {
	b := NewBroker(4)
	a := b.Subscribe("host-a")
	other := b.Subscribe("host-b")
	all := b.Subscribe("")

	dropped := b.Publish(HeartbeatEvent{ServerUUID: "host-a", HeartbeatID: 1})
	assert.Equal(t, 0, dropped)

	ev := <-a.C()
	assert.Equal(t, uint64(1), ev.HeartbeatID)
	ev = <-all.C()
	assert.Equal(t, "host-a", ev.ServerUUID)

	select {
	case <-other.C():
		t.Fatalf("host-b subscriber should not receive host-a events")
	default:
	}
	assert.Equal(t, 3, b.SubscriberCount())
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker(2)
	sub := b.Subscribe("host-a")

	for i := 0; i < 2; i++ {
		require.Equal(t, 0, b.Publish(HeartbeatEvent{ServerUUID: "host-a"}))
	}
	assert.Equal(t, 1, b.Publish(HeartbeatEvent{ServerUUID: "host-a"}))
	assert.Len(t, sub.C(), 2)
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := NewBroker(1)
	sub := b.Subscribe("host-a")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())

	live := b.Subscribe("")
	b.Close()
	_, ok = <-live.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Publish(HeartbeatEvent{ServerUUID: "host-a"}))

	late := b.Subscribe("host-a")
	_, ok = <-late.C()
	assert.False(t, ok)
}
