package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thelinks/realtime/internal/event"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "realtime-test"
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestEventRoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan event.Event, 1)
	require.NoError(t, c.SubscribeEvents(func(ev event.Event) { got <- ev }))
	require.NoError(t, c.Flush(time.Second))

	ev, err := event.New(event.TypeNewLike, event.ToUser("u1"), map[string]string{"content": "hi"})
	require.NoError(t, err)
	ev.Key = "m1:new_like"
	require.NoError(t, c.PublishEvent(context.Background(), ev))

	select {
	case recv := <-got:
		assert.Equal(t, ev.ID, recv.ID)
		assert.Equal(t, ev.Key, recv.Key)
		assert.Equal(t, ev.Target, recv.Target)
		assert.JSONEq(t, string(ev.Data), string(recv.Data))
		assert.True(t, ev.CreatedAt.Equal(recv.CreatedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestTakeoverRoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan Takeover, 1)
	require.NoError(t, c.SubscribeTakeover(func(tk Takeover) { got <- tk }))
	require.NoError(t, c.Flush(time.Second))

	want := Takeover{
		Identity: "u1",
		ConnID:   "conn-1",
		Server:   "ws-a",
		At:       time.Date(2024, 5, 1, 12, 0, 0, 500, time.UTC),
	}
	require.NoError(t, c.PublishTakeover(want))

	select {
	case recv := <-got:
		assert.Equal(t, want, recv)
	case <-time.After(2 * time.Second):
		t.Fatal("takeover not received")
	}
}

func TestIngestQueueDeliversOnce(t *testing.T) {
	c := newTestClient(t)

	got := make(chan []byte, 4)
	require.NoError(t, c.SubscribeMessageCreated(func(data []byte) { got <- data }))
	// A second member of the same group, as another instance would be.
	peer, err := c.conn.QueueSubscribe(SubjectMessageCreated, IngestQueue, func(msg *nats.Msg) { got <- msg.Data })
	require.NoError(t, err)
	defer peer.Unsubscribe()
	require.NoError(t, c.Flush(time.Second))

	require.NoError(t, c.Publish(SubjectMessageCreated, []byte(`{"_id":"m1"}`)))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"_id":"m1"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("record not received")
	}
	select {
	case data := <-got:
		t.Fatalf("record delivered twice: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}
