package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thelinks/realtime/internal/event"
	"github.com/thelinks/realtime/internal/eventlog"
)

type staticSubs map[string][]string

func (s staticSubs) Subscriptions(_ context.Context, identity string) ([]string, error) {
	return s[identity], nil
}

type failingSubs struct{}

func (failingSubs) Subscriptions(context.Context, string) ([]string, error) {
	return nil, errors.New("redis down")
}

func appendAt(t *testing.T, l eventlog.Log, typ string, target event.Target, at time.Time, mutate func(*event.Event)) event.Event {
	t.Helper()
	ev, err := event.New(typ, target, map[string]string{"type": typ})
	require.NoError(t, err)
	ev.CreatedAt = at
	if mutate != nil {
		mutate(&ev)
	}
	require.NoError(t, l.Append(context.Background(), ev))
	return ev
}

func TestQuery_ReturnsMissedEventsInOrder(t *testing.T) {
	l := eventlog.NewMemoryLog(64)
	r := New(l, staticSubs{"B": {"chat_42"}})
	t0 := time.Now().UTC()

	appendAt(t, l, event.TypeNewLike, event.ToUser("B"), t0.Add(-time.Second), nil)
	appendAt(t, l, event.TypeNewReply, event.ToUser("B"), t0.Add(3*time.Second), nil)
	appendAt(t, l, event.TypeNewMessage, event.ToRoom("chat_42"), t0.Add(time.Second), func(ev *event.Event) {
		ev.ItemID = "42"
	})
	appendAt(t, l, event.TypeNewMessage, event.ToRoom("chat_42"), t0.Add(2*time.Second), func(ev *event.Event) {
		ev.Exclude = "B"
	})
	appendAt(t, l, event.TypeNewMessage, event.ToRoom("chat_7"), t0.Add(time.Second), nil)

	updates, err := r.Query(context.Background(), "B", t0)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, event.TypeNewMessage, updates[0].Type)
	assert.Equal(t, "42", updates[0].ItemID)
	assert.Equal(t, event.TypeNewReply, updates[1].Type)
	assert.True(t, updates[0].CreatedAt.Before(updates[1].CreatedAt))
}

func TestQuery_CollapsesSharedKey(t *testing.T) {
	l := eventlog.NewMemoryLog(64)
	r := New(l, staticSubs{"B": {"chat_42"}})
	t0 := time.Now().UTC()

	first := appendAt(t, l, event.TypeNewMessage, event.ToUser("B"), t0.Add(time.Second), func(ev *event.Event) {
		ev.Key = "m1:new_message"
	})
	appendAt(t, l, event.TypeNewMessage, event.ToRoom("chat_42"), t0.Add(2*time.Second), func(ev *event.Event) {
		ev.Key = "m1:new_message"
	})

	updates, err := r.Query(context.Background(), "B", t0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].CreatedAt.Equal(first.CreatedAt))
}

func TestQuery_Idempotent(t *testing.T) {
	l := eventlog.NewMemoryLog(64)
	r := New(l, nil)
	t0 := time.Now().UTC()
	appendAt(t, l, event.TypeNewLike, event.ToUser("A"), t0.Add(time.Second), nil)
	appendAt(t, l, event.TypeNewLike, event.ToUser("A"), t0.Add(2*time.Second), nil)

	first, err := r.Query(context.Background(), "A", t0)
	require.NoError(t, err)
	second, err := r.Query(context.Background(), "A", t0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 2)

	// Resuming from the last seen timestamp returns nothing new.
	rest, err := r.Query(context.Background(), "A", first[len(first)-1].CreatedAt)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestQuery_UserRoomTopic(t *testing.T) {
	l := eventlog.NewMemoryLog(8)
	r := New(l, nil)
	t0 := time.Now().UTC()
	appendAt(t, l, event.TypeNewLike, event.ToRoom(event.UserTopic("A")), t0.Add(time.Second), nil)

	updates, err := r.Query(context.Background(), "A", t0)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestQuery_SubscriptionError(t *testing.T) {
	r := New(eventlog.NewMemoryLog(8), failingSubs{})
	_, err := r.Query(context.Background(), "A", time.Now())
	assert.Error(t, err)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := ParseSince("", now, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Second), got)

	got, err = ParseSince("1714564800000", now, 0)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))

	got, err = ParseSince("2024-05-01T11:59:00.5Z", now, 0)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 5, 1, 11, 59, 0, 500_000_000, time.UTC)))

	for _, bad := range []string{"yesterday", "-5", "2024-13-01T00:00:00Z"} {
		_, err := ParseSince(bad, now, 0)
		assert.ErrorIs(t, err, ErrInvalidSince, bad)
	}
}
