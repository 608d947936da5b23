package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	c := activeConnection(t, "u1")

	old, err := r.Register("u1", c)
	require.NoError(t, err)
	assert.Nil(t, old)
	assert.Same(t, c, r.Lookup("u1"))
	assert.Equal(t, 1, r.Count())

	old, err = r.Register("u1", c)
	require.NoError(t, err)
	assert.Nil(t, old, "re-registering the same connection is a no-op")
}

func TestRegistry_ReplaceEvictsPrevious(t *testing.T) {
	r := NewRegistry()
	first := activeConnection(t, "u1")
	second := activeConnection(t, "u1")

	_, err := r.Register("u1", first)
	require.NoError(t, err)

	old, err := r.Register("u1", second)
	require.NoError(t, err)
	assert.Same(t, first, old)
	assert.Same(t, second, r.Lookup("u1"))
	assert.Equal(t, StateTerminated, first.State())
	assert.ErrorIs(t, first.Send([]byte("x")), ErrConnectionClosed)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_UnregisterOnlyOwner(t *testing.T) {
	r := NewRegistry()
	first := activeConnection(t, "u1")
	second := activeConnection(t, "u1")

	_, _ = r.Register("u1", first)
	_, _ = r.Register("u1", second)

	assert.False(t, r.Unregister("u1", first), "a replaced connection must not remove its successor")
	assert.Same(t, second, r.Lookup("u1"))

	assert.True(t, r.Unregister("u1", second))
	assert.Nil(t, r.Lookup("u1"))
	assert.Zero(t, r.Count())
}

func TestRegistry_RejectsTerminated(t *testing.T) {
	r := NewRegistry()
	c := activeConnection(t, "u1")
	c.markTerminated()

	_, err := r.Register("u1", c)
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Nil(t, r.Lookup("u1"))
}

func TestRegistry_ConcurrentRegisterLeavesOneOwner(t *testing.T) {
	r := NewRegistry()
	conns := make([]*Connection, 20)
	for i := range conns {
		conns[i] = activeConnection(t, "u1")
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			_, _ = r.Register("u1", c)
		}(c)
	}
	wg.Wait()

	owner := r.Lookup("u1")
	require.NotNil(t, owner)
	active := 0
	for _, c := range conns {
		if c.IsActive() {
			active++
			assert.Same(t, owner, c)
		}
	}
	assert.Equal(t, 1, active)
}

func TestRoomRouter_JoinRequiresActive(t *testing.T) {
	rooms := NewRoomRouter()
	c, _ := newPipeConnection(t, 1)

	_, err := rooms.Join(c, "chat_42")
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Zero(t, rooms.Count())
}

func TestRoomRouter_JoinRejectsInvalidTopic(t *testing.T) {
	rooms := NewRoomRouter()
	c := activeConnection(t, "u1")

	for _, topic := range []string{"", "chat_", "lobby", "chat_a b"} {
		_, err := rooms.Join(c, topic)
		assert.ErrorIs(t, err, ErrInvalidTopic, "topic %q", topic)
	}
}

func TestRoomRouter_JoinLeaveIdempotent(t *testing.T) {
	rooms := NewRoomRouter()
	c := activeConnection(t, "u1")

	joined, err := rooms.Join(c, "chat_42")
	require.NoError(t, err)
	assert.True(t, joined)

	joined, err = rooms.Join(c, "chat_42")
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Len(t, rooms.MembersOf("chat_42"), 1)

	assert.True(t, rooms.Leave(c, "chat_42"))
	assert.False(t, rooms.Leave(c, "chat_42"))
	assert.False(t, rooms.Leave(c, "chat_never"))
	assert.Empty(t, rooms.MembersOf("chat_42"))
	assert.Zero(t, rooms.Count(), "empty rooms are discarded")
}

func TestRoomRouter_LeaveAll(t *testing.T) {
	rooms := NewRoomRouter()
	a := activeConnection(t, "a")
	b := activeConnection(t, "b")

	for _, topic := range []string{"user_a", "chat_1", "chat_2"} {
		_, err := rooms.Join(a, topic)
		require.NoError(t, err)
	}
	_, err := rooms.Join(b, "chat_1")
	require.NoError(t, err)

	left := rooms.LeaveAll(a)
	assert.ElementsMatch(t, []string{"user_a", "chat_1", "chat_2"}, left)
	assert.Empty(t, rooms.Topics(a))
	assert.False(t, rooms.IsMember(a, "chat_1"))
	assert.True(t, rooms.IsMember(b, "chat_1"))
	assert.Equal(t, 1, rooms.Count())
	assert.Empty(t, rooms.LeaveAll(a))
}

func TestRoomRouter_MembersOfIsSnapshot(t *testing.T) {
	rooms := NewRoomRouter()
	a := activeConnection(t, "a")
	b := activeConnection(t, "b")
	_, _ = rooms.Join(a, "chat_1")
	_, _ = rooms.Join(b, "chat_1")

	members := rooms.MembersOf("chat_1")
	rooms.Leave(a, "chat_1")

	assert.Len(t, members, 2)
	assert.Len(t, rooms.MembersOf("chat_1"), 1)
}
