package ws

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipeConnection returns a server-side Connection over net.Pipe and the
// client end of the pipe.
func newPipeConnection(t *testing.T, queue int) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := NewConnection(server, ConnectionConfig{SendQueueSize: queue, WriteTimeout: time.Second})
	t.Cleanup(func() {
		_ = c.Close()
		_ = client.Close()
	})
	return c, client
}

func drain(conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}

// activeConnection returns a connection already bound to identity whose
// client end drains everything written to it.
func activeConnection(t *testing.T, identity string) *Connection {
	t.Helper()
	c, client := newPipeConnection(t, 16)
	go drain(client)
	require.True(t, c.activate(identity))
	return c
}

func TestConnection_StateTransitions(t *testing.T) {
	c, _ := newPipeConnection(t, 4)

	assert.Equal(t, StateUnauthenticated, c.State())
	assert.Equal(t, "", c.Identity())

	require.True(t, c.activate("u1"))
	assert.True(t, c.IsActive())
	assert.Equal(t, "u1", c.Identity())
	assert.False(t, c.activate("u2"), "an active connection cannot be rebound")
	assert.Equal(t, "u1", c.Identity())

	assert.True(t, c.markTerminated())
	assert.False(t, c.markTerminated())
	assert.False(t, c.activate("u3"), "a terminated connection cannot be revived")
	assert.Equal(t, "terminated", c.State().String())
}

func TestConnection_SendDeliversInOrder(t *testing.T) {
	c, client := newPipeConnection(t, 8)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, c.Send([]byte(msg)))
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"one", "two", "three"} {
		data, err := wsutil.ReadServerText(client)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestConnection_SendQueueFull(t *testing.T) {
	// Nobody reads the client end, so the writer blocks on its first frame
	// and the queue fills up.
	c, _ := newPipeConnection(t, 2)

	var err error
	sent := 0
	for i := 0; i < 10 && err == nil; i++ {
		if err = c.Send([]byte("x")); err == nil {
			sent++
		}
	}
	assert.ErrorIs(t, err, ErrSendQueueFull)
	assert.LessOrEqual(t, sent, 3, "queue of 2 plus one frame in flight")
}

func TestConnection_SendAfterClose(t *testing.T) {
	c, _ := newPipeConnection(t, 2)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	assert.ErrorIs(t, c.Send([]byte("late")), ErrConnectionClosed)

	c.markTerminated()
	assert.ErrorIs(t, c.Send([]byte("late")), ErrConnectionClosed)
}

func TestConnection_WriteErrorCallback(t *testing.T) {
	server, client := net.Pipe()
	failed := make(chan error, 1)
	c := NewConnection(server, ConnectionConfig{
		SendQueueSize: 4,
		WriteTimeout:  time.Second,
		OnWriteError:  func(_ *Connection, err error) { failed <- err },
	})
	defer c.Close()

	require.NoError(t, client.Close())
	require.NoError(t, c.Send([]byte("hello")))

	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write error callback was not called")
	}
}

func TestConnectionManager_RemoveOnce(t *testing.T) {
	cm := NewConnectionManager()
	c, _ := newPipeConnection(t, 1)

	cm.Add(c)
	assert.Equal(t, 1, cm.Count())
	assert.Same(t, c, cm.Get(c.ID))
	assert.Same(t, c, cm.GetByConn(c.Conn))

	assert.True(t, cm.Remove(c))
	assert.False(t, cm.Remove(c))
	assert.Nil(t, cm.Get(c.ID))
	assert.Nil(t, cm.GetByConn(c.Conn))
	assert.Empty(t, cm.All())
}
