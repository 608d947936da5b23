package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type terminations struct {
	mu      sync.Mutex
	reasons map[*Connection]string
}

func (tr *terminations) terminate(c *Connection, reason string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.reasons == nil {
		tr.reasons = make(map[*Connection]string)
	}
	tr.reasons[c] = reason
	c.markTerminated()
}

func (tr *terminations) reason(c *Connection) string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.reasons[c]
}

func TestHeartbeat_EvictsAfterUnansweredProbe(t *testing.T) {
	cm := NewConnectionManager()
	c := activeConnection(t, "u1")
	cm.Add(c)

	var tr terminations
	m := NewHeartbeatMonitor(cm, tr.terminate, HeartbeatConfig{Interval: time.Second, MaxMissed: 1})

	now := time.Now()
	assert.Zero(t, m.Check(now), "a fresh connection counts as answered")
	assert.Equal(t, 1, m.Check(now.Add(time.Second)))
	assert.Equal(t, ReasonHeartbeatTimeout, tr.reason(c))
}

func TestHeartbeat_AnsweredProbeKeepsConnection(t *testing.T) {
	cm := NewConnectionManager()
	c := activeConnection(t, "u1")
	cm.Add(c)

	var tr terminations
	m := NewHeartbeatMonitor(cm, tr.terminate, HeartbeatConfig{Interval: time.Second, MaxMissed: 1})

	now := time.Now()
	for i := 0; i < 5; i++ {
		assert.Zero(t, m.Check(now.Add(time.Duration(i)*time.Second)))
		c.markAnswered()
	}
	assert.Empty(t, tr.reason(c))
	assert.True(t, c.IsActive())
}

func TestHeartbeat_MaxMissed(t *testing.T) {
	cm := NewConnectionManager()
	c := activeConnection(t, "u1")
	cm.Add(c)

	var tr terminations
	m := NewHeartbeatMonitor(cm, tr.terminate, HeartbeatConfig{Interval: time.Second, MaxMissed: 3})

	now := time.Now()
	assert.Zero(t, m.Check(now))
	assert.Zero(t, m.Check(now))
	assert.Zero(t, m.Check(now))
	assert.Equal(t, 1, m.Check(now))
}

func TestHeartbeat_AuthTimeout(t *testing.T) {
	cm := NewConnectionManager()
	c, client := newPipeConnection(t, 4)
	go drain(client)
	cm.Add(c)

	var tr terminations
	m := NewHeartbeatMonitor(cm, tr.terminate, HeartbeatConfig{
		Interval:    time.Second,
		AuthTimeout: 10 * time.Second,
	})

	assert.Zero(t, m.Check(c.CreatedAt.Add(5*time.Second)))
	c.markAnswered()
	assert.Equal(t, 1, m.Check(c.CreatedAt.Add(11*time.Second)))
	assert.Equal(t, ReasonAuthTimeout, tr.reason(c))
}

func TestHeartbeat_SkipsTerminated(t *testing.T) {
	cm := NewConnectionManager()
	c := activeConnection(t, "u1")
	c.markTerminated()
	cm.Add(c)

	var tr terminations
	m := NewHeartbeatMonitor(cm, tr.terminate, DefaultHeartbeatConfig())
	assert.Zero(t, m.Check(time.Now()))
	assert.Zero(t, m.Check(time.Now()))
}
