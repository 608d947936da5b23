package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval    time.Duration // probe period (default: 30s)
	AuthTimeout time.Duration // max time a connection may stay unauthenticated
	MaxMissed   int           // consecutive unanswered probes before eviction
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:    30 * time.Second,
		AuthTimeout: 10 * time.Second,
		MaxMissed:   1,
	}
}

// HeartbeatMonitor probes every open connection once per interval. Any
// inbound frame, pongs included, answers the probe. A connection that leaves
// MaxMissed probes in a row unanswered is terminated, as is one that has not
// authenticated within AuthTimeout.
type HeartbeatMonitor struct {
	conns     *ConnectionManager
	terminate func(c *Connection, reason string)
	config    HeartbeatConfig
}

// NewHeartbeatMonitor creates a monitor over conns. terminate is the single
// teardown path shared with the read loop, so eviction takes the same locks
// as registration.
func NewHeartbeatMonitor(conns *ConnectionManager, terminate func(c *Connection, reason string), config HeartbeatConfig) *HeartbeatMonitor {
	if config.MaxMissed <= 0 {
		config.MaxMissed = 1
	}
	return &HeartbeatMonitor{conns: conns, terminate: terminate, config: config}
}

// Run checks connections every interval until done is closed.
func (m *HeartbeatMonitor) Run(done <-chan struct{}) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			m.Check(now)
		}
	}
}

// Check runs one probe round and returns the number of evicted connections.
func (m *HeartbeatMonitor) Check(now time.Time) int {
	evicted := 0
	for _, c := range m.conns.All() {
		switch c.State() {
		case StateTerminated:
			continue
		case StateUnauthenticated:
			if m.config.AuthTimeout > 0 && now.Sub(c.CreatedAt) > m.config.AuthTimeout {
				log.Printf("ws: auth timeout session=%s after %s", c.ID, now.Sub(c.CreatedAt).Round(time.Millisecond))
				m.terminate(c, ReasonAuthTimeout)
				evicted++
				continue
			}
		}

		if c.answered.Swap(false) {
			c.missed.Store(0)
		} else if int(c.missed.Add(1)) >= m.config.MaxMissed {
			log.Printf("ws: heartbeat timeout session=%s identity=%s", c.ID, c.Identity())
			m.terminate(c, ReasonHeartbeatTimeout)
			evicted++
			continue
		}

		if err := c.probe(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
			m.terminate(c, ReasonWriteError)
			evicted++
		}
	}
	return evicted
}

// probe sends a protocol-level ping (opcode 0x9). If the writer currently
// holds the wire the probe is skipped for this round; a connection that
// stays busy for a whole interval will miss its next check.
func (c *Connection) probe() error {
	if !c.writeMu.TryLock() {
		return nil
	}
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
