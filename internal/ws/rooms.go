package ws

import (
	"errors"
	"fmt"
	"sync"

	"github.com/thelinks/realtime/internal/event"
)

var ErrInvalidTopic = errors.New("ws: invalid topic")

// RoomRouter tracks topic membership in both directions: topic to members and
// connection to topics. Both indexes change under one lock so they never
// disagree, and an empty topic is discarded as soon as its last member leaves.
type RoomRouter struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Connection]struct{}
	byConn map[*Connection]map[string]struct{}
}

// NewRoomRouter creates an empty RoomRouter.
func NewRoomRouter() *RoomRouter {
	return &RoomRouter{
		rooms:  make(map[string]map[*Connection]struct{}),
		byConn: make(map[*Connection]map[string]struct{}),
	}
}

// Join adds c to topic. It reports whether c was newly added; joining a topic
// twice is a no-op. Only Active connections may join, and the state is checked
// under the lock so a connection being torn down cannot slip back in.
func (r *RoomRouter) Join(c *Connection, topic string) (bool, error) {
	if _, _, err := event.ParseTopic(topic); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !c.IsActive() {
		return false, ErrNotActive
	}

	members, ok := r.rooms[topic]
	if !ok {
		members = make(map[*Connection]struct{})
		r.rooms[topic] = members
	}
	if _, ok := members[c]; ok {
		return false, nil
	}
	members[c] = struct{}{}

	topics, ok := r.byConn[c]
	if !ok {
		topics = make(map[string]struct{})
		r.byConn[c] = topics
	}
	topics[topic] = struct{}{}
	return true, nil
}

// Leave removes c from topic and reports whether it was a member.
func (r *RoomRouter) Leave(c *Connection, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(c, topic)
}

func (r *RoomRouter) leaveLocked(c *Connection, topic string) bool {
	members, ok := r.rooms[topic]
	if !ok {
		return false
	}
	if _, ok := members[c]; !ok {
		return false
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, topic)
	}
	if topics, ok := r.byConn[c]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.byConn, c)
		}
	}
	return true
}

// LeaveAll removes c from every topic and returns the topics it left.
func (r *RoomRouter) LeaveAll(c *Connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.byConn[c]))
	for topic := range r.byConn[c] {
		topics = append(topics, topic)
	}
	for _, topic := range topics {
		r.leaveLocked(c, topic)
	}
	return topics
}

// MembersOf returns a snapshot of topic's members. The slice is safe to range
// over while connections join and leave concurrently.
func (r *RoomRouter) MembersOf(topic string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[topic]
	out := make([]*Connection, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// IsMember reports whether c currently belongs to topic.
func (r *RoomRouter) IsMember(c *Connection, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[topic][c]
	return ok
}

// Topics returns the topics c belongs to.
func (r *RoomRouter) Topics(c *Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.byConn[c]))
	for topic := range r.byConn[c] {
		topics = append(topics, topic)
	}
	return topics
}

// Count returns the number of non-empty topics.
func (r *RoomRouter) Count() int {
	r.mu.RLock()
	n := len(r.rooms)
	r.mu.RUnlock()
	return n
}
