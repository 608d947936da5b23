// Package dispatch fans events out to live connections: a direct event to the
// single connection of its target identity, a room event to every member of
// the topic except the excluded identity.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/thelinks/realtime/internal/event"
	"github.com/thelinks/realtime/internal/metrics"
	"github.com/thelinks/realtime/internal/protocol"
	"github.com/thelinks/realtime/internal/ws"
)

// Evictor tears down a connection that cannot keep up.
type Evictor interface {
	Terminate(c *ws.Connection, reason string)
}

// Dispatcher delivers events to connections on this instance. Delivery is
// fire-and-forget: an offline target or an empty room is not an error, and a
// connection whose send queue is full is evicted rather than waited on.
type Dispatcher struct {
	registry *ws.Registry
	rooms    *ws.RoomRouter
	evictor  Evictor
}

// New creates a Dispatcher over the given registry and room router.
func New(registry *ws.Registry, rooms *ws.RoomRouter, evictor Evictor) *Dispatcher {
	return &Dispatcher{registry: registry, rooms: rooms, evictor: evictor}
}

// PublishToUser delivers ev to the live connection of identity. It returns
// the number of connections the frame was queued on (0 or 1).
func (d *Dispatcher) PublishToUser(identity string, ev event.Event, exclude string) int {
	if identity == "" || identity == exclude {
		return 0
	}
	c := d.registry.Lookup(identity)
	if c == nil || !c.IsActive() {
		return 0
	}

	frame, err := encodeFrame(ev, "")
	if err != nil {
		log.Printf("dispatch: encode %s for %s: %v", ev.Type, identity, err)
		return 0
	}
	if d.send(c, frame) {
		return 1
	}
	return 0
}

// PublishToRoom delivers ev to every Active member of topic whose identity
// is not exclude. Membership is snapshotted first, so joins and leaves during
// fan-out never block or race the iteration.
func (d *Dispatcher) PublishToRoom(topic string, ev event.Event, exclude string) int {
	members := d.rooms.MembersOf(topic)
	if len(members) == 0 {
		return 0
	}

	frame, err := encodeFrame(ev, topic)
	if err != nil {
		log.Printf("dispatch: encode %s for %s: %v", ev.Type, topic, err)
		return 0
	}

	delivered := 0
	for _, c := range members {
		if !c.IsActive() {
			continue
		}
		if exclude != "" && c.Identity() == exclude {
			metrics.EventsTotal.WithLabelValues("excluded").Inc()
			continue
		}
		if d.send(c, frame) {
			delivered++
		}
	}
	return delivered
}

// Deliver routes ev by its target and exclusion.
func (d *Dispatcher) Deliver(ev event.Event) int {
	start := time.Now()
	defer func() { metrics.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	switch ev.Target.Kind {
	case event.KindUser:
		return d.PublishToUser(ev.Target.ID, ev, ev.Exclude)
	case event.KindRoom:
		return d.PublishToRoom(ev.Target.ID, ev, ev.Exclude)
	default:
		log.Printf("dispatch: event %s has unknown target kind %q", ev.ID, ev.Target.Kind)
		return 0
	}
}

// PublishEvent delivers ev locally. It lets a single instance run without a
// message bus between producers and the dispatcher.
func (d *Dispatcher) PublishEvent(_ context.Context, ev event.Event) error {
	d.Deliver(ev)
	return nil
}

func (d *Dispatcher) send(c *ws.Connection, frame []byte) bool {
	err := c.Send(frame)
	switch {
	case err == nil:
		metrics.EventsTotal.WithLabelValues("delivered").Inc()
		return true
	case errors.Is(err, ws.ErrSendQueueFull):
		metrics.EventsTotal.WithLabelValues("evicted").Inc()
		log.Printf("dispatch: send queue full session=%s identity=%s, evicting", c.ID, c.Identity())
		if d.evictor != nil {
			d.evictor.Terminate(c, ws.ReasonSlowConsumer)
		}
	default:
		metrics.EventsTotal.WithLabelValues("dropped").Inc()
	}
	return false
}

// encodeFrame renders ev once for all its recipients. Events for a chat room
// become chat_message frames carrying the item id; everything else is a
// notification.
func encodeFrame(ev event.Event, topic string) ([]byte, error) {
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	if strings.HasPrefix(topic, event.ChatTopicPrefix) {
		itemID := ev.ItemID
		if itemID == "" {
			itemID = strings.TrimPrefix(topic, event.ChatTopicPrefix)
		}
		return protocol.NewServerMessage(protocol.TypeChatMessage, protocol.ChatMessageMsg{
			Event:  ev.Type,
			Data:   data,
			ItemID: itemID,
		})
	}

	frame, err := protocol.NewServerMessage(protocol.TypeNotification, protocol.NotificationMsg{
		Event: ev.Type,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return frame, nil
}
