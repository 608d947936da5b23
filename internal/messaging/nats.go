// Package messaging provides a NATS client wrapper for pub/sub between
// real-time server instances and the record store that produces activity.
// It carries dispatched events to every instance, cross-instance takeover
// notices, record-store ingest and outbound push deliveries.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/thelinks/realtime/internal/event"
)

// NATS subjects.
const (
	SubjectEvents         = "rt.events"               // every instance dispatches locally
	SubjectTakeover       = "rt.takeover"             // identity authenticated elsewhere
	SubjectMessageCreated = "records.message.created" // record store: message posted
	SubjectMessageLiked   = "records.message.liked"   // record store: like toggled
	SubjectPushDeliver    = "push.deliver"            // consumed by the push sender

	// IngestQueue load-balances record ingest so each record produces its
	// events exactly once across instances.
	IngestQueue = "rt-activity"
)

// Takeover announces that ConnID on Server now owns Identity since At.
// Other instances drop their local connection for the identity unless it
// authenticated later than At.
type Takeover struct {
	Identity string    `json:"identity"`
	ConnID   string    `json:"connId"`
	Server   string    `json:"server"`
	At       time.Time `json:"at"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// QueueSubscribe registers a handler in a queue group, so each message is
// handled by one member of the group only.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s/%s: %w", subject, queue, err)
	}
	c.track(subject+"#"+queue, sub)
	return nil
}

func (c *NATSClient) track(key string, sub *nats.Subscription) {
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
}

// PublishEvent broadcasts ev to every instance for local dispatch.
func (c *NATSClient) PublishEvent(_ context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal event %s: %w", ev.ID, err)
	}
	return c.Publish(SubjectEvents, data)
}

// SubscribeEvents passes every broadcast event to handler.
func (c *NATSClient) SubscribeEvents(handler func(ev event.Event)) error {
	return c.Subscribe(SubjectEvents, func(msg *nats.Msg) {
		var ev event.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad event on %s: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
}

// PublishTakeover announces a fresh authentication of an identity.
func (c *NATSClient) PublishTakeover(t Takeover) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("nats: marshal takeover: %w", err)
	}
	return c.Publish(SubjectTakeover, data)
}

// SubscribeTakeover passes every takeover notice to handler.
func (c *NATSClient) SubscribeTakeover(handler func(t Takeover)) error {
	return c.Subscribe(SubjectTakeover, func(msg *nats.Msg) {
		var t Takeover
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			log.Printf("[nats] bad takeover on %s: %v", msg.Subject, err)
			return
		}
		handler(t)
	})
}

// SubscribeMessageCreated consumes message records in the ingest queue group.
func (c *NATSClient) SubscribeMessageCreated(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectMessageCreated, IngestQueue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeMessageLiked consumes like records in the ingest queue group.
func (c *NATSClient) SubscribeMessageLiked(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectMessageLiked, IngestQueue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishPush hands a push delivery to the push sender.
func (c *NATSClient) PublishPush(data []byte) error {
	return c.Publish(SubjectPushDeliver, data)
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
