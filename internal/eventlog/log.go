// Package eventlog is the durable record of dispatched events that polling
// clients reconcile against. Events are appended by producers before they are
// published, and read back per identity and room subscription.
package eventlog

import (
	"context"
	"time"

	"github.com/thelinks/realtime/internal/event"
)

// DefaultQueryLimit caps the number of events returned by one Since call.
const DefaultQueryLimit = 500

// Query selects the events visible to one identity: everything targeted at
// the identity directly, plus room events on Topics not excluding it, created
// strictly after Since.
type Query struct {
	Identity string
	Topics   []string
	Since    time.Time
	Limit    int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// Log stores events for reconciliation.
type Log interface {
	Append(ctx context.Context, events ...event.Event) error
	// Since returns matching events ordered by creation time, oldest first.
	Since(ctx context.Context, q Query) ([]event.Event, error)
}

func visible(ev event.Event, q Query, topics map[string]struct{}) bool {
	if !ev.CreatedAt.After(q.Since) {
		return false
	}
	switch ev.Target.Kind {
	case event.KindUser:
		return ev.Target.ID == q.Identity
	case event.KindRoom:
		if _, ok := topics[ev.Target.ID]; !ok {
			return false
		}
		return ev.Exclude != q.Identity
	}
	return false
}
