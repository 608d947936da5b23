// Package reconcile serves the polling fallback: a client that could not keep
// a WebSocket open asks for everything it missed since a point in time and
// gets the same events, in order, that a live connection would have seen.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/thelinks/realtime/internal/event"
	"github.com/thelinks/realtime/internal/eventlog"
)

var ErrInvalidSince = errors.New("reconcile: invalid since")

// Subscriptions lists the durable room subscriptions of an identity.
type Subscriptions interface {
	Subscriptions(ctx context.Context, identity string) ([]string, error)
}

// Update is one missed event as returned to polling clients.
type Update struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	ItemID    string          `json:"itemId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Reconciler answers "what did I miss" queries from the event log.
type Reconciler struct {
	log  eventlog.Log
	subs Subscriptions
}

// New creates a Reconciler. subs may be nil, in which case only events
// addressed to the identity directly are returned.
func New(log eventlog.Log, subs Subscriptions) *Reconciler {
	return &Reconciler{log: log, subs: subs}
}

// Query returns the events visible to identity created strictly after since,
// oldest first. Room events the identity caused itself are omitted, and
// copies of one logical notification sharing a Key are collapsed to the
// earliest. Asking twice with the same since yields the same result.
func (r *Reconciler) Query(ctx context.Context, identity string, since time.Time) ([]Update, error) {
	topics := []string{event.UserTopic(identity)}
	if r.subs != nil {
		subs, err := r.subs.Subscriptions(ctx, identity)
		if err != nil {
			return nil, fmt.Errorf("reconcile: subscriptions: %w", err)
		}
		topics = append(topics, subs...)
	}

	events, err := r.log.Since(ctx, eventlog.Query{
		Identity: identity,
		Topics:   topics,
		Since:    since,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	seen := make(map[string]struct{}, len(events))
	updates := make([]Update, 0, len(events))
	for _, ev := range events {
		if !ev.CreatedAt.After(since) {
			continue
		}
		if ev.Target.Kind == event.KindRoom && ev.Exclude == identity {
			continue
		}
		key := ev.Key
		if key == "" {
			key = ev.ID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		data := ev.Data
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}
		updates = append(updates, Update{
			Type:      ev.Type,
			Data:      data,
			ItemID:    ev.ItemID,
			CreatedAt: ev.CreatedAt,
		})
	}
	return updates, nil
}

// ParseSince reads the since parameter: RFC 3339 or unix milliseconds. An
// empty value means now minus lookback.
func ParseSince(raw string, now time.Time, lookback time.Duration) (time.Time, error) {
	if raw == "" {
		return now.Add(-lookback), nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSince, raw)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSince, raw)
	}
	return t, nil
}
