package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/thelinks/realtime/internal/event"
)

// DefaultRingSize is the number of recent events retained per target.
const DefaultRingSize = 256

// MemoryLog keeps the last N events per target in memory. It is
// goroutine-safe and uses a ring buffer per target internally. It backs
// single-instance deployments without a database; history is lost on
// restart.
type MemoryLog struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*ring // target key -> ring buffer
	seq   uint64
}

type entry struct {
	seq uint64 // insertion order, breaks CreatedAt ties
	ev  event.Event
}

// ring is a fixed-size circular buffer of entries.
type ring struct {
	items []entry
	pos   int
	count int
}

// NewMemoryLog creates a MemoryLog retaining size events per target.
func NewMemoryLog(size int) *MemoryLog {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &MemoryLog{
		size:  size,
		rings: make(map[string]*ring),
	}
}

func targetKey(t event.Target) string {
	return t.Kind + ":" + t.ID
}

// Append stores events. When a target's ring is full its oldest event is
// overwritten.
func (l *MemoryLog) Append(_ context.Context, events ...event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range events {
		key := targetKey(ev.Target)
		rb, ok := l.rings[key]
		if !ok {
			rb = &ring{items: make([]entry, l.size)}
			l.rings[key] = rb
		}

		l.seq++
		rb.items[rb.pos] = entry{seq: l.seq, ev: ev}
		rb.pos = (rb.pos + 1) % l.size
		if rb.count < l.size {
			rb.count++
		}
	}
	return nil
}

// Since returns the retained events visible to q.Identity, oldest first.
func (l *MemoryLog) Since(_ context.Context, q Query) ([]event.Event, error) {
	topics := make(map[string]struct{}, len(q.Topics))
	keys := []string{targetKey(event.ToUser(q.Identity))}
	for _, topic := range q.Topics {
		if _, dup := topics[topic]; dup {
			continue
		}
		topics[topic] = struct{}{}
		keys = append(keys, targetKey(event.ToRoom(topic)))
	}

	l.mu.RLock()
	var matched []entry
	for _, key := range keys {
		rb, ok := l.rings[key]
		if !ok {
			continue
		}
		// The oldest entry is at position (pos - count) mod size.
		start := (rb.pos - rb.count + l.size) % l.size
		for i := 0; i < rb.count; i++ {
			e := rb.items[(start+i)%l.size]
			if visible(e.ev, q, topics) {
				matched = append(matched, e)
			}
		}
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.ev.CreatedAt.Equal(b.ev.CreatedAt) {
			return a.ev.CreatedAt.Before(b.ev.CreatedAt)
		}
		return a.seq < b.seq
	})
	if limit := q.limit(); len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]event.Event, len(matched))
	for i, e := range matched {
		out[i] = e.ev
	}
	return out, nil
}
