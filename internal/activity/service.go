// Package activity turns record-store facts (a message was posted, a message
// was liked) into events. Every event is appended to the event log before it
// is published, so a client that misses the live delivery finds it when it
// polls. Direct notifications for users with no live session are also handed
// to push.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/thelinks/realtime/internal/event"
	"github.com/thelinks/realtime/internal/eventlog"
)

// handleTimeout bounds the work done for one ingested record.
const handleTimeout = 5 * time.Second

var ErrInvalidRecord = errors.New("activity: invalid record")

// Publisher delivers events to live connections, locally or via the bus.
type Publisher interface {
	PublishEvent(ctx context.Context, ev event.Event) error
}

// Presence reports whether an identity has a live session on any instance.
type Presence interface {
	IsOnline(ctx context.Context, identity string) (bool, error)
}

// Pusher hands a payload to the push sender.
type Pusher interface {
	Notify(ctx context.Context, identity string, payload []byte) (bool, error)
}

// User is the public profile embedded in records.
type User struct {
	ID         string `json:"_id"`
	Name       string `json:"name,omitempty"`
	ProfilePic string `json:"profilePic,omitempty"`
	UserType   string `json:"userType,omitempty"`
}

// MessageRecord is a posted message as the record store publishes it,
// populated with its sender and the item it belongs to.
type MessageRecord struct {
	ID              string    `json:"_id"`
	ItemID          string    `json:"itemId"`
	ItemTitle       string    `json:"itemTitle"`
	ItemUserID      string    `json:"itemUserId"`
	Sender          User      `json:"senderId"`
	Content         string    `json:"content"`
	ParentMessageID string    `json:"parentMessageId,omitempty"`
	ParentSenderID  string    `json:"parentSenderId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// LikeRecord is a like toggle on a message. Liked is false for an unlike.
type LikeRecord struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	ItemID    string    `json:"itemId"`
	ItemTitle string    `json:"itemTitle"`
	AuthorID  string    `json:"authorId"`
	LikedBy   User      `json:"likedBy"`
	Liked     bool      `json:"liked"`
	Timestamp time.Time `json:"timestamp"`
}

type likedMessage struct {
	ID        string `json:"_id"`
	Content   string `json:"content"`
	ItemID    string `json:"itemId"`
	ItemTitle string `json:"itemTitle"`
	LikedBy   User   `json:"likedBy"`
}

// Service produces events for activity records.
type Service struct {
	log      eventlog.Log
	pub      Publisher
	presence Presence
	push     Pusher
	now      func() time.Time
}

// NewService creates a Service. presence and push may be nil, which disables
// push hand-off.
func NewService(log eventlog.Log, pub Publisher, presence Presence, push Pusher) *Service {
	return &Service{
		log:      log,
		pub:      pub,
		presence: presence,
		push:     push,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MessagePosted notifies the author of the parent message (for a reply), the
// item owner and the item's chat room. The poster is never notified of their
// own message. It returns the events produced.
func (s *Service) MessagePosted(ctx context.Context, rec MessageRecord) ([]event.Event, error) {
	if rec.ID == "" || rec.Sender.ID == "" {
		return nil, fmt.Errorf("%w: message without id or sender", ErrInvalidRecord)
	}
	if err := event.ValidateItemID(rec.ItemID); err != nil {
		return nil, fmt.Errorf("%w: message %s: %v", ErrInvalidRecord, rec.ID, err)
	}

	typ := event.TypeNewMessage
	if rec.ParentMessageID != "" {
		typ = event.TypeNewReply
	}
	actor := rec.Sender.ID
	payload := map[string]interface{}{"message": rec}

	var users []string
	notify := func(identity string) {
		if identity == "" || identity == actor {
			return
		}
		for _, u := range users {
			if u == identity {
				return
			}
		}
		users = append(users, identity)
	}
	if rec.ParentMessageID != "" {
		notify(rec.ParentSenderID)
	}
	notify(rec.ItemUserID)

	b := s.batch(rec.ID+":"+typ, typ, rec.ItemID)
	for _, identity := range users {
		if err := b.add(event.ToUser(identity), "", payload); err != nil {
			return nil, err
		}
	}
	if err := b.add(event.ToRoom(event.ChatTopic(rec.ItemID)), actor, payload); err != nil {
		return nil, err
	}

	return b.events, s.emit(ctx, b.events, map[string]interface{}{"type": typ, "message": rec})
}

// MessageLiked notifies the message author of a like. Unlikes and self-likes
// produce nothing.
func (s *Service) MessageLiked(ctx context.Context, rec LikeRecord) ([]event.Event, error) {
	if rec.MessageID == "" || rec.LikedBy.ID == "" || rec.AuthorID == "" {
		return nil, fmt.Errorf("%w: like without message, author or liker", ErrInvalidRecord)
	}
	if !rec.Liked || rec.AuthorID == rec.LikedBy.ID {
		return nil, nil
	}

	msg := likedMessage{
		ID:        rec.MessageID,
		Content:   rec.Content,
		ItemID:    rec.ItemID,
		ItemTitle: rec.ItemTitle,
		LikedBy:   rec.LikedBy,
	}
	b := s.batch(rec.MessageID+":"+rec.LikedBy.ID+":"+event.TypeNewLike, event.TypeNewLike, rec.ItemID)
	if err := b.add(event.ToUser(rec.AuthorID), "", map[string]interface{}{"message": msg}); err != nil {
		return nil, err
	}
	return b.events, s.emit(ctx, b.events, map[string]interface{}{"type": event.TypeNewLike, "message": msg})
}

// emit appends events to the log, then publishes them. A log failure does not
// stop live delivery; it is returned after publishing.
func (s *Service) emit(ctx context.Context, events []event.Event, pushPayload interface{}) error {
	var errs []error
	if err := s.log.Append(ctx, events...); err != nil {
		errs = append(errs, fmt.Errorf("activity: append: %w", err))
	}

	for _, ev := range events {
		if err := s.pub.PublishEvent(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("activity: publish %s to %s: %w", ev.Type, ev.Target.ID, err))
		}
	}

	if s.presence == nil || s.push == nil {
		return errors.Join(errs...)
	}
	var payload []byte
	for _, ev := range events {
		if ev.Target.Kind != event.KindUser {
			continue
		}
		online, err := s.presence.IsOnline(ctx, ev.Target.ID)
		if err != nil || online {
			continue
		}
		if payload == nil {
			if payload, err = json.Marshal(pushPayload); err != nil {
				errs = append(errs, fmt.Errorf("activity: marshal push payload: %w", err))
				break
			}
		}
		if _, err := s.push.Notify(ctx, ev.Target.ID, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleMessageCreated is the bus callback for posted messages.
func (s *Service) HandleMessageCreated(data []byte) {
	var rec MessageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Printf("activity: bad message record: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if _, err := s.MessagePosted(ctx, rec); err != nil {
		log.Printf("activity: message %s: %v", rec.ID, err)
	}
}

// HandleMessageLiked is the bus callback for like toggles.
func (s *Service) HandleMessageLiked(data []byte) {
	var rec LikeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Printf("activity: bad like record: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if _, err := s.MessageLiked(ctx, rec); err != nil {
		log.Printf("activity: like on %s: %v", rec.MessageID, err)
	}
}

// batch collects the copies of one logical notification. They share a key,
// a type and a creation time. Events are stamped when they are produced, not
// with the record's own timestamp, so the log stays in append order for
// pollers.
type batch struct {
	key    string
	typ    string
	itemID string
	at     time.Time
	events []event.Event
}

func (s *Service) batch(key, typ, itemID string) *batch {
	return &batch{key: key, typ: typ, itemID: itemID, at: s.now()}
}

func (b *batch) add(target event.Target, exclude string, data interface{}) error {
	ev, err := event.New(b.typ, target, data)
	if err != nil {
		return fmt.Errorf("activity: %w", err)
	}
	ev.Key = b.key
	ev.Exclude = exclude
	ev.ItemID = b.itemID
	ev.CreatedAt = b.at
	b.events = append(b.events, ev)
	return nil
}
