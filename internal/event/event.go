// Package event defines the transient event value that flows from producers
// through the dispatcher to live connections, and into the durable event log
// used for polling reconciliation.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type tags carried by events.
const (
	TypeNewMessage = "new_message"
	TypeNewReply   = "new_reply"
	TypeNewLike    = "new_like"
)

// Target kinds.
const (
	KindUser = "user"
	KindRoom = "room"
)

// Topic family prefixes.
const (
	UserTopicPrefix = "user_"
	ChatTopicPrefix = "chat_"
)

const maxIDLen = 64

var (
	ErrInvalidItemID   = errors.New("event: invalid item id")
	ErrInvalidIdentity = errors.New("event: invalid identity")
	ErrInvalidTopic    = errors.New("event: invalid topic")
)

// Target is the implicit delivery target of an event: a single identity or a
// room topic.
type Target struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Event is an immutable notification. Key groups copies of the same logical
// notification fanned out to several targets.
type Event struct {
	ID        string          `json:"id"`
	Key       string          `json:"key,omitempty"`
	Type      string          `json:"type"`
	Target    Target          `json:"target"`
	Exclude   string          `json:"exclude,omitempty"`
	ItemID    string          `json:"itemId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// New builds an event with a fresh ID, marshalling data as the payload.
func New(eventType string, target Target, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("event: marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Target:    target,
		Data:      raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ToUser targets a single identity.
func ToUser(identity string) Target {
	return Target{Kind: KindUser, ID: identity}
}

// ToRoom targets every member of a topic.
func ToRoom(topic string) Target {
	return Target{Kind: KindRoom, ID: topic}
}

// UserTopic returns the private room topic of an identity.
func UserTopic(identity string) string {
	return UserTopicPrefix + identity
}

// ChatTopic returns the conversation room topic of an item.
func ChatTopic(itemID string) string {
	return ChatTopicPrefix + itemID
}

// ParseTopic splits a topic into its family prefix and id. It rejects
// topics outside the user_/chat_ families and ids with invalid characters.
func ParseTopic(topic string) (prefix, id string, err error) {
	for _, p := range []string{UserTopicPrefix, ChatTopicPrefix} {
		if strings.HasPrefix(topic, p) {
			id = strings.TrimPrefix(topic, p)
			if ValidateItemID(id) != nil {
				return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
			}
			return p, id, nil
		}
	}
	return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
}

// ValidateItemID checks that an id is usable inside a topic name.
func ValidateItemID(id string) error {
	return validateID(ErrInvalidItemID, id)
}

// ValidateIdentity checks that an identity can name its user_ topic.
// Credentials may carry subjects such as e-mail addresses that cannot.
func ValidateIdentity(identity string) error {
	return validateID(ErrInvalidIdentity, identity)
}

func validateID(kind error, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", kind)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%w: exceeds %d characters", kind, maxIDLen)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: unexpected character %q", kind, r)
		}
	}
	return nil
}
