// Package protocol defines the WebSocket frames exchanged between clients and
// the real-time server. All frames are JSON objects with a "type" discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnknownType is returned for frame types a client may not send.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeAuth      = "auth"
	TypeJoinChat  = "join_chat"
	TypeLeaveChat = "leave_chat"
	TypePing      = "ping"
)

// Server -> Client frame types.
const (
	TypeAuthenticated = "authenticated"
	TypeChatJoined    = "chat_joined"
	TypeChatLeft      = "chat_left"
	TypeNotification  = "notification"
	TypeChatMessage   = "chat_message"
	TypeError         = "error"
	TypePong          = "pong"
)

// Status values used by acknowledgement frames.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error codes carried by error frames.
const (
	CodeParseError           = "parse_error"
	CodeUnsupportedType      = "unsupported_type"
	CodeNotAuthenticated     = "not_authenticated"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeInvalidItemID        = "invalid_item_id"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ItemID is a conversation item identifier. Clients send it either as a JSON
// string or as a JSON number.
type ItemID string

// UnmarshalJSON accepts "42" and 42 alike. null decodes to the empty id.
func (id *ItemID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("protocol: itemId: %w", err)
		}
		*id = ItemID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: itemId must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("protocol: itemId must be an integer: %w", err)
	}
	*id = ItemID(n.String())
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// AuthMsg presents a bearer credential on an open connection.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// JoinChatMsg requests membership of the conversation room of an item.
type JoinChatMsg struct {
	Type   string `json:"type"`
	ItemID ItemID `json:"itemId"`
}

// LeaveChatMsg drops membership of the conversation room of an item.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	ItemID ItemID `json:"itemId"`
}

// PingMsg is an application-level keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// AuthenticatedMsg reports the outcome of a handshake.
type AuthenticatedMsg struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

// ChatJoinedMsg acknowledges a join_chat.
type ChatJoinedMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	ItemID string `json:"itemId"`
}

// ChatLeftMsg acknowledges a leave_chat.
type ChatLeftMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	ItemID string `json:"itemId"`
}

// NotificationMsg carries a direct event addressed to the user. Event holds
// the event type tag (new_message, new_reply, new_like).
type NotificationMsg struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ChatMessageMsg carries an event fanned out to a conversation room.
type ChatMessageMsg struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	ItemID string          `json:"itemId"`
}

// ErrorMsg reports a protocol error. The connection stays open.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// Unknown and server-only frame types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes a server frame, forcing its "type" field to
// msgType regardless of what the payload struct carries.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
