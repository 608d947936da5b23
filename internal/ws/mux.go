package ws

import (
	"errors"
	"log"

	"github.com/thelinks/realtime/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// frame. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.JoinChatMsg).
type MessageHandler func(conn *Connection, msg interface{})

// FrameMux routes inbound frames to handlers by type. It answers
// application pings itself and refuses every non-public frame until the
// connection has authenticated.
type FrameMux struct {
	handlers map[string]MessageHandler
	public   map[string]bool
}

// NewFrameMux creates an empty FrameMux.
func NewFrameMux() *FrameMux {
	return &FrameMux{
		handlers: make(map[string]MessageHandler),
		public:   make(map[string]bool),
	}
}

// Handle registers a handler that only runs on Active connections.
func (m *FrameMux) Handle(msgType string, handler MessageHandler) {
	m.handlers[msgType] = handler
	delete(m.public, msgType)
}

// HandlePublic registers a handler that also runs before authentication.
func (m *FrameMux) HandlePublic(msgType string, handler MessageHandler) {
	m.handlers[msgType] = handler
	m.public[msgType] = true
}

// Dispatch parses data and routes it. Parse failures, unknown types and
// frames sent before authentication get an error frame; the connection
// stays open.
func (m *FrameMux) Dispatch(conn *Connection, data []byte) {
	if conn.State() == StateTerminated {
		return
	}

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
			SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		SendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		if err := sendFrame(conn, protocol.TypePong, protocol.PongMsg{}); err != nil {
			log.Printf("ws: failed to send pong session=%s: %v", conn.ID, err)
		}
		return
	}

	handler, ok := m.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	if !m.public[msgType] && !conn.IsActive() {
		SendError(conn, protocol.CodeNotAuthenticated, "authenticate first")
		return
	}

	handler(conn, msg)
}

// SendError queues a structured error frame. Failures are logged only.
func SendError(conn *Connection, code, message string) {
	if err := sendFrame(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	}); err != nil {
		log.Printf("ws: failed to send error message session=%s: %v", conn.ID, err)
	}
}

func sendFrame(conn *Connection, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return conn.Send(data)
}
