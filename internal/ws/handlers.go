package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/thelinks/realtime/internal/event"
	"github.com/thelinks/realtime/internal/metrics"
	"github.com/thelinks/realtime/internal/protocol"
)

// SessionStore persists presence and durable room subscriptions so that a
// reconnecting or polling client can be reconciled.
type SessionStore interface {
	Online(ctx context.Context, identity, connID string) error
	Offline(ctx context.Context, identity, connID string) error
	Subscribe(ctx context.Context, identity, topic string) error
	Unsubscribe(ctx context.Context, identity, topic string) error
}

func (s *Server) registerHandlers() {
	s.mux.HandlePublic(protocol.TypeAuth, s.handleAuth)
	s.mux.Handle(protocol.TypeJoinChat, s.handleJoinChat)
	s.mux.Handle(protocol.TypeLeaveChat, s.handleLeaveChat)
}

func (s *Server) handleAuth(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.AuthMsg)
	if !ok {
		return
	}
	// Authenticate reports every failure to the client itself.
	_ = s.handshake.Authenticate(context.Background(), c, m.Token)
}

func (s *Server) handleJoinChat(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinChatMsg)
	if !ok {
		return
	}
	itemID := string(m.ItemID)
	if err := event.ValidateItemID(itemID); err != nil {
		SendError(c, protocol.CodeInvalidItemID, err.Error())
		return
	}

	topic := event.ChatTopic(itemID)
	joined, err := s.rooms.Join(c, topic)
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			SendError(c, protocol.CodeNotAuthenticated, "authenticate first")
			return
		}
		SendError(c, protocol.CodeInvalidItemID, err.Error())
		return
	}
	if joined {
		metrics.RoomsTotal.Set(float64(s.rooms.Count()))
		s.persistSubscription(c, topic, true)
		log.Printf("ws: session=%s identity=%s joined %s", c.ID, c.Identity(), topic)
	}

	if err := sendFrame(c, protocol.TypeChatJoined, protocol.ChatJoinedMsg{
		Status: protocol.StatusSuccess,
		ItemID: itemID,
	}); err != nil {
		log.Printf("ws: failed to send chat_joined session=%s: %v", c.ID, err)
	}
}

func (s *Server) handleLeaveChat(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveChatMsg)
	if !ok {
		return
	}
	itemID := string(m.ItemID)
	if err := event.ValidateItemID(itemID); err != nil {
		SendError(c, protocol.CodeInvalidItemID, err.Error())
		return
	}

	topic := event.ChatTopic(itemID)
	if s.rooms.Leave(c, topic) {
		metrics.RoomsTotal.Set(float64(s.rooms.Count()))
		log.Printf("ws: session=%s identity=%s left %s", c.ID, c.Identity(), topic)
	}
	// An explicit leave also drops the durable subscription, even when the
	// current connection never joined (e.g. the join happened on a previous
	// connection).
	s.persistSubscription(c, topic, false)

	if err := sendFrame(c, protocol.TypeChatLeft, protocol.ChatLeftMsg{
		Status: protocol.StatusSuccess,
		ItemID: itemID,
	}); err != nil {
		log.Printf("ws: failed to send chat_left session=%s: %v", c.ID, err)
	}
}

func (s *Server) persistSubscription(c *Connection, topic string, subscribe bool) {
	if s.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var err error
	if subscribe {
		err = s.sessions.Subscribe(ctx, c.Identity(), topic)
	} else {
		err = s.sessions.Unsubscribe(ctx, c.Identity(), topic)
	}
	if err != nil {
		log.Printf("ws: failed to persist subscription identity=%s topic=%s: %v", c.Identity(), topic, err)
	}
}
