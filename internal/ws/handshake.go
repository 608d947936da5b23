package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/thelinks/realtime/internal/auth"
	"github.com/thelinks/realtime/internal/event"
	"github.com/thelinks/realtime/internal/metrics"
	"github.com/thelinks/realtime/internal/protocol"
	"github.com/thelinks/realtime/internal/ratelimit"
)

var (
	ErrAlreadyAuthenticated = errors.New("ws: already authenticated")
	ErrRateLimited          = errors.New("ws: rate limited")
)

// TokenVerifier resolves a bearer credential to an identity.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// RateLimiter throttles an identifier under a rule.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Handshake binds an unauthenticated connection to an identity. On success
// the connection is Active, registered for its identity (evicting any older
// connection of the same identity) and joined to its private user topic,
// all before the client sees the success frame.
type Handshake struct {
	verifier  TokenVerifier
	registry  *Registry
	rooms     *RoomRouter
	sessions  SessionStore
	limiter   RateLimiter
	terminate func(c *Connection, reason string)
	grace     time.Duration

	onAuthenticated func(c *Connection)
}

// Authenticate runs the handshake for c with the given token. Failures are
// reported to the client as an authenticated frame with status "error", and
// the transport is closed after the grace period so the frame can flush.
func (h *Handshake) Authenticate(ctx context.Context, c *Connection, token string) error {
	switch c.State() {
	case StateActive:
		SendError(c, protocol.CodeAlreadyAuthenticated, "connection is already authenticated")
		return ErrAlreadyAuthenticated
	case StateTerminated:
		return ErrConnectionClosed
	}

	if h.limiter != nil && c.RemoteIP != "" {
		if ok, _ := h.limiter.Allow(ctx, c.RemoteIP, ratelimit.RuleAuth); !ok {
			h.reject(c, "too many attempts")
			return ErrRateLimited
		}
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.reject(c, auth.Reason(err))
		return err
	}
	if err := event.ValidateIdentity(identity); err != nil {
		h.reject(c, "invalid identity")
		return err
	}

	if !c.activate(identity) {
		if c.IsActive() {
			SendError(c, protocol.CodeAlreadyAuthenticated, "connection is already authenticated")
			return ErrAlreadyAuthenticated
		}
		return ErrConnectionClosed
	}

	old, err := h.registry.Register(identity, c)
	if err != nil {
		h.reject(c, "internal error")
		return err
	}
	if old != nil {
		log.Printf("ws: identity=%s replaced session=%s by session=%s", identity, old.ID, c.ID)
		metrics.AuthTotal.WithLabelValues("replaced").Inc()
		h.terminate(old, ReasonReplaced)
	}

	if _, err := h.rooms.Join(c, event.UserTopic(identity)); err != nil {
		h.reject(c, "internal error")
		return err
	}
	metrics.RoomsTotal.Set(float64(h.rooms.Count()))
	metrics.ActiveIdentities.Set(float64(h.registry.Count()))

	if h.sessions != nil {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := h.sessions.Online(pctx, identity, c.ID); err != nil {
			log.Printf("ws: failed to record presence identity=%s session=%s: %v", identity, c.ID, err)
		}
		cancel()
	}

	if err := sendFrame(c, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		Status:  protocol.StatusSuccess,
		Message: "Successfully authenticated",
		UserID:  identity,
	}); err != nil {
		log.Printf("ws: failed to send authenticated session=%s: %v", c.ID, err)
	}

	metrics.AuthTotal.WithLabelValues("success").Inc()
	log.Printf("ws: authenticated session=%s identity=%s", c.ID, identity)

	if h.onAuthenticated != nil {
		h.onAuthenticated(c)
	}
	return nil
}

func (h *Handshake) reject(c *Connection, reason string) {
	metrics.AuthTotal.WithLabelValues(reason).Inc()
	log.Printf("ws: handshake rejected session=%s: %s", c.ID, reason)

	if err := sendFrame(c, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
		Status:  protocol.StatusError,
		Message: reason,
	}); err != nil {
		h.terminate(c, ReasonAuthFailed)
		return
	}
	time.AfterFunc(h.grace, func() {
		h.terminate(c, ReasonAuthFailed)
	})
}
