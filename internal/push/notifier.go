// Package push hands notifications for users without a live connection to the
// browser push sender. The server never talks to push services itself: it
// stores the opaque subscription a browser registered and publishes
// {subscription, payload} deliveries on the bus.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/thelinks/realtime/internal/auth"
)

// maxSubscriptionSize bounds the accepted subscription document.
const maxSubscriptionSize = 8 << 10

// Store persists push subscriptions per identity.
type Store interface {
	SetPushSubscription(ctx context.Context, identity string, subscription []byte) error
	PushSubscription(ctx context.Context, identity string) ([]byte, error)
}

// Publisher carries a delivery to the push sender.
type Publisher interface {
	PublishPush(data []byte) error
}

// Delivery is the message published for the push sender.
type Delivery struct {
	UserID       string          `json:"userId"`
	Subscription json.RawMessage `json:"subscription"`
	Payload      json.RawMessage `json:"payload"`
}

// Notifier looks up subscriptions and publishes deliveries.
type Notifier struct {
	store Store
	pub   Publisher
}

// NewNotifier creates a Notifier.
func NewNotifier(store Store, pub Publisher) *Notifier {
	return &Notifier{store: store, pub: pub}
}

// Notify hands payload to the push sender for identity. It returns
// (false, nil) when the identity has no subscription.
func (n *Notifier) Notify(ctx context.Context, identity string, payload []byte) (bool, error) {
	sub, err := n.store.PushSubscription(ctx, identity)
	if err != nil {
		return false, err
	}
	if len(sub) == 0 {
		return false, nil
	}

	data, err := json.Marshal(Delivery{
		UserID:       identity,
		Subscription: sub,
		Payload:      payload,
	})
	if err != nil {
		return false, fmt.Errorf("push: marshal delivery: %w", err)
	}
	if err := n.pub.PublishPush(data); err != nil {
		return false, fmt.Errorf("push: publish delivery for %s: %w", identity, err)
	}
	return true, nil
}

// SubscriptionHandler serves POST /push-subscription. It must be mounted
// behind auth.Verifier.Middleware.
func SubscriptionHandler(store Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Please authenticate."})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxSubscriptionSize+1))
		if err != nil || len(body) > maxSubscriptionSize {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid push subscription"})
			return
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil || len(doc) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid push subscription"})
			return
		}

		if err := store.SetPushSubscription(r.Context(), identity, body); err != nil {
			log.Printf("push: save subscription user=%s: %v", identity, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to save push subscription"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Push subscription saved"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
