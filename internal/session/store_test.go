package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance. Tests
// that call this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	identity := "test_" + uuid.New().String()
	t.Cleanup(func() {
		client.Del(ctx, SessionPrefix+identity, SubsPrefix+identity, PushPrefix+identity)
		client.Close()
	})
	return NewStoreWithClient(client, "ws-test"), identity
}

func TestOnlineAndGet(t *testing.T) {
	store, identity := newTestStore(t)
	ctx := context.Background()

	if err := store.Online(ctx, identity, "conn-1"); err != nil {
		t.Fatalf("Online() error: %v", err)
	}

	sess, err := store.Get(ctx, identity)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session, got nil")
	}
	if sess.ConnID != "conn-1" || sess.Server != "ws-test" || sess.Identity != identity {
		t.Errorf("unexpected session: %+v", sess)
	}

	online, err := store.IsOnline(ctx, identity)
	if err != nil || !online {
		t.Errorf("expected online, got %v (err=%v)", online, err)
	}

	ttl := store.Client().TTL(ctx, SessionPrefix+identity).Val()
	if ttl <= 0 || ttl > SessionTTL {
		t.Errorf("expected TTL in (0, %s], got %s", SessionTTL, ttl)
	}
}

func TestOffline_OnlyOwner(t *testing.T) {
	store, identity := newTestStore(t)
	ctx := context.Background()

	_ = store.Online(ctx, identity, "conn-old")
	_ = store.Online(ctx, identity, "conn-new")

	// The replaced connection disconnecting late must not clear presence.
	if err := store.Offline(ctx, identity, "conn-old"); err != nil {
		t.Fatalf("Offline() error: %v", err)
	}
	sess, _ := store.Get(ctx, identity)
	if sess == nil || sess.ConnID != "conn-new" {
		t.Fatalf("expected conn-new to stay online, got %+v", sess)
	}

	if err := store.Offline(ctx, identity, "conn-new"); err != nil {
		t.Fatalf("Offline() error: %v", err)
	}
	sess, _ = store.Get(ctx, identity)
	if sess != nil {
		t.Errorf("expected offline, got %+v", sess)
	}
}

func TestSubscriptions(t *testing.T) {
	store, identity := newTestStore(t)
	ctx := context.Background()

	for _, topic := range []string{"chat_1", "chat_2", "chat_1"} {
		if err := store.Subscribe(ctx, identity, topic); err != nil {
			t.Fatalf("Subscribe(%s) error: %v", topic, err)
		}
	}
	if err := store.Unsubscribe(ctx, identity, "chat_2"); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}
	if err := store.Unsubscribe(ctx, identity, "chat_never"); err != nil {
		t.Fatalf("Unsubscribe() of absent topic error: %v", err)
	}

	topics, err := store.Subscriptions(ctx, identity)
	if err != nil {
		t.Fatalf("Subscriptions() error: %v", err)
	}
	if len(topics) != 1 || topics[0] != "chat_1" {
		t.Errorf("expected [chat_1], got %v", topics)
	}
}

func TestPushSubscription(t *testing.T) {
	store, identity := newTestStore(t)
	ctx := context.Background()

	sub, err := store.PushSubscription(ctx, identity)
	if err != nil || sub != nil {
		t.Fatalf("expected no subscription, got %s (err=%v)", sub, err)
	}

	want := `{"endpoint":"https://push.example/abc","keys":{"p256dh":"k","auth":"a"}}`
	if err := store.SetPushSubscription(ctx, identity, []byte(want)); err != nil {
		t.Fatalf("SetPushSubscription() error: %v", err)
	}
	sub, err = store.PushSubscription(ctx, identity)
	if err != nil {
		t.Fatalf("PushSubscription() error: %v", err)
	}
	if string(sub) != want {
		t.Errorf("expected %s, got %s", want, sub)
	}
}

func TestTouch(t *testing.T) {
	store, identity := newTestStore(t)
	ctx := context.Background()

	_ = store.Online(ctx, identity, "conn-1")
	store.Client().Expire(ctx, SessionPrefix+identity, time.Minute)

	if err := store.Touch(ctx, identity); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	if ttl := store.Client().TTL(ctx, SessionPrefix+identity).Val(); ttl <= time.Minute {
		t.Errorf("expected TTL refreshed beyond 1m, got %s", ttl)
	}
}
