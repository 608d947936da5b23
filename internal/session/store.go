package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for presence hashes.
	SessionPrefix = "session:"

	// SubsPrefix is the Redis key prefix for durable room subscription sets.
	SubsPrefix = "subs:"

	// PushPrefix is the Redis key prefix for stored push subscriptions.
	PushPrefix = "push:"

	// SessionTTL bounds how long a presence entry survives an instance that
	// died without clearing it.
	SessionTTL = 1 * time.Hour

	// SubsTTL is refreshed on every subscribe.
	SubsTTL = 30 * 24 * time.Hour
)

// Session is the presence entry of one identity.
type Session struct {
	Identity    string `redis:"identity"`
	ConnID      string `redis:"conn_id"`     // connection currently serving the identity
	Server      string `redis:"server"`      // which WS server instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// offlineScript deletes the presence hash only if it still belongs to the
// given connection, so a late disconnect cannot erase a newer session.
var offlineScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store manages presence and subscriptions in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Online records that connID on this instance now serves identity.
func (s *Store) Online(ctx context.Context, identity, connID string) error {
	key := SessionPrefix + identity
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"identity":     identity,
		"conn_id":      connID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: online %s: %w", identity, err)
	}
	return nil
}

// Offline clears presence for identity if connID still owns it.
func (s *Store) Offline(ctx context.Context, identity, connID string) error {
	if err := offlineScript.Run(ctx, s.client, []string{SessionPrefix + identity}, connID).Err(); err != nil {
		return fmt.Errorf("session: offline %s: %w", identity, err)
	}
	return nil
}

// Get retrieves the presence entry of identity. Returns nil if offline.
func (s *Store) Get(ctx context.Context, identity string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+identity).Scan(&session); err != nil {
		return nil, err
	}
	if session.ConnID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// IsOnline reports whether any instance currently serves identity.
func (s *Store) IsOnline(ctx context.Context, identity string) (bool, error) {
	n, err := s.client.Exists(ctx, SessionPrefix+identity).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch refreshes last_active and the presence TTL.
func (s *Store) Touch(ctx context.Context, identity string) error {
	key := SessionPrefix + identity
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Subscribe adds topic to the durable subscriptions of identity.
func (s *Store) Subscribe(ctx context.Context, identity, topic string) error {
	key := SubsPrefix + identity
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, topic)
	pipe.Expire(ctx, key, SubsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: subscribe %s to %s: %w", identity, topic, err)
	}
	return nil
}

// Unsubscribe removes topic from the durable subscriptions of identity.
func (s *Store) Unsubscribe(ctx context.Context, identity, topic string) error {
	if err := s.client.SRem(ctx, SubsPrefix+identity, topic).Err(); err != nil {
		return fmt.Errorf("session: unsubscribe %s from %s: %w", identity, topic, err)
	}
	return nil
}

// Subscriptions returns the durable room subscriptions of identity.
func (s *Store) Subscriptions(ctx context.Context, identity string) ([]string, error) {
	topics, err := s.client.SMembers(ctx, SubsPrefix+identity).Result()
	if err != nil {
		return nil, fmt.Errorf("session: subscriptions %s: %w", identity, err)
	}
	return topics, nil
}

// SetPushSubscription stores the opaque push subscription of identity,
// replacing any previous one.
func (s *Store) SetPushSubscription(ctx context.Context, identity string, subscription []byte) error {
	if err := s.client.Set(ctx, PushPrefix+identity, subscription, 0).Err(); err != nil {
		return fmt.Errorf("session: set push subscription %s: %w", identity, err)
	}
	return nil
}

// PushSubscription returns the stored push subscription of identity, or nil
// if none was registered.
func (s *Store) PushSubscription(ctx context.Context, identity string) ([]byte, error) {
	data, err := s.client.Get(ctx, PushPrefix+identity).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get push subscription %s: %w", identity, err)
	}
	return data, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
