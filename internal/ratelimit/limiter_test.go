package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client)
}

func TestAllow_WindowLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}
	id := uuid.New().String()
	t.Cleanup(func() { l.client.Del(ctx, rule.Key+id) })

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, id, rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := l.Allow(ctx, id, rule)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := l.Remaining(ctx, id, rule)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	retry := l.RetryAfter(ctx, id, rule)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, rule.Window)
}

func TestRemaining_UnknownIdentifier(t *testing.T) {
	l := newTestLimiter(t)
	remaining, err := l.Remaining(context.Background(), uuid.New().String(), RuleUpdates)
	require.NoError(t, err)
	assert.Equal(t, RuleUpdates.Limit, remaining)
	assert.Zero(t, l.RetryAfter(context.Background(), uuid.New().String(), RuleUpdates))
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	ok, err := NewLimiter(client).Allow(context.Background(), "1.2.3.4", RuleConnect)
	assert.Error(t, err)
	assert.True(t, ok)
}
