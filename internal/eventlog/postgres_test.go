package eventlog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thelinks/realtime/internal/event"
)

// newTestPostgresLog migrates and opens the database named by
// TEST_DATABASE_URL, skipping when it is unset or unreachable.
func newTestPostgresLog(t *testing.T) *PostgresLog {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(dsn, true))
	return NewPostgresLog(db)
}

func TestPostgresLog_AppendAndSince(t *testing.T) {
	l := newTestPostgresLog(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	user := "test_" + uuid.New().String()
	topic := "chat_" + uuid.New().String()[:8]

	direct := mustEvent(t, event.TypeNewReply, event.ToUser(user), base.Add(2*time.Second))
	room := mustEvent(t, event.TypeNewMessage, event.ToRoom(topic), base.Add(time.Second))
	room.ItemID = topic[len("chat_"):]
	room.Key = "m1:new_message"
	own := mustEvent(t, event.TypeNewMessage, event.ToRoom(topic), base.Add(3*time.Second))
	own.Exclude = user
	old := mustEvent(t, event.TypeNewLike, event.ToUser(user), base.Add(-time.Minute))

	require.NoError(t, l.Append(ctx, direct, room, own, old))
	require.NoError(t, l.Append(ctx, direct), "re-append is a no-op")

	got, err := l.Since(ctx, Query{Identity: user, Topics: []string{topic}, Since: base})
	require.NoError(t, err)
	require.Equal(t, []string{room.ID, direct.ID}, ids(got))

	assert.Equal(t, "m1:new_message", got[0].Key)
	assert.Equal(t, room.ItemID, got[0].ItemID)
	assert.JSONEq(t, string(room.Data), string(got[0].Data))
	assert.True(t, got[0].CreatedAt.Equal(room.CreatedAt))
}

func TestPostgresLog_Prune(t *testing.T) {
	l := newTestPostgresLog(t)
	ctx := context.Background()
	user := "test_" + uuid.New().String()

	stale := mustEvent(t, event.TypeNewLike, event.ToUser(user), time.Now().Add(-48*time.Hour))
	fresh := mustEvent(t, event.TypeNewLike, event.ToUser(user), time.Now())
	require.NoError(t, l.Append(ctx, stale, fresh))

	n, err := l.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := l.Since(ctx, Query{Identity: user, Since: time.Now().Add(-72 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, ids(got))
}
