package event

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "user_abc", UserTopic("abc"))
	assert.Equal(t, "chat_42", ChatTopic("42"))

	prefix, id, err := ParseTopic("chat_42")
	require.NoError(t, err)
	assert.Equal(t, ChatTopicPrefix, prefix)
	assert.Equal(t, "42", id)

	prefix, id, err = ParseTopic("user_64b7f0c2e1")
	require.NoError(t, err)
	assert.Equal(t, UserTopicPrefix, prefix)
	assert.Equal(t, "64b7f0c2e1", id)
}

func TestParseTopic_Rejects(t *testing.T) {
	for _, topic := range []string{"", "chat_", "room_1", "chat_a b", "user_../x"} {
		_, _, err := ParseTopic(topic)
		assert.Truef(t, errors.Is(err, ErrInvalidTopic), "topic %q: got %v", topic, err)
	}
}

func TestValidateItemID(t *testing.T) {
	assert.NoError(t, ValidateItemID("64b7f0c2e1a3"))
	assert.NoError(t, ValidateItemID("item_1-a"))
	assert.ErrorIs(t, ValidateItemID(""), ErrInvalidItemID)
	assert.ErrorIs(t, ValidateItemID(strings.Repeat("a", 65)), ErrInvalidItemID)
	assert.ErrorIs(t, ValidateItemID("a/b"), ErrInvalidItemID)
}

func TestValidateIdentity(t *testing.T) {
	assert.NoError(t, ValidateIdentity("64b7f0c2e1a3"))
	for _, identity := range []string{"", "alice@example.com", "auth0|abc123", strings.Repeat("u", 65)} {
		err := ValidateIdentity(identity)
		assert.ErrorIsf(t, err, ErrInvalidIdentity, "identity %q", identity)
		_, _, topicErr := ParseTopic(UserTopic(identity))
		assert.Errorf(t, topicErr, "identity %q must not name a topic", identity)
	}
}

func TestNew(t *testing.T) {
	ev, err := New(TypeNewLike, ToUser("u1"), map[string]string{"content": "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TypeNewLike, ev.Type)
	assert.Equal(t, Target{Kind: KindUser, ID: "u1"}, ev.Target)
	assert.JSONEq(t, `{"content":"hi"}`, string(ev.Data))
	assert.False(t, ev.CreatedAt.IsZero())
}
