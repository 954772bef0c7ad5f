package message

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsFreshID(t *testing.T) {
	m := New("chat", "hello")
	assert.Equal(t, "chat", m.Channel)
	assert.Equal(t, "hello", m.Data)
	assert.NotEqual(t, uuid.Nil, m.MessageID)
	assert.Equal(t, uuid.Nil, m.ReplyTo)
	assert.Equal(t, uuid.Nil, m.TargetID)
}

func TestReplyChannelNaming(t *testing.T) {
	id, err := uuid.NewV4()
	require.NoError(t, err)

	got := ReplyChannel("chat", id)
	assert.Equal(t, "chat_reply_"+id.String(), got)
}

func TestIsReplyTo(t *testing.T) {
	req := New("chat", "ping")
	reply := FromReply(req, "pong")

	assert.True(t, reply.IsReplyTo("chat", req.MessageID))
	assert.False(t, reply.IsReplyTo("other", req.MessageID))

	otherID := NewID()
	assert.False(t, reply.IsReplyTo("chat", otherID))
}

func TestFromReplyStampsReplyToAndChannel(t *testing.T) {
	req := New("chat", "ping")
	reply := FromReply(req, "pong")

	assert.Equal(t, req.MessageID, reply.ReplyTo)
	assert.Equal(t, ReplyChannel("chat", req.MessageID), reply.Channel)
	assert.NotEqual(t, req.MessageID, reply.MessageID)
}

func TestServerIDIsNilUUID(t *testing.T) {
	assert.Equal(t, uuid.Nil, ServerID)
}
