package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Ancify/ancify-sbm/codec"
	"github.com/Ancify/ancify-sbm/codec/cbor"
	"github.com/Ancify/ancify-sbm/codec/msgpack"
	"github.com/Ancify/ancify-sbm/message"
)

func implementations() map[string]codec.Codec {
	return map[string]codec.Codec{
		"cbor":    cbor.New(),
		"msgpack": msgpack.New(),
	}
}

// TestRoundTrip covers Testable Property 4: encode then decode yields
// field-wise equality on channel/messageId/replyTo/senderId/targetId
// and structural equality on data.
func TestRoundTrip(t *testing.T) {
	for name, c := range implementations() {
		c := c
		t.Run(name, func(t *testing.T) {
			req := message.New("echo", map[string]interface{}{"msg": "hi", "n": int64(3)})
			req.SenderID = message.NewID()
			reply := message.FromReply(req, map[string]interface{}{"msg": "hi"})
			reply.SenderID = message.ServerID
			reply.TargetID = req.SenderID

			b, err := c.Encode(reply)
			require.NoError(t, err)

			got, err := c.Decode(b)
			require.NoError(t, err)

			require.Equal(t, reply.Channel, got.Channel)
			require.Equal(t, reply.MessageID, got.MessageID)
			require.Equal(t, reply.ReplyTo, got.ReplyTo)
			require.Equal(t, reply.SenderID, got.SenderID)
			require.Equal(t, reply.TargetID, got.TargetID)
			require.Equal(t, reply.Data, got.Data)
		})
	}
}

func TestZeroByteData(t *testing.T) {
	for name, c := range implementations() {
		c := c
		t.Run(name, func(t *testing.T) {
			m := message.New("log", nil)
			b, err := c.Encode(m)
			require.NoError(t, err)
			got, err := c.Decode(b)
			require.NoError(t, err)
			require.Nil(t, got.Data)
			require.Equal(t, m.Channel, got.Channel)
		})
	}
}

func TestServerOriginSentinel(t *testing.T) {
	for name, c := range implementations() {
		c := c
		t.Run(name, func(t *testing.T) {
			m := message.New("news", 42)
			m.SenderID = message.ServerID
			b, err := c.Encode(m)
			require.NoError(t, err)
			got, err := c.Decode(b)
			require.NoError(t, err)
			require.Equal(t, message.ServerID, got.SenderID)
			require.True(t, got.TargetID == message.ServerID) // zero value, absent target
		})
	}
}
