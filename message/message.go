// Package message defines the on-wire unit exchanged by the messaging
// stack: Message, its identifiers, and the reply-channel naming
// convention every request/response exchange relies on.
package message

import (
	"fmt"

	"github.com/gofrs/uuid"
)

// Message is the on-wire unit. Channel and MessageID are always
// present; ReplyTo and TargetID are present only when the message is a
// reply or is directed at a specific client respectively. SenderID is
// uuid.Nil for server-origin messages.
type Message struct {
	Channel   string      `cbor:"0,keyasint" codec:"0"`
	Data      interface{} `cbor:"1,keyasint" codec:"1"`
	ReplyTo   uuid.UUID   `cbor:"2,keyasint" codec:"2"`
	MessageID uuid.UUID   `cbor:"3,keyasint" codec:"3"`
	SenderID  uuid.UUID   `cbor:"4,keyasint" codec:"4"`
	TargetID  uuid.UUID   `cbor:"5,keyasint" codec:"5"`
}

// ServerID is the all-zero identifier denoting server origin. Clients
// must never generate this identifier for themselves.
var ServerID = uuid.Nil

// NewID generates a fresh 128-bit message/client identifier.
func NewID() uuid.UUID {
	id, err := uuid.NewV4()
	if err != nil {
		// uuid.NewV4 only fails if the configured random source errors;
		// crypto/rand failing means the process environment is broken.
		panic(fmt.Errorf("sbm: failed to generate id: %w", err))
	}
	return id
}

// New builds a fresh outbound Message on channel with the given
// payload. MessageID is generated; ReplyTo and TargetID are left zero.
func New(channel string, data interface{}) *Message {
	return &Message{
		Channel:   channel,
		Data:      data,
		MessageID: NewID(),
	}
}

// ReplyChannel returns the derived channel name used exclusively for
// the reply correlated with a request sent on requestChannel with the
// given request message id: "{requestChannel}_reply_{requestMessageId}".
func ReplyChannel(requestChannel string, requestMessageID uuid.UUID) string {
	return fmt.Sprintf("%s_reply_%s", requestChannel, requestMessageID.String())
}

// IsReplyTo reports whether m is a correctly correlated reply to a
// request with the given channel and message id.
func (m *Message) IsReplyTo(requestChannel string, requestMessageID uuid.UUID) bool {
	return m.ReplyTo == requestMessageID && m.Channel == ReplyChannel(requestChannel, requestMessageID)
}

// FromReply builds a reply Message to request, carrying data as the
// payload. The dispatcher stamps ReplyTo/TargetID/SenderID on every
// reply a handler returns, but never fills in a missing Channel;
// FromReply sets the derived reply channel so the requester's one-shot
// handler receives the reply.
func FromReply(request *Message, data interface{}) *Message {
	return &Message{
		Channel:   ReplyChannel(request.Channel, request.MessageID),
		Data:      data,
		ReplyTo:   request.MessageID,
		MessageID: NewID(),
	}
}
