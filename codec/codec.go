// Package codec defines the symmetric encode/decode contract the
// transport layer uses to turn a message.Message into bytes and back.
// The core treats Codec as pluggable; this package only fixes the
// interface and the stable wire-slot ordering every implementation
// must honor (see message.Message's field tags).
package codec

import "github.com/Ancify/ancify-sbm/message"

// Codec encodes and decodes a single Message. Implementations must
// preserve the six stable wire slots (channel, data, replyTo,
// messageId, senderId, targetId) and must treat Data as an opaque,
// structurally round-trippable value.
type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(b []byte) (*message.Message, error)
}
