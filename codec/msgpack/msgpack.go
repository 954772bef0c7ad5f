// Package msgpack is an alternate Codec implementation built on
// github.com/ugorji/go/codec, demonstrating that the dispatcher and
// transport layers carry no CBOR-specific assumption: any codec
// implementing codec.Codec over the same fixed wire-slot shape works.
package msgpack

import (
	"bytes"
	"fmt"

	"github.com/gofrs/uuid"
	gocodec "github.com/ugorji/go/codec"

	"github.com/Ancify/ancify-sbm/message"
)

// WriteExt selects the msgpack str/bin types, so strings decode back as
// string and id slots as []byte instead of both decoding as []byte.
var handle = &gocodec.MsgpackHandle{WriteExt: true}

// Codec is the msgpack implementation of codec.Codec.
type Codec struct{}

// New returns a ready-to-use msgpack codec.
func New() *Codec { return &Codec{} }

// Encode implements codec.Codec. The wire shape is a 6-element array:
// [channel, data, replyTo, messageId, senderId, targetId].
func (Codec) Encode(m *message.Message) ([]byte, error) {
	wire := []interface{}{
		m.Channel,
		m.Data,
		m.ReplyTo.Bytes(),
		m.MessageID.Bytes(),
		m.SenderID.Bytes(),
		m.TargetID.Bytes(),
	}
	var buf bytes.Buffer
	enc := gocodec.NewEncoder(&buf, handle)
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode implements codec.Codec.
func (Codec) Decode(b []byte) (*message.Message, error) {
	var wire []interface{}
	dec := gocodec.NewDecoderBytes(b, handle)
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	if len(wire) != 6 {
		return nil, fmt.Errorf("msgpack decode: expected 6 wire slots, got %d", len(wire))
	}
	channel, _ := wire[0].(string)
	replyTo, err := uuidFromSlot(wire[2])
	if err != nil {
		return nil, fmt.Errorf("msgpack decode replyTo: %w", err)
	}
	messageID, err := uuidFromSlot(wire[3])
	if err != nil {
		return nil, fmt.Errorf("msgpack decode messageId: %w", err)
	}
	senderID, err := uuidFromSlot(wire[4])
	if err != nil {
		return nil, fmt.Errorf("msgpack decode senderId: %w", err)
	}
	targetID, err := uuidFromSlot(wire[5])
	if err != nil {
		return nil, fmt.Errorf("msgpack decode targetId: %w", err)
	}
	return &message.Message{
		Channel:   channel,
		Data:      normalize(wire[1]),
		ReplyTo:   replyTo,
		MessageID: messageID,
		SenderID:  senderID,
		TargetID:  targetID,
	}, nil
}

func uuidFromSlot(v interface{}) (uuid.UUID, error) {
	b, ok := v.([]byte)
	if !ok || len(b) == 0 {
		return uuid.Nil, nil
	}
	return uuid.FromBytes(b)
}

// normalize converts msgpack's native map[interface{}]interface{} decode
// shape into map[string]interface{}, matching the typeless-mapping
// contract the dispatcher and application handlers expect regardless
// of which Codec decoded the message.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
