// Package cbor is the reference Codec implementation: a
// self-describing binary object format built on
// github.com/fxamacker/cbor/v2, the same CBOR library the reference
// messaging stack uses for its plugin Request/Response wire types.
//
// Messages are encoded as a fixed-length CBOR array so the six wire
// slots never depend on map key iteration order.
package cbor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"

	"github.com/Ancify/ancify-sbm/message"
)

// wireMessage mirrors message.Message field-for-field. The leading
// struct{} field tagged ",toarray" tells fxamacker/cbor to encode this
// type as a CBOR array instead of a map, preserving slot order.
type wireMessage struct {
	_         struct{} `cbor:",toarray"`
	Channel   string
	Data      interface{}
	ReplyTo   []byte
	MessageID []byte
	SenderID  []byte
	TargetID  []byte
}

// Codec is the CBOR implementation of codec.Codec.
type Codec struct{}

// New returns a ready-to-use CBOR codec.
func New() *Codec { return &Codec{} }

// Encode implements codec.Codec.
func (Codec) Encode(m *message.Message) ([]byte, error) {
	w := wireMessage{
		Channel:   m.Channel,
		Data:      m.Data,
		ReplyTo:   m.ReplyTo.Bytes(),
		MessageID: m.MessageID.Bytes(),
		SenderID:  m.SenderID.Bytes(),
		TargetID:  m.TargetID.Bytes(),
	}
	b, err := cbor.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return b, nil
}

// Decode implements codec.Codec.
func (Codec) Decode(b []byte) (*message.Message, error) {
	var w wireMessage
	if err := cbor.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("cbor decode: %w", err)
	}
	m := &message.Message{Channel: w.Channel, Data: normalize(w.Data)}
	var err error
	if m.ReplyTo, err = uuidFromBytes(w.ReplyTo); err != nil {
		return nil, fmt.Errorf("cbor decode replyTo: %w", err)
	}
	if m.MessageID, err = uuidFromBytes(w.MessageID); err != nil {
		return nil, fmt.Errorf("cbor decode messageId: %w", err)
	}
	if m.SenderID, err = uuidFromBytes(w.SenderID); err != nil {
		return nil, fmt.Errorf("cbor decode senderId: %w", err)
	}
	if m.TargetID, err = uuidFromBytes(w.TargetID); err != nil {
		return nil, fmt.Errorf("cbor decode targetId: %w", err)
	}
	return m, nil
}

func uuidFromBytes(b []byte) (uuid.UUID, error) {
	if len(b) == 0 {
		return uuid.Nil, nil
	}
	return uuid.FromBytes(b)
}

// normalize recursively converts CBOR's default map[interface{}]interface{}
// decode shape into map[string]interface{} where keys are strings, so
// application code can treat Data as a typeless mapping without
// special-casing the decoder's native map type.
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
