package dispatch

import (
	"context"

	"github.com/Ancify/ancify-sbm/message"
)

// HandlerFunc is the one internal contract every channel-handler
// surface shape reduces to: given an inbound Message, optionally
// produce a reply Message.
type HandlerFunc func(ctx context.Context, m *message.Message) (*message.Message, error)

// handlerEntry pairs a HandlerFunc with the isResponding flag spec.md
// 3 requires: only responding handlers participate in reply sending
// and error-reply synthesis.
type handlerEntry struct {
	id         uint64
	fn         HandlerFunc
	responding bool
}

// UnregisterFunc removes exactly the handler or event callback it was
// returned for. Invoking it more than once is a no-op.
type UnregisterFunc func()

// wrapAsync adapts shape 1: async, may return a reply.
func wrapAsync(fn func(ctx context.Context, m *message.Message) (*message.Message, error)) HandlerFunc {
	return fn
}

// wrapAsyncVoid adapts shape 2: async, fire-and-forget.
func wrapAsyncVoid(fn func(ctx context.Context, m *message.Message) error) HandlerFunc {
	return func(ctx context.Context, m *message.Message) (*message.Message, error) {
		return nil, fn(ctx, m)
	}
}

// wrapSync adapts shape 3: sync, may return a reply.
func wrapSync(fn func(m *message.Message) (*message.Message, error)) HandlerFunc {
	return func(_ context.Context, m *message.Message) (*message.Message, error) {
		return fn(m)
	}
}

// wrapSyncVoid adapts shape 4: sync, fire-and-forget.
func wrapSyncVoid(fn func(m *message.Message)) HandlerFunc {
	return func(_ context.Context, m *message.Message) (*message.Message, error) {
		fn(m)
		return nil, nil
	}
}

// EventFunc is the internal contract every event-handler surface shape
// reduces to.
type EventFunc func(ctx context.Context, arg interface{}) error

type eventEntry struct {
	id uint64
	fn EventFunc
}

func wrapEventAsync(fn func(ctx context.Context, arg interface{}) error) EventFunc {
	return fn
}

func wrapEventSync(fn func(arg interface{})) EventFunc {
	return func(_ context.Context, arg interface{}) error {
		fn(arg)
		return nil
	}
}
