// Package transport implements the full-duplex framed byte-stream
// abstraction underneath the dispatcher: connect-with-retry, a single
// reader loop, a serialized writer, graceful close, and a
// connection-status observer. Three concrete implementations share
// this contract: tcp (plain), tls (TCP + crypto/tls), and ws
// (WebSocket via gorilla/websocket).
package transport

import (
	"context"
	"time"

	"github.com/Ancify/ancify-sbm/codec"
	"github.com/Ancify/ancify-sbm/message"
)

// Status is one value from the closed set of connection-lifecycle
// states a Transport reports to its observer.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusReconnected
	StatusDisconnected
	StatusAuthenticating
	StatusAuthenticated
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusReconnecting:
		return "Reconnecting"
	case StatusReconnected:
		return "Reconnected"
	case StatusDisconnected:
		return "Disconnected"
	case StatusAuthenticating:
		return "Authenticating"
	case StatusAuthenticated:
		return "Authenticated"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// StatusObserver receives every status transition a Transport emits.
// It is invoked synchronously from whichever goroutine caused the
// transition (connect worker or reader loop); observers must not
// block.
type StatusObserver func(Status)

// Transport is the framed, full-duplex byte-stream contract the
// dispatcher drives. Send callers may run concurrently; the
// implementation serializes the two-part framed write so frames never
// interleave (Testable Property 5). Receive is single-consumer within
// one connect session.
type Transport interface {
	// Connect dials (client-side) with exponential backoff, or is a
	// no-op returning nil for a server-accepted transport that is
	// already connected. Calling Connect again after a prior session
	// ended (the Receive channel closed) starts a new receive session
	// with a fresh Receive channel, emitting Reconnecting/Reconnected
	// instead of Connecting/Connected.
	Connect(ctx context.Context, maxRetries int, baseDelay time.Duration) error

	// Send encodes m via the configured Codec and writes one frame.
	Send(ctx context.Context, m *message.Message) error

	// Receive returns the channel of decoded inbound messages for the
	// current connect session. The channel closes on clean peer close
	// or fatal error; call Err() after close to distinguish the two.
	// A transport is restartable across reconnects only by calling
	// Connect again and re-fetching Receive, which then returns the new
	// session's channel.
	Receive() <-chan *message.Message

	// Err returns the terminal error that closed the Receive channel,
	// or nil after a clean close.
	Err() error

	// OnAuthenticated emits StatusAuthenticated without altering
	// stream state.
	OnAuthenticated()

	// SetStatusObserver installs the single status observer. The
	// dispatcher installs its own bridge into the event registry here.
	SetStatusObserver(StatusObserver)

	// Close is idempotent: it cancels in-flight reads, releases the
	// stream, and emits StatusDisconnected.
	Close() error
}

// Options configure a Transport at construction time.
type Options struct {
	Codec             codec.Codec
	MaxFrameLen       uint32        // 0 selects DefaultMaxFrameLen
	HandshakeTimeout  time.Duration // bounds TLS/WS upgrade; 0 selects DefaultHandshakeTimeout
	InsecureSkipTLS   bool          // rejectUnauthorized=false
}

// DefaultMaxFrameLen bounds a single frame's declared payload length.
// A declared length beyond this is a fatal FramingError.
const DefaultMaxFrameLen = 64 * 1024 * 1024

// DefaultHandshakeTimeout bounds the TLS or WebSocket upgrade step.
const DefaultHandshakeTimeout = 30 * time.Second

func (o Options) maxFrameLen() uint32 {
	if o.MaxFrameLen == 0 {
		return DefaultMaxFrameLen
	}
	return o.MaxFrameLen
}

func (o Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout == 0 {
		return DefaultHandshakeTimeout
	}
	return o.HandshakeTimeout
}
