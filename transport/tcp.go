package transport

import (
	"context"
	"net"
)

// NewTCPClient returns a Transport that dials addr on Connect.
func NewTCPClient(addr string, opts Options) Transport {
	if opts.Codec == nil {
		panic("transport: Options.Codec is required")
	}
	var dialer net.Dialer
	dial := func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return newStreamTransport(opts, nil, dial)
}

// NewTCPServerSide wraps an accepted TCP connection. Server-accepted
// transports are pre-connected; Connect is a no-op.
func NewTCPServerSide(conn net.Conn, opts Options) Transport {
	return NewFromConn(conn, opts)
}

// Listen opens a plain TCP listener on addr.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
