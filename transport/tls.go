package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// NewTLSClient returns a Transport that dials addr and performs a TLS
// 1.2/1.3 client handshake on Connect. rejectUnauthorized=false maps to
// InsecureSkipVerify: true.
func NewTLSClient(addr string, tlsConfig *tls.Config, opts Options) Transport {
	if opts.Codec == nil {
		panic("transport: Options.Codec is required")
	}
	cfg := cloneTLSConfig(tlsConfig)
	if opts.InsecureSkipTLS {
		cfg.InsecureSkipVerify = true
	}
	var dialer net.Dialer
	dial := func(ctx context.Context) (net.Conn, error) {
		rawConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		handshakeCtx, cancel := context.WithTimeout(ctx, opts.handshakeTimeout())
		defer cancel()
		tlsConn := tls.Client(rawConn, cfg)
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("tls client handshake: %w", err)
		}
		return tlsConn, nil
	}
	return newStreamTransport(opts, nil, dial)
}

// AcceptTLSServerSide performs the server-side TLS handshake on an
// already-accepted raw TCP connection, then wraps the result as a
// Transport. A server-side tlsConfig without a certificate is a
// configuration error, consistent with spec.md 4.2: "The server
// handshake requires a certificate; absence is a configuration error."
func AcceptTLSServerSide(ctx context.Context, rawConn net.Conn, tlsConfig *tls.Config, opts Options) (Transport, error) {
	if len(tlsConfig.Certificates) == 0 && tlsConfig.GetCertificate == nil {
		return nil, fmt.Errorf("transport: tls server config requires a certificate")
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, opts.handshakeTimeout())
	defer cancel()
	tlsConn := tls.Server(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tls server handshake: %w", err)
	}
	return NewFromConn(tlsConn, opts), nil
}

// ListenTLS opens a TLS-wrapped TCP listener on addr.
func ListenTLS(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	return tls.Listen("tcp", addr, tlsConfig)
}

func cloneTLSConfig(c *tls.Config) *tls.Config {
	if c == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cc := c.Clone()
	if cc.MinVersion == 0 {
		cc.MinVersion = tls.VersionTLS12
	}
	return cc
}
