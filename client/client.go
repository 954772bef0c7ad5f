// Package client implements the C5 client endpoint: it owns a single
// Transport+Dispatcher pair, initiates the connection, and drives the
// authentication handshake on the reserved "_auth_" channel.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/Ancify/ancify-sbm/codec"
	"github.com/Ancify/ancify-sbm/codec/cbor"
	"github.com/Ancify/ancify-sbm/dispatch"
	"github.com/Ancify/ancify-sbm/internal/config"
	"github.com/Ancify/ancify-sbm/internal/metrics"
	"github.com/Ancify/ancify-sbm/message"
	"github.com/Ancify/ancify-sbm/transport"
)

// AuthChannel is the reserved channel the authentication handshake
// flows over (spec.md 4.4, 6).
const AuthChannel = "_auth_"

// Kind selects which Transport implementation Connect constructs.
type Kind int

const (
	TCP Kind = iota
	TLS
	WebSocket
)

// Config configures a Client. Addr is a "host:port" for TCP/TLS or a
// ws(s):// URL for WebSocket.
type Config struct {
	Kind              Kind
	Addr              string
	TLSConfig         *tls.Config
	Codec             codec.Codec
	MaxRetries        int
	BaseDelay         time.Duration
	DefaultTimeout    time.Duration
	Logger            *logging.Logger
	Metrics           *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = cbor.New()
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = dispatch.DefaultRequestTimeout
	}
	return c
}

// ConfigFromFile loads a Config from a TOML file (spec.md A.3).
// TLSConfig is populated only when f.Kind is "tls" or "ws"; Logger and
// Metrics are left for the caller to set.
func ConfigFromFile(path string) (Config, error) {
	f, err := config.LoadClientFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:           f.Addr,
		MaxRetries:     f.MaxRetries,
		BaseDelay:      f.BaseDelay(),
		DefaultTimeout: f.DefaultTimeout(),
	}
	switch f.Kind {
	case config.KindTLS:
		cfg.Kind = TLS
	case config.KindWS:
		cfg.Kind = WebSocket
	default:
		cfg.Kind = TCP
	}
	if cfg.Kind == TLS || cfg.Kind == WebSocket {
		tlsCfg, err := f.TLS.LoadTLSConfig()
		if err != nil {
			return Config{}, err
		}
		cfg.TLSConfig = tlsCfg
	}
	return cfg, nil
}

// Client owns one Transport+Dispatcher (spec.md 4.4).
type Client struct {
	cfg    Config
	id     uuid.UUID
	tr     transport.Transport
	disp   *dispatch.Dispatcher
	logger *logging.Logger
}

// New constructs a Client with a fresh client id. The connection is
// not established until Connect is called.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	id := message.NewID()
	logger := cfg.Logger
	if logger == nil {
		logger = logging.MustGetLogger("sbm-client")
	}

	opts := transport.Options{Codec: cfg.Codec}
	var tr transport.Transport
	switch cfg.Kind {
	case TLS:
		tr = transport.NewTLSClient(cfg.Addr, cfg.TLSConfig, opts)
	case WebSocket:
		tr = transport.NewWSClient(cfg.Addr, cfg.TLSConfig, opts)
	default:
		tr = transport.NewTCPClient(cfg.Addr, opts)
	}

	disp := dispatch.New(tr, id,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(cfg.Metrics),
	)

	return &Client{cfg: cfg, id: id, tr: tr, disp: disp, logger: logger}
}

// ID returns this client's identity.
func (c *Client) ID() uuid.UUID { return c.id }

// Dispatcher exposes the underlying Dispatcher for handler/event
// registration.
func (c *Client) Dispatcher() *dispatch.Dispatcher { return c.disp }

// Connect dials with the configured retry/backoff and starts the
// inbound loop. Status events surface via the dispatcher's event bus
// (ConnectionStatusChanged).
func (c *Client) Connect(ctx context.Context) error {
	if err := c.tr.Connect(ctx, c.cfg.MaxRetries, c.cfg.BaseDelay); err != nil {
		return err
	}
	c.disp.Start()
	return nil
}

// Authenticate builds and sends the auth handshake request and
// returns whether the server accepted it (spec.md 4.4).
func (c *Client) Authenticate(ctx context.Context, id, key, scope string) (bool, error) {
	req := message.New(AuthChannel, map[string]interface{}{
		"Id":    id,
		"Key":   key,
		"Scope": scope,
	})
	reply, err := c.disp.SendRequest(ctx, req, c.cfg.DefaultTimeout)
	if err != nil {
		return false, err
	}
	data, ok := reply.Data.(map[string]interface{})
	if !ok {
		return false, fmt.Errorf("sbm: malformed auth reply payload")
	}
	success, _ := data["Success"].(bool)
	if success {
		c.tr.OnAuthenticated()
	}
	return success, nil
}

// Send delegates to the Dispatcher.
func (c *Client) Send(ctx context.Context, m *message.Message) error {
	return c.disp.Send(ctx, m)
}

// SendRequest delegates to the Dispatcher using the client's default
// timeout.
func (c *Client) SendRequest(ctx context.Context, m *message.Message) (*message.Message, error) {
	return c.disp.SendRequest(ctx, m, c.cfg.DefaultTimeout)
}

// Close disposes the dispatcher and releases the transport.
func (c *Client) Close() {
	c.disp.Dispose()
}
