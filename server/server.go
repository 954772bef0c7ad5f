// Package server implements the C6 server endpoint layered with the
// C7 auth gate: it accepts connections over TCP, TLS, or WebSocket,
// wraps each in a per-client Dispatcher, and routes broadcasts and
// directed sends across the live client registry.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gofrs/uuid"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/Ancify/ancify-sbm/codec"
	"github.com/Ancify/ancify-sbm/codec/cbor"
	"github.com/Ancify/ancify-sbm/dispatch"
	"github.com/Ancify/ancify-sbm/errs"
	"github.com/Ancify/ancify-sbm/internal/config"
	"github.com/Ancify/ancify-sbm/internal/metrics"
	"github.com/Ancify/ancify-sbm/internal/worker"
	"github.com/Ancify/ancify-sbm/message"
	"github.com/Ancify/ancify-sbm/transport"
)

// authChannel is the reserved handshake channel (spec.md 4.6, 6); it
// must match client.AuthChannel byte-for-byte.
const authChannel = "_auth_"

// Kind selects which listener Listen constructs.
type Kind int

const (
	TCP Kind = iota
	TLS
	WebSocket
)

// Config configures a Server.
type Config struct {
	Kind                Kind
	Addr                string
	TLSConfig           *tls.Config
	Codec               codec.Codec
	AnonymousDisallowed bool
	AuthHandler         AuthHandler
	ErrorHandler        dispatch.ErrorHandler
	Logger              *logging.Logger
	Metrics             *metrics.Metrics

	// OnConnect, when set, is called once per accepted connection with
	// its ConnectedClient strictly before that connection's Dispatcher
	// inbound loop starts (spec.md 5's "ClientConnected fires before
	// the first observed message" ordering guarantee). This is where
	// application code registers its own per-channel handlers, since
	// ConnectedClient.Dispatcher has no other reachable registration
	// point before the connection can already be receiving messages.
	OnConnect func(*ConnectedClient)
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = cbor.New()
	}
	return c
}

// ConfigFromFile loads a Config from a TOML file (spec.md A.3).
// AuthHandler, ErrorHandler, Logger, and Metrics are left for the
// caller to set since they have no TOML representation.
func ConfigFromFile(path string) (Config, error) {
	f, err := config.LoadServerFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:                f.Addr,
		AnonymousDisallowed: f.AnonymousDisallowed,
	}
	switch f.Kind {
	case config.KindTLS:
		cfg.Kind = TLS
	case config.KindWS:
		cfg.Kind = WebSocket
	default:
		cfg.Kind = TCP
	}
	if cfg.Kind == TLS {
		tlsCfg, err := f.TLS.LoadTLSConfig()
		if err != nil {
			return Config{}, err
		}
		cfg.TLSConfig = tlsCfg
	}
	return cfg, nil
}

// ConnectedClient is the per-client Dispatcher the server maintains
// for each accepted connection, carrying that connection's
// authentication state.
type ConnectedClient struct {
	ID         uuid.UUID
	Dispatcher *dispatch.Dispatcher
	server     *Server
	auth       *authState
}

// Server accepts connections and routes broadcasts across connected
// clients (spec.md 4.5).
type Server struct {
	worker.Worker

	cfg Config
	log *logging.Logger

	listener net.Listener
	httpSrv  *http.Server

	mu      sync.RWMutex
	clients map[uuid.UUID]*ConnectedClient
}

// New constructs a Server. Call ListenAndServe to start accepting.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = logging.MustGetLogger("sbm-server")
	}
	return &Server{
		cfg:     cfg,
		log:     logger,
		clients: make(map[uuid.UUID]*ConnectedClient),
	}
}

func (s *Server) metrics() *metrics.Metrics { return s.cfg.Metrics }

// ListenAndServe opens the configured listener and accepts connections
// until Shutdown is called. Cancelling ctx does not stop the accept
// loop; on the TLS listener ctx bounds each accepted connection's
// server-side handshake.
func (s *Server) ListenAndServe(ctx context.Context) error {
	switch s.cfg.Kind {
	case WebSocket:
		return s.serveWebSocket(ctx)
	case TLS:
		return s.serveStream(ctx, func() (net.Listener, error) {
			// Plain listener: onAcceptStream performs the TLS handshake
			// itself via AcceptTLSServerSide on the raw connection.
			return transport.Listen(s.cfg.Addr)
		})
	default:
		return s.serveStream(ctx, func() (net.Listener, error) {
			return transport.Listen(s.cfg.Addr)
		})
	}
}

func (s *Server) serveStream(ctx context.Context, listen func() (net.Listener, error)) error {
	ln, err := listen()
	if err != nil {
		return fmt.Errorf("sbm: listen: %w", err)
	}
	s.listener = ln

	s.Go(func() {
		<-s.HaltCh()
		ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
				return nil
			default:
				return fmt.Errorf("sbm: accept: %w", err)
			}
		}
		s.Go(func() { s.onAcceptStream(ctx, conn) })
	}
}

func (s *Server) onAcceptStream(ctx context.Context, conn net.Conn) {
	opts := transport.Options{Codec: s.cfg.Codec}
	var tr transport.Transport
	if s.cfg.Kind == TLS {
		t, err := transport.AcceptTLSServerSide(ctx, conn, s.cfg.TLSConfig, opts)
		if err != nil {
			s.log.Errorf("tls handshake failed: %v", err)
			conn.Close()
			return
		}
		tr = t
	} else {
		tr = transport.NewTCPServerSide(conn, opts)
	}
	s.registerConnection(tr)
}

// serveWebSocket runs an http.Server whose single handler upgrades
// WebSocket requests and rejects everything else with HTTP 400
// (spec.md 4.5 step 3).
func (s *Server) serveWebSocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.UpgradeHTTP(w, r)
		if err != nil {
			return
		}
		opts := transport.Options{Codec: s.cfg.Codec}
		tr := transport.NewWSServerSide(conn, opts)
		s.Go(func() { s.registerConnection(tr) })
	})
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	s.Go(func() {
		<-s.HaltCh()
		s.httpSrv.Close()
	})

	err := s.httpSrv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("sbm: websocket listen: %w", err)
	}
	return nil
}

// registerConnection constructs the per-client Dispatcher and auth
// gate, records it in the client registry, calls Config.OnConnect so
// application handlers can be wired, fires ClientIdReceived, and only
// then starts the inbound loop (spec.md 4.5 step 2). Both OnConnect
// and ClientIdReceived happen strictly before the inbound loop observes
// its first message, because Start is only called after both complete.
func (s *Server) registerConnection(tr transport.Transport) {
	id := message.NewID()
	cc := &ConnectedClient{ID: id, server: s, auth: newAuthState()}

	// selfID is message.ServerID, not the connection's own id: every
	// reply and broadcast this dispatcher sends must be stamped with
	// the server-origin sentinel (spec.md 3, 9), while id itself only
	// identifies this connection in the registry and as a TargetID.
	disp := dispatch.New(tr, message.ServerID,
		dispatch.WithLogger(s.log),
		dispatch.WithMetrics(s.cfg.Metrics),
		dispatch.WithErrorHandler(s.cfg.ErrorHandler),
		dispatch.WithMessageAllowed(func(m *message.Message) bool {
			if !s.cfg.AnonymousDisallowed {
				return true
			}
			if m.Channel == authChannel {
				return true
			}
			return cc.auth.Status() == AuthAuthenticated
		}),
	)
	cc.Dispatcher = disp
	installAuthGate(cc, s.cfg.AuthHandler)

	s.mu.Lock()
	s.clients[id] = cc
	s.mu.Unlock()
	s.metrics().IncConnections()

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(cc)
	}

	disp.BroadcastEvent(dispatch.ClientIdReceived, id)
	disp.Start()

	// Watch the transport's own disconnect to clean up the registry
	// without polling, even if the caller never calls RemoveClient.
	disp.OnEvent(dispatch.ConnectionStatusChanged, func(arg interface{}) {
		if st, ok := arg.(transport.Status); ok && st == transport.StatusDisconnected {
			s.RemoveClient(id)
		}
	})
}

// Broadcast fans out m to every connected client concurrently.
func (s *Server) Broadcast(ctx context.Context, m *message.Message) {
	s.mu.RLock()
	targets := make([]*ConnectedClient, 0, len(s.clients))
	for _, cc := range s.clients {
		targets = append(targets, cc)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, cc := range targets {
		cc := cc
		wg.Add(1)
		go func() {
			defer wg.Done()
			mc := *m
			if err := cc.Dispatcher.Send(ctx, &mc); err != nil {
				s.log.Errorf("broadcast to %s failed: %v", cc.ID, err)
			}
		}()
	}
	wg.Wait()
}

// SendToClient sends m to exactly one connected client, stamping that
// client's id as TargetID.
func (s *Server) SendToClient(ctx context.Context, id uuid.UUID, m *message.Message) error {
	s.mu.RLock()
	cc, ok := s.clients[id]
	s.mu.RUnlock()
	if !ok {
		return &errs.ClientNotConnectedError{ClientID: id.String()}
	}
	m.TargetID = id
	return cc.Dispatcher.Send(ctx, m)
}

// RemoveClient drops id from the registry. Idempotent.
func (s *Server) RemoveClient(id uuid.UUID) {
	s.mu.Lock()
	_, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
	}
	s.mu.Unlock()
	if ok {
		s.metrics().DecConnections()
	}
}

// Client looks up a connected client by id.
func (s *Server) Client(id uuid.UUID) (*ConnectedClient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, ok := s.clients[id]
	return cc, ok
}

// ClientsSnapshot returns a point-in-time copy of the connected client
// registry, for callers that need to range over it without holding
// the registry lock.
func (s *Server) ClientsSnapshot() []*ConnectedClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ConnectedClient, 0, len(s.clients))
	for _, cc := range s.clients {
		out = append(out, cc)
	}
	return out
}

// Shutdown cancels the accept loop and disposes every connected-client
// dispatcher (spec.md 5).
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	clients := make([]*ConnectedClient, 0, len(s.clients))
	for _, cc := range s.clients {
		clients = append(clients, cc)
	}
	s.mu.RUnlock()

	s.Halt()
	for _, cc := range clients {
		cc.Dispatcher.Dispose()
	}
	return nil
}
