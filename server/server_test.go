package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ancify/ancify-sbm/client"
	"github.com/Ancify/ancify-sbm/message"
	"github.com/Ancify/ancify-sbm/server"
)

// freeAddr asks the OS for an ephemeral loopback port and immediately
// releases it, same pattern the reference stack's test suites use to
// avoid hardcoding a port that might already be in use.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startServer(t *testing.T, cfg server.Config) (*server.Server, string) {
	t.Helper()
	addr := freeAddr(t)
	cfg.Addr = addr
	srv := server.New(cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(context.Background()) }()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "server never started listening")

	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	return srv, addr
}

func dialClient(t *testing.T, addr string) *client.Client {
	t.Helper()
	c := client.New(client.Config{
		Kind:           client.TCP,
		Addr:           addr,
		DefaultTimeout: 300 * time.Millisecond,
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	return c
}

// TestEchoOverRealListener covers Testable Scenario 1: a request sent
// to a per-connection handler registered via Config.OnConnect receives
// a correlated reply stamped with the server-origin sentinel, not the
// connection's own id.
func TestEchoOverRealListener(t *testing.T) {
	_, addr := startServer(t, server.Config{
		Kind: server.TCP,
		OnConnect: func(cc *server.ConnectedClient) {
			cc.Dispatcher.RegisterSync("echo", func(m *message.Message) (*message.Message, error) {
				return message.FromReply(m, m.Data), nil
			})
		},
	})

	c := dialClient(t, addr)

	reply, err := c.SendRequest(context.Background(), message.New("echo", "hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", reply.Data)
	require.Equal(t, message.ServerID, reply.SenderID)
}

// TestFireAndForgetOverRealListener covers Testable Scenario 2: a
// non-responding handler registered via Config.OnConnect observes the
// message without ever producing a reply.
func TestFireAndForgetOverRealListener(t *testing.T) {
	received := make(chan string, 1)
	_, addr := startServer(t, server.Config{
		Kind: server.TCP,
		OnConnect: func(cc *server.ConnectedClient) {
			cc.Dispatcher.RegisterSyncVoid("log", func(m *message.Message) {
				received <- m.Data.(string)
			})
		},
	})

	c := dialClient(t, addr)
	require.NoError(t, c.Send(context.Background(), message.New("log", "entry")))

	select {
	case got := <-received:
		require.Equal(t, "entry", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the fire-and-forget message")
	}
}

// TestBroadcastStampsServerOrigin covers Testable Scenario 6: a
// broadcast message is stamped with the server-origin sentinel, not
// the id of whichever connection happens to be stored first.
func TestBroadcastStampsServerOrigin(t *testing.T) {
	srv, addr := startServer(t, server.Config{Kind: server.TCP})

	c := dialClient(t, addr)
	received := make(chan *message.Message, 1)
	c.Dispatcher().RegisterSyncVoid("greeting", func(m *message.Message) {
		received <- m
	})

	require.Eventually(t, func() bool {
		return len(srv.ClientsSnapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond, "server never registered the connection")

	srv.Broadcast(context.Background(), message.New("greeting", "hello from server"))

	select {
	case got := <-received:
		require.Equal(t, "hello from server", got.Data)
		require.Equal(t, message.ServerID, got.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received broadcast")
	}
}

// TestAuthSuccessGrantsAccess covers Testable Scenario 3: a successful
// handshake allows subsequent traffic.
func TestAuthSuccessGrantsAccess(t *testing.T) {
	handler := func(ctx context.Context, id, key, scope string) (*server.AuthContext, error) {
		if id == "alice" && key == "secret" {
			return &server.AuthContext{
				UserID:              id,
				Roles:               map[string]struct{}{"user": {}},
				Success:             true,
				IsConnectionAllowed: true,
			}, nil
		}
		return &server.AuthContext{Success: false, IsConnectionAllowed: true}, nil
	}

	srv, addr := startServer(t, server.Config{
		Kind:                server.TCP,
		AnonymousDisallowed: true,
		AuthHandler:         handler,
		OnConnect: func(cc *server.ConnectedClient) {
			cc.Dispatcher.RegisterSync("ping", func(m *message.Message) (*message.Message, error) {
				return message.FromReply(m, "pong"), nil
			})
		},
	})
	_ = srv

	c := dialClient(t, addr)

	ok, err := c.Authenticate(context.Background(), "alice", "secret", "")
	require.NoError(t, err)
	require.True(t, ok)

	// Now non-auth traffic is allowed through to the "ping" handler.
	reply, err := c.SendRequest(context.Background(), message.New("ping", "x"))
	require.NoError(t, err)
	require.Equal(t, "pong", reply.Data)
}

// TestAuthFailureDeniesAccessButKeepsConnectionOpen covers Testable
// Scenario 4 with IsConnectionAllowed=true: the handshake fails but
// the connection stays open, and anonymous traffic is still rejected.
func TestAuthFailureDeniesAccessButKeepsConnectionOpen(t *testing.T) {
	handler := func(ctx context.Context, id, key, scope string) (*server.AuthContext, error) {
		return &server.AuthContext{Success: false, IsConnectionAllowed: true}, nil
	}

	_, addr := startServer(t, server.Config{
		Kind:                server.TCP,
		AnonymousDisallowed: true,
		AuthHandler:         handler,
		OnConnect: func(cc *server.ConnectedClient) {
			cc.Dispatcher.RegisterSync("ping", func(m *message.Message) (*message.Message, error) {
				return message.FromReply(m, "pong"), nil
			})
		},
	})

	c := dialClient(t, addr)

	ok, err := c.Authenticate(context.Background(), "mallory", "wrong", "")
	require.NoError(t, err)
	require.False(t, ok)

	// Anonymous/unauthenticated traffic after a failed handshake must
	// still be gated: the "ping" handler exists but the request times out.
	_, err = c.SendRequest(context.Background(), message.New("ping", "x"))
	require.Error(t, err)

	// The connection is not closed: a second handshake still gets a reply.
	ok, err = c.Authenticate(context.Background(), "mallory", "wrong", "")
	require.NoError(t, err)
	require.False(t, ok)
}
