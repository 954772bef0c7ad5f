package dispatch_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Ancify/ancify-sbm/codec/cbor"
	"github.com/Ancify/ancify-sbm/dispatch"
	"github.com/Ancify/ancify-sbm/message"
	"github.com/Ancify/ancify-sbm/transport"
)

// pair wires two Dispatchers over an in-memory net.Pipe, mirroring how
// a real client and connected-client dispatcher are wired over a
// socket, and starts both inbound loops.
func pair(t *testing.T) (*dispatch.Dispatcher, *dispatch.Dispatcher) {
	t.Helper()
	a, b := net.Pipe()
	opts := transport.Options{Codec: cbor.New()}
	ta := transport.NewFromConn(a, opts)
	tb := transport.NewFromConn(b, opts)

	da := dispatch.New(ta, message.NewID())
	db := dispatch.New(tb, message.NewID())
	da.Start()
	db.Start()

	t.Cleanup(func() {
		da.Dispose()
		db.Dispose()
	})
	return da, db
}

// TestEchoRoundTrip covers Testable Scenario 1: a request/response
// exchange where the handler replies with a correlated message.
func TestEchoRoundTrip(t *testing.T) {
	da, db := pair(t)

	db.RegisterSync("echo", func(m *message.Message) (*message.Message, error) {
		return message.FromReply(m, m.Data), nil
	})

	reply, err := da.SendRequest(context.Background(), message.New("echo", "hello"), time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", reply.Data)
}

// TestFireAndForget covers Testable Scenario 2: a non-responding
// handler never produces a reply and the sender never blocks on one.
func TestFireAndForget(t *testing.T) {
	da, db := pair(t)

	received := make(chan string, 1)
	db.RegisterSyncVoid("notify", func(m *message.Message) {
		received <- m.Data.(string)
	})

	require.NoError(t, da.Send(context.Background(), message.New("notify", "hi")))

	select {
	case got := <-received:
		require.Equal(t, "hi", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fire-and-forget delivery")
	}
}

// TestSendRequestTimeout covers Testable Scenario 5: no reply arrives
// within the timeout window.
func TestSendRequestTimeout(t *testing.T) {
	da, _ := pair(t)

	_, err := da.SendRequest(context.Background(), message.New("nobody-home", "x"), 50*time.Millisecond)
	require.Error(t, err)
}

// TestSendRequestZeroTimeoutFailsImmediately covers the timeout<=0
// edge case from spec.md 8.
func TestSendRequestZeroTimeoutFailsImmediately(t *testing.T) {
	da, _ := pair(t)

	start := time.Now()
	_, err := da.SendRequest(context.Background(), message.New("whatever", "x"), 0)
	require.Error(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

// TestUnregisterRemovesHandler covers Testable Property 1: once
// Unregister returns, the handler no longer appears in the registry
// and no longer receives messages.
func TestUnregisterRemovesHandler(t *testing.T) {
	da, db := pair(t)

	calls := make(chan struct{}, 1)
	unreg := db.RegisterSyncVoid("ch", func(m *message.Message) {
		calls <- struct{}{}
	})
	require.Equal(t, 1, db.Inspect().Channels["ch"])

	unreg()
	unreg() // idempotent
	require.Equal(t, 0, db.Inspect().Channels["ch"])

	require.NoError(t, da.Send(context.Background(), message.New("ch", "x")))
	select {
	case <-calls:
		t.Fatal("handler fired after unregister")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestOnEventTypedSkipsMismatchedPayload covers the generic event
// helper's checked cast.
func TestOnEventTypedSkipsMismatchedPayload(t *testing.T) {
	da, _ := pair(t)

	seen := make(chan uuid.UUID, 1)
	dispatch.OnEventTyped[uuid.UUID](da, dispatch.ClientIdReceived, func(id uuid.UUID) {
		seen <- id
	})

	// Wrong payload type: must not reach the typed callback, and must
	// not panic the event broadcaster.
	da.BroadcastEvent(dispatch.ClientIdReceived, "not-a-uuid")

	id := message.NewID()
	da.BroadcastEvent(dispatch.ClientIdReceived, id)

	select {
	case got := <-seen:
		require.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("typed event callback never fired")
	}
}

// TestMessageAllowedGatesDispatch covers the auth-gate's underlying
// mechanism: a messageAllowed func rejecting a channel means its
// handler never runs.
func TestMessageAllowedGatesDispatch(t *testing.T) {
	a, b := net.Pipe()
	opts := transport.Options{Codec: cbor.New()}
	ta := transport.NewFromConn(a, opts)
	tb := transport.NewFromConn(b, opts)

	da := dispatch.New(ta, message.NewID())
	db := dispatch.New(tb, message.NewID(), dispatch.WithMessageAllowed(func(m *message.Message) bool {
		return m.Channel == "_auth_"
	}))
	da.Start()
	db.Start()
	t.Cleanup(func() { da.Dispose(); db.Dispose() })

	called := make(chan struct{}, 1)
	db.RegisterSyncVoid("blocked", func(m *message.Message) { called <- struct{}{} })

	require.NoError(t, da.Send(context.Background(), message.New("blocked", "x")))
	select {
	case <-called:
		t.Fatal("handler ran on a disallowed channel")
	case <-time.After(200 * time.Millisecond):
	}
}
