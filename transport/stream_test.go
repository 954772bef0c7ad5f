package transport_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ancify/ancify-sbm/codec/cbor"
	"github.com/Ancify/ancify-sbm/message"
	"github.com/Ancify/ancify-sbm/transport"
)

func pipePair(t *testing.T) (transport.Transport, transport.Transport) {
	t.Helper()
	a, b := net.Pipe()
	opts := transport.Options{Codec: cbor.New()}
	ta := transport.NewFromConn(a, opts)
	tb := transport.NewFromConn(b, opts)
	t.Cleanup(func() { ta.Close(); tb.Close() })
	return ta, tb
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ta, tb := pipePair(t)
	ctx := context.Background()

	m := message.New("echo", "hi")
	go func() { require.NoError(t, ta.Send(ctx, m)) }()

	select {
	case got := <-tb.Receive():
		require.Equal(t, "echo", got.Channel)
		require.Equal(t, "hi", got.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestCleanCloseEndsReceiveWithoutError(t *testing.T) {
	ta, tb := pipePair(t)
	require.NoError(t, ta.Close())

	select {
	case _, ok := <-tb.Receive():
		require.False(t, ok, "expected channel closed, not a message")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	require.NoError(t, tb.Err())
}

// TestConcurrentWritersDoNotInterleave covers Testable Property 5: two
// concurrent Send calls on one transport produce two well-formed
// frames the peer decodes without a framing error.
func TestConcurrentWritersDoNotInterleave(t *testing.T) {
	ta, tb := pipePair(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, ta.Send(ctx, message.New("a", "payload-a")))
	}()
	go func() {
		defer wg.Done()
		require.NoError(t, ta.Send(ctx, message.New("b", "payload-b")))
	}()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-tb.Receive():
			seen[m.Channel] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for concurrent frames")
		}
	}
	wg.Wait()
	require.True(t, seen["a"])
	require.True(t, seen["b"])
}

func TestConnectWithBackoffExhaustsRetries(t *testing.T) {
	opts := transport.Options{Codec: cbor.New()}
	tr := transport.NewTCPClient("127.0.0.1:1", opts) // nothing listens here
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.Connect(ctx, 2, 10*time.Millisecond)
	require.Error(t, err)
}
