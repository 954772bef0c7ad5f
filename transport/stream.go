package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Ancify/ancify-sbm/codec"
	"github.com/Ancify/ancify-sbm/errs"
	"github.com/Ancify/ancify-sbm/message"
)

// streamTransport frames messages over any net.Conn: a 4-byte
// little-endian length prefix followed by exactly that many codec-
// encoded bytes. It is the shared engine for the tcp and tls
// transports; they differ only in how the net.Conn is obtained.
type streamTransport struct {
	opts Options

	dial func(ctx context.Context) (net.Conn, error) // nil for server-accepted transports

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    net.Conn

	observerMu sync.Mutex
	observer   StatusObserver

	// outMu guards out: each connect session (initial connect or
	// reconnect) allocates a fresh channel so Receive() hands out a new
	// receive session per spec.md 4.2, instead of a single channel a
	// second readLoop could send into after it was already closed.
	outMu sync.Mutex
	out   chan *message.Message

	errMu   sync.Mutex
	lastErr error

	closeOnce sync.Once
	closed    chan struct{}

	// hasConnected distinguishes the first Connect (Connecting/
	// Connected) from a later reconnect (Reconnecting/Reconnected).
	// Connect is not safe to call concurrently with itself, the same
	// contract the teacher's connection worker assumes.
	hasConnected bool
}

func newStreamTransport(opts Options, conn net.Conn, dial func(ctx context.Context) (net.Conn, error)) *streamTransport {
	t := &streamTransport{
		opts:   opts,
		dial:   dial,
		conn:   conn,
		out:    make(chan *message.Message, 16),
		closed: make(chan struct{}),
	}
	if conn != nil {
		t.hasConnected = true
		go t.readLoop(t.out)
	}
	return t
}

func (t *streamTransport) emit(s Status) {
	t.observerMu.Lock()
	obs := t.observer
	t.observerMu.Unlock()
	if obs != nil {
		obs(s)
	}
}

func (t *streamTransport) SetStatusObserver(obs StatusObserver) {
	t.observerMu.Lock()
	t.observer = obs
	t.observerMu.Unlock()
}

func (t *streamTransport) OnAuthenticated() {
	t.emit(StatusAuthenticating)
	t.emit(StatusAuthenticated)
}

// Connect performs attempts 1..maxRetries with exponential backoff
// baseDelay*2^(attempt-1). Server-accepted transports (dial == nil)
// are already connected and return nil immediately. Calling Connect
// again after a prior session ended starts a new receive session (a
// fresh channel from Receive) and reports Reconnecting/Reconnected
// instead of Connecting/Connected.
func (t *streamTransport) Connect(ctx context.Context, maxRetries int, baseDelay time.Duration) error {
	if t.dial == nil {
		return nil
	}
	connectingStatus, connectedStatus := StatusConnecting, StatusConnected
	if t.hasConnected {
		connectingStatus, connectedStatus = StatusReconnecting, StatusReconnected
	}

	t.emit(connectingStatus)
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			delay := baseDelay * time.Duration(1<<uint(attempt-2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				t.emit(StatusCancelled)
				return &errs.CancelledError{Err: ctx.Err()}
			}
		}
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.emit(StatusCancelled)
				return &errs.CancelledError{Err: ctx.Err()}
			}
			lastErr = err
			continue
		}

		newOut := make(chan *message.Message, 16)
		t.outMu.Lock()
		t.out = newOut
		t.outMu.Unlock()

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()

		t.setErr(nil)
		t.hasConnected = true
		t.emit(connectedStatus)
		go t.readLoop(newOut)
		return nil
	}
	t.emit(StatusFailed)
	return &errs.ConnectFailedError{Attempts: maxRetries, Err: lastErr}
}

func (t *streamTransport) getConn() net.Conn {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.conn
}

// Send serializes m and writes [len][payload] atomically with respect
// to other writers.
func (t *streamTransport) Send(ctx context.Context, m *message.Message) error {
	conn := t.getConn()
	if conn == nil {
		return errs.ErrNotConnected
	}
	b, err := t.opts.Codec.Encode(m)
	if err != nil {
		return &errs.CodecError{Op: "encode", Err: err}
	}
	if uint32(len(b)) > t.opts.maxFrameLen() {
		return &errs.FramingError{Reason: "frame exceeds configured maximum"}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(b)))
	if _, err := conn.Write(header[:]); err != nil {
		return &errs.TransportFault{Op: "write", Err: err}
	}
	if _, err := conn.Write(b); err != nil {
		return &errs.TransportFault{Op: "write", Err: err}
	}
	return nil
}

// Receive returns the current connect session's channel. A reconnect
// (another call to Connect) replaces it with a fresh one; callers must
// re-fetch Receive after each reconnect rather than caching the
// channel across sessions.
func (t *streamTransport) Receive() <-chan *message.Message {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return t.out
}

func (t *streamTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lastErr
}

func (t *streamTransport) setErr(err error) {
	t.errMu.Lock()
	t.lastErr = err
	t.errMu.Unlock()
}

// readLoop is the single reader task for one connect session. It reads
// a 4-byte length prefix, then loops to fill the declared payload,
// decodes via the codec, and pushes onto out — the channel allocated
// for this session by Connect, not necessarily the current t.out by
// the time this goroutine exits. A zero-byte read at either stage
// denotes orderly peer close and ends the sequence without error.
func (t *streamTransport) readLoop(out chan *message.Message) {
	defer close(out)
	conn := t.getConn()
	if conn == nil {
		return
	}
	for {
		var header [4]byte
		if err := readFull(conn, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				t.emit(StatusDisconnected)
				return
			}
			t.setErr(&errs.TransportFault{Op: "read", Err: err})
			t.emit(StatusDisconnected)
			return
		}
		n := binary.LittleEndian.Uint32(header[:])
		if n > t.opts.maxFrameLen() {
			t.setErr(&errs.FramingError{Reason: "declared length exceeds configured maximum"})
			t.emit(StatusDisconnected)
			return
		}
		payload := make([]byte, n)
		if n > 0 {
			if err := readFull(conn, payload); err != nil {
				if errors.Is(err, io.EOF) {
					t.emit(StatusDisconnected)
					return
				}
				t.setErr(&errs.TransportFault{Op: "read", Err: err})
				t.emit(StatusDisconnected)
				return
			}
		}
		m, err := t.opts.Codec.Decode(payload)
		if err != nil {
			t.setErr(&errs.CodecError{Op: "decode", Err: err})
			t.emit(StatusDisconnected)
			return
		}
		select {
		case out <- m:
		case <-t.closed:
			return
		}
	}
}

// readFull reads exactly len(buf) bytes, looping over short reads. A
// read of zero bytes accompanied by io.EOF before any byte of this
// call was filled is reported as io.EOF (clean close); a partial read
// followed by EOF is a truncation and reported as
// io.ErrUnexpectedEOF so callers can tell "peer closed cleanly between
// frames" from "peer closed mid-frame".
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func (t *streamTransport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		close(t.closed)
		conn := t.getConn()
		if conn != nil {
			closeErr = conn.Close()
		}
		t.emit(StatusDisconnected)
	})
	return closeErr
}

// NewFromConn wraps an already-connected net.Conn as a Transport; used
// by server listeners for accepted connections, which are pre-connected
// and never dial.
func NewFromConn(conn net.Conn, opts Options) Transport {
	if opts.Codec == nil {
		panic("transport: Options.Codec is required")
	}
	return newStreamTransport(opts, conn, nil)
}
