package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ancify/ancify-sbm/errs"
	"github.com/Ancify/ancify-sbm/message"
)

// wsTransport frames messages as WebSocket binary messages: one
// logical Message per WebSocket message, no length prefix. Gorilla's
// ReadMessage/NextReader already reassemble fragmented frames into one
// logical message before returning.
type wsTransport struct {
	opts Options
	dial func(ctx context.Context) (*websocket.Conn, error)

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

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
	hasConnected bool
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWSClient returns a Transport that dials a ws:// or wss:// url on
// Connect.
func NewWSClient(url string, tlsConfig *tls.Config, opts Options) Transport {
	if opts.Codec == nil {
		panic("transport: Options.Codec is required")
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.handshakeTimeout(),
		TLSClientConfig:  tlsConfig,
	}
	dial := func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		return conn, err
	}
	return newWSTransport(opts, nil, dial)
}

// NewWSServerSide wraps an already-upgraded *websocket.Conn.
func NewWSServerSide(conn *websocket.Conn, opts Options) Transport {
	return newWSTransport(opts, conn, nil)
}

// UpgradeHTTP upgrades an inbound HTTP request to a WebSocket
// connection. A non-WebSocket request receives HTTP 400 and the
// connection is closed, per spec.md 4.5.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return nil, errors.New("transport: not a websocket upgrade request")
	}
	return wsUpgrader.Upgrade(w, r, nil)
}

func newWSTransport(opts Options, conn *websocket.Conn, dial func(ctx context.Context) (*websocket.Conn, error)) *wsTransport {
	t := &wsTransport{
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

func (t *wsTransport) emit(s Status) {
	t.observerMu.Lock()
	obs := t.observer
	t.observerMu.Unlock()
	if obs != nil {
		obs(s)
	}
}

func (t *wsTransport) SetStatusObserver(obs StatusObserver) {
	t.observerMu.Lock()
	t.observer = obs
	t.observerMu.Unlock()
}

func (t *wsTransport) OnAuthenticated() {
	t.emit(StatusAuthenticating)
	t.emit(StatusAuthenticated)
}

// Connect dials with exponential backoff. Calling Connect again after a
// prior session ended starts a new receive session (a fresh channel
// from Receive) and reports Reconnecting/Reconnected instead of
// Connecting/Connected.
func (t *wsTransport) Connect(ctx context.Context, maxRetries int, baseDelay time.Duration) error {
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

func (t *wsTransport) getConn() *websocket.Conn {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.conn
}

func (t *wsTransport) Send(ctx context.Context, m *message.Message) error {
	conn := t.getConn()
	if conn == nil {
		return errs.ErrNotConnected
	}
	b, err := t.opts.Codec.Encode(m)
	if err != nil {
		return &errs.CodecError{Op: "encode", Err: err}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return &errs.TransportFault{Op: "write", Err: err}
	}
	return nil
}

// Receive returns the current connect session's channel. A reconnect
// (another call to Connect) replaces it with a fresh one; callers must
// re-fetch Receive after each reconnect rather than caching the
// channel across sessions.
func (t *wsTransport) Receive() <-chan *message.Message {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return t.out
}

func (t *wsTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lastErr
}

func (t *wsTransport) setErr(err error) {
	t.errMu.Lock()
	t.lastErr = err
	t.errMu.Unlock()
}

// readLoop is the single reader task for one connect session. It pushes
// decoded messages onto out, the channel allocated for this session by
// Connect, not necessarily the current t.out by the time this goroutine
// exits.
func (t *wsTransport) readLoop(out chan *message.Message) {
	defer close(out)
	conn := t.getConn()
	if conn == nil {
		return
	}
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.emit(StatusDisconnected)
				return
			}
			t.setErr(&errs.TransportFault{Op: "read", Err: err})
			t.emit(StatusDisconnected)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
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

func (t *wsTransport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		close(t.closed)
		conn := t.getConn()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			closeErr = conn.Close()
		}
		t.emit(StatusDisconnected)
	})
	return closeErr
}
