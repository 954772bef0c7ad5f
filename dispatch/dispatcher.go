// Package dispatch implements the per-connection dispatch engine: the
// handler registry, the single-reader inbound loop, reply correlation
// with timeout, and the event bus. It is the heart of the messaging
// stack (spec.md 4.3).
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	channels "gopkg.in/eapache/channels.v1"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/Ancify/ancify-sbm/errs"
	"github.com/Ancify/ancify-sbm/internal/metrics"
	"github.com/Ancify/ancify-sbm/internal/worker"
	"github.com/Ancify/ancify-sbm/message"
	"github.com/Ancify/ancify-sbm/transport"
)

// DefaultRequestTimeout is the default sendRequest timeout (spec.md
// 4.3: "sendRequest(request, timeout = 15s)").
const DefaultRequestTimeout = 15 * time.Second

// ErrorHandler synthesizes a reply from a handler failure. Only
// invoked for handlers registered as responding; the synthesized
// reply is stamped identically to a normal handler reply.
type ErrorHandler func(request *message.Message, cause error) *message.Message

// MessageAllowedFunc gates inbound messages before handler dispatch.
// The server-side auth gate overrides the default (always-true) to
// reject non-authentication traffic from un-authenticated clients.
type MessageAllowedFunc func(m *message.Message) bool

// Dispatcher owns one Transport, the handler/event registries, and the
// inbound loop. Construct with New, call Start once the Transport is
// connected, and Dispose to tear down.
type Dispatcher struct {
	worker.Worker

	transport transport.Transport
	selfID    uuid.UUID

	handlers *registry
	events   *eventRegistry

	errorHandler   ErrorHandler
	messageAllowed MessageAllowedFunc

	log     *logging.Logger
	metrics *metrics.Metrics

	queue *channels.InfiniteChannel
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithErrorHandler installs the handler-failure-to-reply synthesizer.
func WithErrorHandler(h ErrorHandler) Option {
	return func(d *Dispatcher) { d.errorHandler = h }
}

// WithMessageAllowed overrides the default always-allow gate; the
// server-side auth gate uses this to enforce anonymous rejection.
func WithMessageAllowed(f MessageAllowedFunc) Option {
	return func(d *Dispatcher) { d.messageAllowed = f }
}

// WithLogger installs a named logger; if omitted, the "dispatch" logger
// on go-logging's default backend is used.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics installs the optional Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New constructs a Dispatcher over t, identifying itself as selfID in
// outbound sender stamps.
func New(t transport.Transport, selfID uuid.UUID, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport:      t,
		selfID:         selfID,
		handlers:       newRegistry(),
		events:         newEventRegistry(),
		messageAllowed: func(*message.Message) bool { return true },
		queue:          channels.NewInfiniteChannel(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logging.MustGetLogger("dispatch")
	}
	t.SetStatusObserver(func(s transport.Status) {
		d.BroadcastEvent(ConnectionStatusChanged, s)
	})
	return d
}

// ClientID returns the identity this dispatcher stamps as SenderID on
// outbound messages.
func (d *Dispatcher) ClientID() uuid.UUID { return d.selfID }

// Transport returns the underlying Transport.
func (d *Dispatcher) Transport() transport.Transport { return d.transport }

// --- Channel handler registration: four surface shapes over one
// internal contract. ---

func (d *Dispatcher) RegisterAsync(channel string, fn func(ctx context.Context, m *message.Message) (*message.Message, error)) UnregisterFunc {
	return d.handlers.register(channel, wrapAsync(fn), true)
}

func (d *Dispatcher) RegisterAsyncVoid(channel string, fn func(ctx context.Context, m *message.Message) error) UnregisterFunc {
	return d.handlers.register(channel, wrapAsyncVoid(fn), false)
}

func (d *Dispatcher) RegisterSync(channel string, fn func(m *message.Message) (*message.Message, error)) UnregisterFunc {
	return d.handlers.register(channel, wrapSync(fn), true)
}

func (d *Dispatcher) RegisterSyncVoid(channel string, fn func(m *message.Message)) UnregisterFunc {
	return d.handlers.register(channel, wrapSyncVoid(fn), false)
}

// --- Event handler registration: two surface shapes. ---

func (d *Dispatcher) OnEventAsync(kind EventKind, fn func(ctx context.Context, arg interface{}) error) UnregisterFunc {
	return d.events.register(kind, wrapEventAsync(fn))
}

func (d *Dispatcher) OnEvent(kind EventKind, fn func(arg interface{})) UnregisterFunc {
	return d.events.register(kind, wrapEventSync(fn))
}

// OnEventTyped performs a checked cast from the generic event argument
// before dispatch, and is silently skipped for events whose payload is
// not a T.
func OnEventTyped[T any](d *Dispatcher, kind EventKind, fn func(T)) UnregisterFunc {
	return d.OnEvent(kind, func(arg interface{}) {
		if v, ok := arg.(T); ok {
			fn(v)
		}
	})
}

// Inspect is a read-only snapshot of the handler and event registries,
// for tests asserting registry cleanup after Unregister.
type Inspect struct {
	Channels map[string]int
	Events   map[EventKind]int
}

func (d *Dispatcher) Inspect() Inspect {
	return Inspect{Channels: d.handlers.inspect(), Events: d.events.inspect()}
}

// BroadcastEvent snapshots the registered callback list for kind and
// invokes each with arg; exceptions are logged, never propagated.
func (d *Dispatcher) BroadcastEvent(kind EventKind, arg interface{}) {
	for _, e := range d.events.snapshot(kind) {
		func(e *eventEntry) {
			defer func() {
				if r := recover(); r != nil {
					d.log.Errorf("event callback panic on %s: %v", kind, r)
				}
			}()
			if err := e.fn(context.Background(), arg); err != nil {
				d.log.Errorf("event callback error on %s: %v", kind, err)
			}
		}(e)
	}
}

// Send stamps SenderID and delegates to the Transport.
func (d *Dispatcher) Send(ctx context.Context, m *message.Message) error {
	m.SenderID = d.selfID
	if err := d.transport.Send(ctx, m); err != nil {
		return err
	}
	d.metrics.IncSent()
	return nil
}

// SendRequest sends request and returns the correlated reply, or a
// *errs.TimeoutError if none arrives within timeout. timeout <= 0 is
// treated as an immediate-timeout request per spec.md 8.
func (d *Dispatcher) SendRequest(ctx context.Context, request *message.Message, timeout time.Duration) (*message.Message, error) {
	if timeout <= 0 {
		return nil, &errs.TimeoutError{Channel: request.Channel, Timeout: timeout.String()}
	}
	requestID := request.MessageID
	replyChannel := message.ReplyChannel(request.Channel, requestID)

	replyCh := make(chan *message.Message, 1)
	var unreg UnregisterFunc
	unreg = d.handlers.register(replyChannel, func(_ context.Context, reply *message.Message) (*message.Message, error) {
		if reply.IsReplyTo(request.Channel, requestID) {
			select {
			case replyCh <- reply:
			default:
			}
			unreg()
		}
		return nil, nil
	}, false)

	if err := d.Send(ctx, request); err != nil {
		unreg()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		unreg()
		d.metrics.IncRequestTimeouts()
		return nil, &errs.TimeoutError{Channel: request.Channel, Timeout: timeout.String()}
	case <-ctx.Done():
		unreg()
		return nil, &errs.CancelledError{Err: ctx.Err()}
	case <-d.HaltCh():
		// spec.md 5: an in-flight sendRequest that is awaiting a reply
		// resolves with a timeout, never a bare disconnect, unless the
		// caller's own ctx was cancelled (handled above).
		unreg()
		d.metrics.IncRequestTimeouts()
		return nil, &errs.TimeoutError{Channel: request.Channel, Timeout: timeout.String()}
	}
}

// Start launches the goroutine that forwards transport.Receive into
// the internal queue, and the goroutine that drains the queue and
// dispatches to handlers. Call once, after the Transport is connected.
func (d *Dispatcher) Start() {
	d.Go(d.pumpTransport)
	d.Go(d.drainQueue)
}

func (d *Dispatcher) pumpTransport() {
	defer d.queue.Close()
	for {
		select {
		case m, ok := <-d.transport.Receive():
			if !ok {
				if err := d.transport.Err(); err != nil {
					d.log.Errorf("transport closed with error: %v", err)
				}
				return
			}
			d.metrics.IncReceived()
			d.queue.In() <- m
		case <-d.HaltCh():
			return
		}
	}
}

func (d *Dispatcher) drainQueue() {
	for {
		select {
		case raw, ok := <-d.queue.Out():
			if !ok {
				return
			}
			m := raw.(*message.Message)
			d.dispatchOne(m)
		case <-d.HaltCh():
			return
		}
	}
}

// dispatchOne is step 1-4 of the inbound loop (spec.md 4.3): gate,
// snapshot handlers for the channel, invoke each sequentially, stamp
// and send replies, and recover from handler panics/errors without
// ever terminating the loop.
func (d *Dispatcher) dispatchOne(m *message.Message) {
	if !d.messageAllowed(m) {
		d.log.Debugf("dropping message on channel %q: not allowed", m.Channel)
		return
	}
	entries := d.handlers.snapshot(m.Channel)
	for _, e := range entries {
		d.invokeOne(e, m)
	}
}

func (d *Dispatcher) invokeOne(e *handlerEntry, m *message.Message) {
	reply, err := func() (reply *message.Message, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.fn(context.Background(), m)
	}()

	if err != nil {
		herr := &errs.HandlerError{Channel: m.Channel, Err: err}
		d.log.Errorf("%v", herr)
		if e.responding && d.errorHandler != nil {
			if errReply := d.errorHandler(m, herr); errReply != nil {
				d.sendStamped(errReply, m)
			}
		}
		return
	}
	if reply != nil {
		d.sendStamped(reply, m)
	}
}

// sendStamped stamps reply per spec.md 4.3 step 3 and sends it,
// logging (not propagating) any transport failure.
func (d *Dispatcher) sendStamped(reply *message.Message, request *message.Message) {
	reply.ReplyTo = request.MessageID
	reply.TargetID = request.SenderID
	reply.SenderID = d.selfID
	if err := d.transport.Send(context.Background(), reply); err != nil {
		d.log.Errorf("failed to send reply on channel %q: %v", reply.Channel, err)
		return
	}
	d.metrics.IncSent()
}

// Dispose cancels the inbound loop and releases the Transport. Safe to
// call more than once.
func (d *Dispatcher) Dispose() {
	d.Halt()
	d.transport.Close()
}
