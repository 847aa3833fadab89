// Package cdp implements the control-channel client for the host browser's
// remote-debugging endpoint.
//
// One Client owns one Transport and multiplexes any number of concurrent
// requests over it. Each request gets the next id from a per-client counter
// that starts at 0; replies are matched by id through a correlation table, so
// callers never depend on reply order.
//
//	transport, err := cdp.DialWebSocket(ctx, wsURL, nil)
//	client := cdp.NewClient(transport, cdp.WithLogger(logger))
//	go client.Run(ctx)
//
//	raw, err := client.Send(ctx, "Browser.getVersion", nil)
//	raw, err = client.Session(sessionID).Send(ctx, "Runtime.evaluate", params)
//
// Run is the only reader of the transport. Every inbound frame is classified
// by the presence of "id": frames with an id are replies and are settled
// against the table (unknown ids are stale and dropped); everything else is an
// event and goes to the Router.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/shellbridge/internal/correlation"
	"github.com/standardbeagle/shellbridge/internal/logging"
	"github.com/standardbeagle/shellbridge/internal/metrics"
	"github.com/standardbeagle/shellbridge/internal/protocol"
)

// ErrClosed is returned to every caller whose request was still pending when
// the client shut down, and to any Send after that.
var ErrClosed = errors.New("control channel closed")

// Sender issues commands and waits for their result. Both *Client
// (connection-global commands) and *Session (target-scoped commands)
// implement it.
type Sender interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Client is a multiplexing control-channel client.
type Client struct {
	transport Transport
	pending   *correlation.Table[int64, json.RawMessage]
	router    *Router
	logger    *zap.Logger
	metrics   *metrics.Metrics

	writeTimeout time.Duration

	// sendMu keeps id allocation and the write in one step so ids reach the
	// wire in increasing order.
	sendMu sync.Mutex
	nextID int64

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithWriteTimeout bounds each frame write. Zero leaves writes bounded only
// by the caller's context.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.writeTimeout = d
	}
}

// WithDefaultHandler sets the handler that receives events no installed
// handler consumed.
func WithDefaultHandler(h EventHandler) Option {
	return func(c *Client) {
		c.router = NewRouter(h)
	}
}

// NewClient creates a client over transport. Call Run to start reading.
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		pending:   correlation.New[int64, json.RawMessage](),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.router == nil {
		c.router = NewRouter(nil)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// Router returns the event router. Install handlers with Router().Use.
func (c *Client) Router() *Router {
	return c.router
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the client shut down, or nil while it is running.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Run reads frames until the transport fails, Close is called, or ctx is
// cancelled. On return every pending request has been rejected with ErrClosed.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.shutdown(ctx.Err())
	})
	defer stop()

	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.shutdown(err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(c.closeErr, ErrClosed) || errors.Is(err, ErrTransportClosed) {
				return nil
			}
			return fmt.Errorf("control channel read: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

// Close shuts the client down and closes the transport.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// shutdown closes the transport once and rejects every pending request.
func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrClosed
		}
		c.closeErr = reason

		rejectErr := ErrClosed
		if !errors.Is(reason, ErrClosed) {
			rejectErr = fmt.Errorf("%w: %v", ErrClosed, reason)
		}
		n := c.pending.RejectAll(rejectErr)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("closing transport", zap.Error(err))
		}
		c.metrics.SetPending(0)
		if n > 0 {
			c.logger.Info("control channel closed with pending requests",
				zap.Int("rejected", n), zap.Error(reason))
		}
		close(c.done)
	})
}

// dispatch classifies one frame. The id check comes first: a frame with an id
// is a reply and never reaches the router.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		var mf *protocol.MalformedFrameError
		if errors.As(err, &mf) {
			c.logger.Warn("dropping malformed frame", zap.Error(err), zap.String("frame", mf.Excerpt()))
		} else {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
		}
		c.metrics.MalformedFrame()
		return
	}

	if env.IsReply() {
		c.settle(env)
		return
	}

	c.metrics.EventReceived(env.Method)
	c.router.Dispatch(ctx, env.Event())
}

func (c *Client) settle(env *protocol.Envelope) {
	id := *env.ID

	var (
		settled bool
		result  json.RawMessage
	)
	if env.Error != nil {
		settled = c.pending.Settle(id, nil, protocol.NewRemoteError("", env.Error))
	} else {
		result = env.Result
		if result == nil {
			result = json.RawMessage("{}")
		}
		settled = c.pending.Settle(id, result, nil)
	}

	if !settled {
		c.logger.Debug("ignoring stale reply", zap.Int64("id", id), zap.Error(protocol.ErrStaleReply))
		c.metrics.StaleReply()
		return
	}
	c.metrics.ReplyReceived()
	c.metrics.SetPending(c.pending.Len())
}

// Send issues a connection-global command and waits for its result.
func (c *Client) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.send(ctx, "", method, params)
}

// SendNoResponse writes a connection-global command without waiting for a
// reply. Any reply that does arrive is treated as stale.
func (c *Client) SendNoResponse(ctx context.Context, method string, params any) error {
	_, err := c.write(ctx, "", method, params, false)
	return err
}

// Session returns a handle for commands scoped to an attached target.
func (c *Client) Session(sessionID string) *Session {
	return &Session{client: c, id: sessionID}
}

func (c *Client) send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	wait, err := c.write(ctx, sessionID, method, params, true)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-wait.ch:
		return res.Value, c.annotate(method, res.Err)
	case <-ctx.Done():
		if c.pending.Remove(wait.id) {
			c.metrics.RequestFailed("canceled")
			c.metrics.SetPending(c.pending.Len())
			return nil, ctx.Err()
		}
		// Settled concurrently with cancellation; the result is already buffered.
		res := <-wait.ch
		return res.Value, c.annotate(method, res.Err)
	}
}

type pendingReply struct {
	id int64
	ch <-chan correlation.Result[json.RawMessage]
}

// write allocates an id, optionally registers it, and writes the frame. A
// write failure rolls the registration back.
func (c *Client) write(ctx context.Context, sessionID, method string, params any, await bool) (pendingReply, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return pendingReply{}, fmt.Errorf("%s: %w", method, ErrClosed)
	default:
	}

	id := c.nextID
	c.nextID++

	var wait pendingReply
	if await {
		ch, err := c.pending.Register(id)
		if err != nil {
			return pendingReply{}, fmt.Errorf("%s: %w", method, err)
		}
		wait = pendingReply{id: id, ch: ch}
	}

	data, err := protocol.Encode(protocol.Request{
		ID:        id,
		Method:    method,
		Params:    params,
		SessionID: sessionID,
	})
	if err != nil {
		if await {
			c.pending.Remove(id)
		}
		return pendingReply{}, fmt.Errorf("encode %s: %w", method, err)
	}

	writeCtx := ctx
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := c.transport.WriteMessage(writeCtx, data); err != nil {
		if await {
			c.pending.Remove(id)
		}
		c.metrics.RequestFailed("transport")
		return pendingReply{}, &protocol.TransportError{Op: method, Err: err}
	}

	c.metrics.RequestSent(method)
	if await {
		c.metrics.SetPending(c.pending.Len())
	}
	return wait, nil
}

// annotate attaches the method name to remote errors.
func (c *Client) annotate(method string, err error) error {
	if err == nil {
		return nil
	}
	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		if remote.Method == "" {
			remote.Method = method
		}
		c.metrics.RequestFailed("remote")
		return remote
	}
	if errors.Is(err, ErrClosed) {
		c.metrics.RequestFailed("closed")
	}
	return err
}

// Call sends method through s and decodes the result into out, which may be
// nil to discard it.
func Call(ctx context.Context, s Sender, method string, params, out any) error {
	raw, err := s.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
